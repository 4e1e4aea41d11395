package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/runtime/stream"
)

// getRedis returns a client against the server named by REDIS_ADDR, skipping
// the test when no server is reachable.
func getRedis(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSendAppendsToExecutionStream(t *testing.T) {
	client := getRedis(t)
	ctx := context.Background()

	sink, err := New(client, WithKeyPrefix("flowmesh:test:"), WithTTL(time.Minute))
	require.NoError(t, err)

	event := stream.Event{
		Kind:        stream.KindNodeCompleted,
		NodeID:      "chunk",
		ExecutionID: "exec-42",
		Payload:     map[string]any{"node_type": "chunking"},
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, sink.Send(ctx, event))

	key := "flowmesh:test:exec-42"
	t.Cleanup(func() { client.Del(ctx, key) })

	entries, err := client.XRange(ctx, key, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "node_completed", entries[0].Values["kind"])
	require.Equal(t, "chunk", entries[0].Values["node_id"])

	var decoded stream.Event
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["event"].(string)), &decoded))
	require.Equal(t, "exec-42", decoded.ExecutionID)

	ttl, err := client.TTL(ctx, key).Result()
	require.NoError(t, err)
	require.Positive(t, ttl)
}

func TestSendRequiresExecutionID(t *testing.T) {
	sink, err := New(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}))
	require.NoError(t, err)
	err = sink.Send(context.Background(), stream.Event{Kind: stream.KindLog})
	require.ErrorContains(t, err, "execution id")
}

func TestSendAfterCloseFails(t *testing.T) {
	sink, err := New(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}))
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()), "close is idempotent")

	err = sink.Send(context.Background(), stream.Event{ExecutionID: "exec-1"})
	require.ErrorContains(t, err, "closed")
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
