// Package redis provides a stream.Sink backed by Redis Streams. Each workflow
// execution gets its own stream key so consumers can XREAD a single run without
// filtering, and streams are capped and expired so abandoned runs do not grow
// the keyspace unbounded.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/runtime/stream"
)

const (
	// DefaultKeyPrefix namespaces execution streams in the keyspace.
	DefaultKeyPrefix = "flowmesh:stream:"

	// DefaultMaxLen caps each execution stream (approximate trimming).
	DefaultMaxLen = 10_000

	// DefaultTTL expires execution streams after the run is long done.
	DefaultTTL = 24 * time.Hour
)

type (
	// Option configures the sink.
	Option func(*Sink)

	// Sink publishes stream events to per-execution Redis streams via XADD.
	Sink struct {
		client redis.UniversalClient
		prefix string
		maxLen int64
		ttl    time.Duration

		mu     sync.Mutex
		closed bool
	}
)

// WithKeyPrefix overrides the stream key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Sink) { s.prefix = prefix }
}

// WithMaxLen overrides the per-stream length cap. Zero disables trimming.
func WithMaxLen(n int64) Option {
	return func(s *Sink) { s.maxLen = n }
}

// WithTTL overrides the stream expiry. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(s *Sink) { s.ttl = d }
}

// New builds a sink over an existing Redis client. The sink does not own the
// client connection unless it was created through NewFromAddr.
func New(client redis.UniversalClient, opts ...Option) (*Sink, error) {
	if client == nil {
		return nil, errors.New("redis sink: client is required")
	}
	s := &Sink{
		client: client,
		prefix: DefaultKeyPrefix,
		maxLen: DefaultMaxLen,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromAddr builds a sink with its own single-node Redis client.
func NewFromAddr(addr string, opts ...Option) (*Sink, error) {
	return New(redis.NewClient(&redis.Options{Addr: addr}), opts...)
}

// Send appends the event to the execution's stream. The full event is stored
// as one JSON field; kind and node id are duplicated as flat fields so
// consumers can filter without unmarshaling.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("redis sink: closed")
	}
	if event.ExecutionID == "" {
		return errors.New("redis sink: event has no execution id")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis sink: marshal event: %w", err)
	}
	key := s.prefix + event.ExecutionID
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{
			"kind":    string(event.Kind),
			"node_id": event.NodeID,
			"event":   string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis sink: xadd %s: %w", key, err)
	}
	if s.ttl > 0 {
		// Refreshed on every append; the stream survives the run by the TTL.
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("redis sink: expire %s: %w", key, err)
		}
	}
	return nil
}

// Close marks the sink closed and releases the client connection.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
