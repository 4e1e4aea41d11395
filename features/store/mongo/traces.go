// Package mongo persists completed trace records and per-tenant MCP server
// records in MongoDB. TraceStore feeds the cost forecaster and the execution
// engine's persistence hook; ServerStore backs the MCP server manager.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowmesh/flowmesh/runtime/trace"
)

const (
	tracesCollection = "traces"
)

// TraceStore persists trace records, one document per execution keyed by
// trace id. It satisfies both the engine's persistence hook and the
// forecaster's history source.
type TraceStore struct {
	traces *mongo.Collection
}

// NewTraceStore builds a store over the named database.
func NewTraceStore(db *mongo.Database) (*TraceStore, error) {
	if db == nil {
		return nil, errors.New("mongo: database is required")
	}
	return &TraceStore{traces: db.Collection(tracesCollection)}, nil
}

// EnsureIndexes creates the query indexes. Callers run this once at startup.
func (s *TraceStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.traces.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "trace_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "started_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create trace indexes: %w", err)
	}
	return nil
}

// SaveTrace upserts one record keyed by trace id, so re-persisting an
// execution is idempotent.
func (s *TraceStore) SaveTrace(ctx context.Context, rec trace.Record) error {
	if rec.TraceID == "" {
		return errors.New("mongo: record has no trace id")
	}
	_, err := s.traces.ReplaceOne(ctx,
		bson.D{{Key: "trace_id", Value: rec.TraceID}},
		rec,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: save trace %s: %w", rec.TraceID, err)
	}
	return nil
}

// GetTrace returns one record by trace id.
func (s *TraceStore) GetTrace(ctx context.Context, traceID string) (trace.Record, error) {
	var rec trace.Record
	err := s.traces.FindOne(ctx, bson.D{{Key: "trace_id", Value: traceID}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return trace.Record{}, fmt.Errorf("mongo: trace %s not found", traceID)
	}
	if err != nil {
		return trace.Record{}, fmt.Errorf("mongo: get trace %s: %w", traceID, err)
	}
	return rec, nil
}

// ListTraces returns the workflow's records, most recent first. An empty
// workflow id lists across all workflows.
func (s *TraceStore) ListTraces(ctx context.Context, workflowID string, limit int) ([]trace.Record, error) {
	filter := bson.D{}
	if workflowID != "" {
		filter = bson.D{{Key: "workflow_id", Value: workflowID}}
	}
	return s.list(ctx, filter, limit)
}

// ListTracesByUser returns a user's records, most recent first.
func (s *TraceStore) ListTracesByUser(ctx context.Context, userID string, limit int) ([]trace.Record, error) {
	return s.list(ctx, bson.D{{Key: "user_id", Value: userID}}, limit)
}

// ListTracesSince returns records started at or after the cutoff, most recent
// first, optionally scoped to a workflow.
func (s *TraceStore) ListTracesSince(ctx context.Context, workflowID string, since time.Time, limit int) ([]trace.Record, error) {
	filter := bson.D{{Key: "started_at", Value: bson.D{{Key: "$gte", Value: since}}}}
	if workflowID != "" {
		filter = append(filter, bson.E{Key: "workflow_id", Value: workflowID})
	}
	return s.list(ctx, filter, limit)
}

func (s *TraceStore) list(ctx context.Context, filter bson.D, limit int) ([]trace.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.traces.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list traces: %w", err)
	}
	var out []trace.Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo: decode traces: %w", err)
	}
	return out, nil
}

// DeleteTrace removes one record by trace id.
func (s *TraceStore) DeleteTrace(ctx context.Context, traceID string) error {
	_, err := s.traces.DeleteOne(ctx, bson.D{{Key: "trace_id", Value: traceID}})
	if err != nil {
		return fmt.Errorf("mongo: delete trace %s: %w", traceID, err)
	}
	return nil
}
