package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowmesh/flowmesh/runtime/mcp/manager"
)

const (
	serversCollection       = "mcp_servers"
	connectionLogCollection = "mcp_connection_log"
)

type (
	// ServerStore implements manager.Store for one tenant. Records of all
	// tenants share a collection; every query is scoped by the tenant key.
	ServerStore struct {
		tenant  string
		servers *mongo.Collection
		log     *mongo.Collection
		now     func() time.Time
	}

	serverDoc struct {
		Tenant               string `bson:"tenant"`
		manager.ServerRecord `bson:",inline"`
	}

	connectionAttempt struct {
		Tenant  string    `bson:"tenant"`
		Server  string    `bson:"server"`
		Success bool      `bson:"success"`
		Detail  string    `bson:"detail,omitempty"`
		At      time.Time `bson:"at"`
	}
)

// NewServerStore builds a tenant-scoped server store over the named database.
func NewServerStore(db *mongo.Database, tenant string) (*ServerStore, error) {
	if db == nil {
		return nil, errors.New("mongo: database is required")
	}
	if tenant == "" {
		return nil, errors.New("mongo: tenant is required")
	}
	return &ServerStore{
		tenant:  tenant,
		servers: db.Collection(serversCollection),
		log:     db.Collection(connectionLogCollection),
		now:     time.Now,
	}, nil
}

// EnsureIndexes creates the tenant+name uniqueness index. Callers run this
// once at startup.
func (s *ServerStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.servers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongo: create server indexes: %w", err)
	}
	return nil
}

func (s *ServerStore) filter(name string) bson.D {
	return bson.D{{Key: "tenant", Value: s.tenant}, {Key: "name", Value: name}}
}

// Create inserts a new server record. Duplicate names fail on the unique
// index.
func (s *ServerStore) Create(ctx context.Context, rec manager.ServerRecord) error {
	_, err := s.servers.InsertOne(ctx, serverDoc{Tenant: s.tenant, ServerRecord: rec})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongo: server %q already exists", rec.Name)
	}
	if err != nil {
		return fmt.Errorf("mongo: create server %q: %w", rec.Name, err)
	}
	return nil
}

// Get returns the named server record.
func (s *ServerStore) Get(ctx context.Context, name string) (manager.ServerRecord, error) {
	var doc serverDoc
	err := s.servers.FindOne(ctx, s.filter(name)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return manager.ServerRecord{}, fmt.Errorf("mongo: server %q not found", name)
	}
	if err != nil {
		return manager.ServerRecord{}, fmt.Errorf("mongo: get server %q: %w", name, err)
	}
	return doc.ServerRecord, nil
}

// List returns the tenant's server records sorted by name.
func (s *ServerStore) List(ctx context.Context) ([]manager.ServerRecord, error) {
	cur, err := s.servers.Find(ctx,
		bson.D{{Key: "tenant", Value: s.tenant}},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list servers: %w", err)
	}
	var docs []serverDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode servers: %w", err)
	}
	out := make([]manager.ServerRecord, len(docs))
	for i, d := range docs {
		out[i] = d.ServerRecord
	}
	return out, nil
}

// Update replaces the named record.
func (s *ServerStore) Update(ctx context.Context, rec manager.ServerRecord) error {
	res, err := s.servers.ReplaceOne(ctx, s.filter(rec.Name), serverDoc{Tenant: s.tenant, ServerRecord: rec})
	if err != nil {
		return fmt.Errorf("mongo: update server %q: %w", rec.Name, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongo: server %q not found", rec.Name)
	}
	return nil
}

// Delete removes the named record.
func (s *ServerStore) Delete(ctx context.Context, name string) error {
	res, err := s.servers.DeleteOne(ctx, s.filter(name))
	if err != nil {
		return fmt.Errorf("mongo: delete server %q: %w", name, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("mongo: server %q not found", name)
	}
	return nil
}

// Credentials returns the env of the named record. Values are stored as
// persisted; secret-reference resolution happens at connect time.
func (s *ServerStore) Credentials(ctx context.Context, name string) (map[string]string, error) {
	rec, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(rec.Env))
	for k, v := range rec.Env {
		env[k] = v
	}
	return env, nil
}

// RecordLastConnected stamps the record's last successful connect time.
func (s *ServerStore) RecordLastConnected(ctx context.Context, name string, at time.Time) error {
	_, err := s.servers.UpdateOne(ctx, s.filter(name),
		bson.D{{Key: "$set", Value: bson.D{{Key: "last_connected_at", Value: at}}}})
	if err != nil {
		return fmt.Errorf("mongo: record last connected for %q: %w", name, err)
	}
	return nil
}

// LogConnectionAttempt appends one attempt to the connection log.
func (s *ServerStore) LogConnectionAttempt(ctx context.Context, name string, success bool, detail string) error {
	_, err := s.log.InsertOne(ctx, connectionAttempt{
		Tenant:  s.tenant,
		Server:  name,
		Success: success,
		Detail:  detail,
		At:      s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("mongo: log connection attempt for %q: %w", name, err)
	}
	return nil
}
