// Package local persists MCP server records in a JSON file. It backs the
// server manager in single-node deployments where no MongoDB is available.
// Writes go through a temp file and rename so a crash never leaves a
// half-written config behind.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/runtime/mcp/manager"
)

type (
	// ServerStore implements manager.Store over one JSON file.
	ServerStore struct {
		path string

		mu  sync.Mutex
		now func() time.Time
	}

	// fileDoc is the on-disk layout: a top-level "servers" list of records
	// plus the bounded connection log.
	fileDoc struct {
		Servers  []manager.ServerRecord `json:"servers"`
		Attempts []attemptEntry         `json:"connection_log,omitempty"`
	}

	// state is the in-memory view, keyed by name for lookups.
	state struct {
		servers  map[string]manager.ServerRecord
		attempts []attemptEntry
	}

	attemptEntry struct {
		Server  string    `json:"server"`
		Success bool      `json:"success"`
		Detail  string    `json:"detail,omitempty"`
		At      time.Time `json:"at"`
	}
)

// attemptCap bounds the connection log kept in the file.
const attemptCap = 200

// NewServerStore builds a store over the given file path. The file is created
// on first write; a missing file reads as an empty server set.
func NewServerStore(path string) (*ServerStore, error) {
	if path == "" {
		return nil, errors.New("local store: path is required")
	}
	return &ServerStore{path: path, now: time.Now}, nil
}

// DefaultPath returns the conventional config location under the user home.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("local store: resolve home: %w", err)
	}
	return filepath.Join(home, ".flowmesh", "mcp_servers.json"), nil
}

func (s *ServerStore) load() (*state, error) {
	st := &state{servers: make(map[string]manager.ServerRecord)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local store: read %s: %w", s.path, err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("local store: parse %s: %w", s.path, err)
	}
	for _, rec := range doc.Servers {
		st.servers[rec.Name] = rec
	}
	st.attempts = doc.Attempts
	return st, nil
}

func (s *ServerStore) save(st *state) error {
	doc := fileDoc{
		Servers:  make([]manager.ServerRecord, 0, len(st.servers)),
		Attempts: st.attempts,
	}
	for _, rec := range st.servers {
		doc.Servers = append(doc.Servers, rec)
	}
	sort.Slice(doc.Servers, func(i, j int) bool { return doc.Servers[i].Name < doc.Servers[j].Name })

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("local store: create dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("local store: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	// 0600: the file may carry credentials.
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("local store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("local store: rename %s: %w", tmp, err)
	}
	return nil
}

// Create adds a new server record.
func (s *ServerStore) Create(_ context.Context, rec manager.ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := st.servers[rec.Name]; ok {
		return fmt.Errorf("local store: server %q already exists", rec.Name)
	}
	st.servers[rec.Name] = rec
	return s.save(st)
}

// Get returns the named record.
func (s *ServerStore) Get(_ context.Context, name string) (manager.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return manager.ServerRecord{}, err
	}
	rec, ok := st.servers[name]
	if !ok {
		return manager.ServerRecord{}, fmt.Errorf("local store: server %q not found", name)
	}
	return rec, nil
}

// List returns all records sorted by name.
func (s *ServerStore) List(_ context.Context) ([]manager.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]manager.ServerRecord, 0, len(st.servers))
	for _, rec := range st.servers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Update replaces the named record.
func (s *ServerStore) Update(_ context.Context, rec manager.ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := st.servers[rec.Name]; !ok {
		return fmt.Errorf("local store: server %q not found", rec.Name)
	}
	st.servers[rec.Name] = rec
	return s.save(st)
}

// Delete removes the named record.
func (s *ServerStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := st.servers[name]; !ok {
		return fmt.Errorf("local store: server %q not found", name)
	}
	delete(st.servers, name)
	return s.save(st)
}

// Credentials returns the env of the named record.
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
func (s *ServerStore) RecordLastConnected(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	rec, ok := st.servers[name]
	if !ok {
		return fmt.Errorf("local store: server %q not found", name)
	}
	rec.LastConnectedAt = at
	st.servers[name] = rec
	return s.save(st)
}

// LogConnectionAttempt appends one attempt, keeping the log bounded.
func (s *ServerStore) LogConnectionAttempt(_ context.Context, name string, success bool, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.attempts = append(st.attempts, attemptEntry{
		Server:  name,
		Success: success,
		Detail:  detail,
		At:      s.now().UTC(),
	})
	if len(st.attempts) > attemptCap {
		st.attempts = st.attempts[len(st.attempts)-attemptCap:]
	}
	return s.save(st)
}
