// Package manager provides the user-facing lifecycle over the MCP client: a
// persistent set of server records per tenant, a preset catalog, and the
// connect/disconnect flows that keep records and the tool registry in sync.
package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/runtime/mcp"
	"github.com/flowmesh/flowmesh/runtime/secrets"
	"github.com/flowmesh/flowmesh/runtime/telemetry"
)

type (
	// ServerRecord is the persistent configuration of one MCP server. One
	// record exists per (tenant, name). Env may hold credentials, so records
	// are never logged whole.
	ServerRecord struct {
		Name        string            `json:"name" bson:"name"`
		Preset      string            `json:"preset,omitempty" bson:"preset,omitempty"`
		DisplayName string            `json:"display_name,omitempty" bson:"display_name,omitempty"`
		Description string            `json:"description,omitempty" bson:"description,omitempty"`
		Command     string            `json:"command" bson:"command"`
		Args        []string          `json:"args,omitempty" bson:"args,omitempty"`
		Env         map[string]string `json:"env,omitempty" bson:"env,omitempty"`
		Enabled     bool              `json:"enabled" bson:"enabled"`
		Category    string            `json:"category,omitempty" bson:"category,omitempty"`
		// Connected and ToolsCount reflect the live connection and are
		// refreshed on connect/disconnect.
		Connected       bool      `json:"connected" bson:"connected"`
		ToolsCount      int       `json:"tools_count" bson:"tools_count"`
		LastConnectedAt time.Time `json:"last_connected_at,omitzero" bson:"last_connected_at,omitempty"`
	}

	// Store persists server records for one tenant.
	Store interface {
		Create(ctx context.Context, rec ServerRecord) error
		Get(ctx context.Context, name string) (ServerRecord, error)
		List(ctx context.Context) ([]ServerRecord, error)
		Update(ctx context.Context, rec ServerRecord) error
		Delete(ctx context.Context, name string) error
		// Credentials returns the decrypted env for a record.
		Credentials(ctx context.Context, name string) (map[string]string, error)
		RecordLastConnected(ctx context.Context, name string, at time.Time) error
		LogConnectionAttempt(ctx context.Context, name string, success bool, detail string) error
	}

	// Manager owns the server records and connections of one tenant.
	Manager struct {
		tenant  string
		store   Store
		client  *mcp.Client
		secrets secrets.Resolver
		logger  telemetry.Logger
		now     func() time.Time
	}

	// Option configures a Manager.
	Option func(*Manager)

	// Registry hands out one Manager per tenant key.
	Registry struct {
		mu       sync.Mutex
		managers map[string]*Manager
		build    func(tenant string) *Manager
	}

	// MissingEnvError reports preset env vars the caller did not supply.
	// Only key names are carried, never values.
	MissingEnvError struct {
		Preset  string
		Missing []string
	}
)

// Error implements the error interface.
func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("preset %q requires env vars: %s", e.Preset, strings.Join(e.Missing, ", "))
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the manager time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSecrets sets the resolver applied to credential references at connect
// time. Defaults to the process environment.
func WithSecrets(r secrets.Resolver) Option {
	return func(m *Manager) { m.secrets = r }
}

// New builds a Manager for one tenant over the given store and MCP client.
func New(tenant string, store Store, client *mcp.Client, opts ...Option) *Manager {
	m := &Manager{
		tenant:  tenant,
		store:   store,
		client:  client,
		secrets: secrets.EnvResolver{},
		logger:  telemetry.NewNoopLogger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewRegistry builds a per-tenant manager registry around a factory.
func NewRegistry(build func(tenant string) *Manager) *Registry {
	return &Registry{managers: make(map[string]*Manager), build: build}
}

// For returns the tenant's manager, building it on first use.
func (r *Registry) For(tenant string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[tenant]
	if !ok {
		m = r.build(tenant)
		r.managers[tenant] = m
	}
	return m
}

// Tenant returns the manager's tenant key.
func (m *Manager) Tenant() string { return m.tenant }

// Add validates and persists a server record. It never auto-connects.
func (m *Manager) Add(ctx context.Context, rec ServerRecord) error {
	if rec.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if rec.Command == "" {
		return fmt.Errorf("server %q: command is required", rec.Name)
	}
	rec.Connected = false
	rec.ToolsCount = 0
	if err := m.store.Create(ctx, rec); err != nil {
		return fmt.Errorf("persist server %q: %w", rec.Name, err)
	}
	m.logger.Info(ctx, "mcp server added", "tenant", m.tenant, "server", rec.Name, "env_keys", len(rec.Env))
	return nil
}

// AddFromPreset instantiates a preset into a persisted record. Required env
// vars must be supplied, except for executable presets where the caller
// provides the command path instead. The record is not connected.
func (m *Manager) AddFromPreset(ctx context.Context, name, presetID string, env map[string]string, command string) (ServerRecord, error) {
	preset, err := PresetByID(presetID)
	if err != nil {
		return ServerRecord{}, err
	}

	rec := ServerRecord{
		Name:        name,
		Preset:      preset.ID,
		DisplayName: preset.DisplayName,
		Description: preset.Description,
		Command:     preset.Command,
		Args:        append([]string(nil), preset.Args...),
		Env:         env,
		Enabled:     true,
		Category:    preset.Category,
	}

	if preset.ServerType == ServerTypeExecutable {
		if command == "" {
			return ServerRecord{}, fmt.Errorf("preset %q requires a command path", presetID)
		}
		rec.Command = command
	} else {
		var missing []string
		for _, key := range preset.RequiredEnv {
			if env[key] == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return ServerRecord{}, &MissingEnvError{Preset: presetID, Missing: missing}
		}
	}

	if err := m.Add(ctx, rec); err != nil {
		return ServerRecord{}, err
	}
	return rec, nil
}

// Connect resolves the named record, runs the client handshake and persists
// the updated connection state. Missing and disabled records fail before any
// subprocess is spawned.
func (m *Manager) Connect(ctx context.Context, name string) (ServerRecord, error) {
	rec, err := m.store.Get(ctx, name)
	if err != nil {
		return ServerRecord{}, fmt.Errorf("server %q: %w", name, err)
	}
	if !rec.Enabled {
		return ServerRecord{}, fmt.Errorf("server %q is disabled", name)
	}

	env, err := m.store.Credentials(ctx, name)
	if err != nil {
		return ServerRecord{}, fmt.Errorf("credentials for %q: %w", name, err)
	}
	// env:/vault: references resolve here so the subprocess only ever sees
	// real values. Persisted records keep the references.
	if err := secrets.ResolveMap(ctx, m.secrets, env, m.tenant); err != nil {
		_ = m.store.LogConnectionAttempt(ctx, name, false, err.Error())
		return ServerRecord{}, fmt.Errorf("resolve credentials for %q: %w", name, err)
	}

	tools, err := m.client.AddServer(ctx, mcp.ServerConfig{
		Name:     rec.Name,
		Command:  rec.Command,
		Args:     rec.Args,
		Env:      env,
		Category: rec.Category,
	})
	if err != nil {
		_ = m.store.LogConnectionAttempt(ctx, name, false, err.Error())
		m.logger.Warn(ctx, "mcp server connection failed", "tenant", m.tenant, "server", name)
		return ServerRecord{}, err
	}

	now := m.now()
	rec.Connected = true
	rec.ToolsCount = len(tools)
	rec.LastConnectedAt = now
	if err := m.store.Update(ctx, rec); err != nil {
		return ServerRecord{}, fmt.Errorf("persist connection state for %q: %w", name, err)
	}
	_ = m.store.RecordLastConnected(ctx, name, now)
	_ = m.store.LogConnectionAttempt(ctx, name, true, "")
	m.logger.Info(ctx, "mcp server connected", "tenant", m.tenant, "server", name, "tools_count", rec.ToolsCount)
	return rec, nil
}

// Disconnect tears down the connection and persists the cleared state.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	rec, err := m.store.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("server %q: %w", name, err)
	}
	if err := m.client.DisconnectServer(ctx, name); err != nil {
		m.logger.Warn(ctx, "mcp disconnect on unconnected server", "tenant", m.tenant, "server", name)
	}
	rec.Connected = false
	rec.ToolsCount = 0
	if err := m.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("persist disconnect for %q: %w", name, err)
	}
	return nil
}

// Remove disconnects the server if needed and deletes its record.
func (m *Manager) Remove(ctx context.Context, name string) error {
	_ = m.client.DisconnectServer(ctx, name)
	if err := m.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete server %q: %w", name, err)
	}
	m.logger.Info(ctx, "mcp server removed", "tenant", m.tenant, "server", name)
	return nil
}

// Get returns one record with its live connection flag refreshed.
func (m *Manager) Get(ctx context.Context, name string) (ServerRecord, error) {
	rec, err := m.store.Get(ctx, name)
	if err != nil {
		return ServerRecord{}, err
	}
	m.refresh(&rec)
	return rec, nil
}

// List returns every record with live connection flags refreshed, sorted by
// name.
func (m *Manager) List(ctx context.Context) ([]ServerRecord, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		m.refresh(&recs[i])
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

func (m *Manager) refresh(rec *ServerRecord) {
	rec.Connected = false
	for _, name := range m.client.Servers() {
		if name == rec.Name {
			rec.Connected = true
			return
		}
	}
}
