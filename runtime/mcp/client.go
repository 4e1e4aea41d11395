// Package mcp implements the Model Context Protocol client side: one child
// process per configured server, JSON-RPC 2.0 framed as one JSON object per
// newline-terminated line over the subprocess's stdio. The client owns the
// connection handshake, registers discovered tools in the tool registry and
// serialises calls per server.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmesh/flowmesh/runtime/telemetry"
	"github.com/flowmesh/flowmesh/runtime/toolregistry"
)

// Default connection timing. Startup wait gives a doomed subprocess time to
// crash before the handshake; the read timeout bounds every request; the
// disconnect grace is how long a server gets to exit before it is killed.
const (
	DefaultStartupWait     = 500 * time.Millisecond
	DefaultReadTimeout     = 30 * time.Second
	DefaultDisconnectGrace = 5 * time.Second
)

// maxLineBytes bounds a single response line.
const maxLineBytes = 4 << 20

type (
	// ServerConfig describes how to launch and label one MCP server.
	ServerConfig struct {
		Name     string
		Command  string
		Args     []string
		Env      map[string]string
		Dir      string
		Category string
	}

	// Client manages the set of connected MCP servers for one tenant.
	Client struct {
		registry        *toolregistry.Registry
		logger          telemetry.Logger
		factory         TransportFactory
		startupWait     time.Duration
		readTimeout     time.Duration
		disconnectGrace time.Duration
		clientName      string
		clientVersion   string

		mu      sync.Mutex
		servers map[string]*server
		nextID  atomic.Uint64
	}

	// Option configures the Client.
	Option func(*Client)

	server struct {
		name      string
		transport Transport
		stdin     io.WriteCloser
		tools     []ToolInfo

		writeMu sync.Mutex
		// callMu serialises tools/call per server, FIFO. Calls across
		// servers stay concurrent.
		callMu sync.Mutex

		pendingMu sync.Mutex
		pending   map[uint64]chan rpcResponse
		closeErr  error
		closed    chan struct{}
		closeOnce sync.Once
	}
)

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTransportFactory overrides subprocess spawning, for tests.
func WithTransportFactory(factory TransportFactory) Option {
	return func(c *Client) { c.factory = factory }
}

// WithStartupWait overrides the post-spawn liveness wait.
func WithStartupWait(d time.Duration) Option {
	return func(c *Client) { c.startupWait = d }
}

// WithReadTimeout overrides the per-request read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.readTimeout = d }
}

// WithDisconnectGrace overrides the graceful shutdown window.
func WithDisconnectGrace(d time.Duration) Option {
	return func(c *Client) { c.disconnectGrace = d }
}

// WithClientInfo sets the name and version reported in the initialize
// handshake.
func WithClientInfo(name, version string) Option {
	return func(c *Client) { c.clientName, c.clientVersion = name, version }
}

// New builds an MCP client that registers discovered tools in the given
// registry.
func New(registry *toolregistry.Registry, opts ...Option) *Client {
	c := &Client{
		registry:        registry,
		logger:          telemetry.NewNoopLogger(),
		factory:         newProcessTransport,
		startupWait:     DefaultStartupWait,
		readTimeout:     DefaultReadTimeout,
		disconnectGrace: DefaultDisconnectGrace,
		clientName:      "flowmesh",
		clientVersion:   "dev",
		servers:         make(map[string]*server),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddServer launches the configured server, runs the connection handshake and
// registers its tools. The returned slice holds the tools the server reported.
//
// The handshake is: spawn, wait for early crashes, initialize,
// notifications/initialized, tools/list.
func (c *Client) AddServer(ctx context.Context, cfg ServerConfig) ([]ToolInfo, error) {
	if cfg.Name == "" {
		return nil, &SetupError{Cause: errors.New("server name is required")}
	}
	c.mu.Lock()
	if _, exists := c.servers[cfg.Name]; exists {
		c.mu.Unlock()
		return nil, &SetupError{Server: cfg.Name, Cause: errors.New("server already connected")}
	}
	c.mu.Unlock()

	transport := c.factory(cfg)
	stdin, stdout, err := transport.Start(ctx)
	if err != nil {
		return nil, &SetupError{Server: cfg.Name, Cause: err}
	}
	srv := &server{
		name:      cfg.Name,
		transport: transport,
		stdin:     stdin,
		pending:   make(map[uint64]chan rpcResponse),
		closed:    make(chan struct{}),
	}
	go c.readLoop(srv, stdout)

	select {
	case <-time.After(c.startupWait):
	case <-ctx.Done():
		_ = transport.Stop(c.disconnectGrace)
		return nil, ctx.Err()
	}
	if !transport.Alive() {
		srv.close(errors.New("subprocess exited during startup"))
		return nil, &SetupError{
			Server: cfg.Name,
			Stderr: transport.StderrExcerpt(),
			Cause:  errors.New("subprocess exited during startup"),
		}
	}

	tools, err := c.handshake(ctx, srv)
	if err != nil {
		_ = transport.Stop(c.disconnectGrace)
		srv.close(err)
		var setup *SetupError
		if errors.As(err, &setup) {
			return nil, err
		}
		return nil, &ConnectError{Server: cfg.Name, Stderr: transport.StderrExcerpt(), Cause: err}
	}

	srv.tools = tools
	for _, t := range tools {
		c.registry.RegisterMCPTool(t.Name, t.Description, t.InputSchema, cfg.Name, cfg.Category)
	}

	c.mu.Lock()
	c.servers[cfg.Name] = srv
	c.mu.Unlock()
	c.logger.Info(ctx, "mcp server connected", "server", cfg.Name, "tools", len(tools))
	return tools, nil
}

func (c *Client) handshake(ctx context.Context, srv *server) ([]ToolInfo, error) {
	initParams := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.clientName,
			"version": c.clientVersion,
		},
	}
	if _, err := c.call(ctx, srv, "initialize", initParams); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(srv, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	raw, err := c.call(ctx, srv, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return list.Tools, nil
}

// CallTool invokes a tool by qualified ("server.tool") or bare name. Bare
// names are disambiguated through the tool registry; serving the same bare
// name from two servers is an error listing the candidates. Calls to one
// server run strictly one at a time.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, err := c.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	serverName := tool.ServerName
	toolName := strings.TrimPrefix(tool.Name, serverName+".")

	c.mu.Lock()
	srv, ok := c.servers[serverName]
	c.mu.Unlock()
	if !ok {
		return nil, &CallError{Server: serverName, Tool: toolName, Message: "server not connected"}
	}

	srv.callMu.Lock()
	defer srv.callMu.Unlock()

	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, srv, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": args,
	})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return nil, &CallError{Server: serverName, Tool: toolName, Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return nil, err
	}
	result, isError, err := decodeCallResult(raw)
	if err != nil {
		return nil, &CallError{Server: serverName, Tool: toolName, Message: err.Error()}
	}
	if isError {
		return nil, &CallError{Server: serverName, Tool: toolName, Message: fmt.Sprint(result)}
	}
	return result, nil
}

// DisconnectServer tears the server down: graceful stop with a kill after the
// grace window, tool deregistration, state removal.
func (c *Client) DisconnectServer(ctx context.Context, name string) error {
	c.mu.Lock()
	srv, ok := c.servers[name]
	delete(c.servers, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("server %q not connected", name)
	}
	_ = srv.transport.Stop(c.disconnectGrace)
	srv.close(errors.New("server disconnected"))
	removed := c.registry.RemoveServer(name)
	c.logger.Info(ctx, "mcp server disconnected", "server", name, "tools_removed", removed)
	return nil
}

// Servers returns the names of connected servers.
func (c *Client) Servers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	return names
}

// Tools returns the cached tool list for a connected server.
func (c *Client) Tools(serverName string) ([]ToolInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	srv, ok := c.servers[serverName]
	if !ok {
		return nil, false
	}
	return srv.tools, true
}

// Close disconnects every server.
func (c *Client) Close(ctx context.Context) {
	for _, name := range c.Servers() {
		_ = c.DisconnectServer(ctx, name)
	}
}

// call sends one request and waits for the matching response, bounded by the
// read timeout. On timeout it checks liveness so a dead subprocess surfaces
// with its stderr instead of a bare timeout.
func (c *Client) call(ctx context.Context, srv *server, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)
	srv.pendingMu.Lock()
	srv.pending[id] = ch
	srv.pendingMu.Unlock()

	if err := srv.writeLine(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		srv.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		srv.removePending(id)
		if !srv.transport.Alive() {
			return nil, fmt.Errorf("subprocess exited (stderr: %s)", srv.transport.StderrExcerpt())
		}
		return nil, fmt.Errorf("%s: read timeout after %s", method, c.readTimeout)
	case <-ctx.Done():
		srv.removePending(id)
		return nil, ctx.Err()
	case <-srv.closed:
		return nil, srv.closeError()
	}
}

// notify sends a request without an id; no response is expected.
func (c *Client) notify(srv *server, method string, params any) error {
	return srv.writeLine(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// readLoop matches newline-framed responses to pending requests. A line that
// does not parse as JSON is a framing error and fails the pending request.
func (c *Client) readLoop(srv *server, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			c.logger.Warn(context.Background(), "mcp framing error, non-JSON line", "server", srv.name)
			srv.failPending(fmt.Errorf("framing error: response line is not JSON"))
			continue
		}
		if resp.ID == 0 {
			// Server-initiated notification, ignored.
			continue
		}
		srv.deliver(resp)
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("subprocess closed stdout")
	}
	srv.failPending(err)
	srv.close(err)
}

func (s *server) writeLine(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to %q: %w", s.name, err)
	}
	return nil
}

func (s *server) deliver(resp rpcResponse) {
	s.pendingMu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (s *server) removePending(id uint64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *server) failPending(err error) {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- rpcResponse{Error: &rpcError{Code: -1, Message: err.Error()}}
	}
	s.pendingMu.Unlock()
}

func (s *server) close(err error) {
	s.closeOnce.Do(func() {
		s.pendingMu.Lock()
		s.closeErr = err
		s.pendingMu.Unlock()
		close(s.closed)
	})
}

func (s *server) closeError() error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.closeErr == nil {
		return errors.New("server connection closed")
	}
	return s.closeErr
}
