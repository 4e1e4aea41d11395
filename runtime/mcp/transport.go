package mcp

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Transport is the process boundary the client speaks through. The production
// implementation wraps an exec.Cmd; tests substitute in-memory pipes to drive
// the wire protocol without spawning anything.
type Transport interface {
	// Start launches the transport and returns the request writer and
	// response reader.
	Start(ctx context.Context) (io.WriteCloser, io.Reader, error)

	// Alive reports whether the underlying process is still running.
	Alive() bool

	// StderrExcerpt returns captured stderr, capped at the error limit.
	StderrExcerpt() string

	// Stop requests a graceful exit and force-kills after the grace period.
	Stop(grace time.Duration) error
}

// TransportFactory builds the transport for one server configuration.
type TransportFactory func(cfg ServerConfig) Transport

// processTransport runs the server as a child process with piped stdio.
type processTransport struct {
	cfg    ServerConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	stderr *boundedBuffer
	mu     sync.Mutex
}

func newProcessTransport(cfg ServerConfig) Transport {
	return &processTransport{cfg: cfg, stderr: &boundedBuffer{limit: 4096}}
}

func (t *processTransport) Start(ctx context.Context) (io.WriteCloser, io.Reader, error) {
	command, args := shellWrap(t.cfg.Command, t.cfg.Args)
	cmd := exec.Command(command, args...)
	if t.cfg.Dir != "" {
		cmd.Dir = t.cfg.Dir
	}
	cmd.Env = mergedEnv(t.cfg.Env)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.done = make(chan struct{})
	t.mu.Unlock()

	go func() {
		_, _ = io.Copy(t.stderr, stderr)
	}()
	go func() {
		_ = cmd.Wait()
		close(t.done)
	}()
	return stdin, stdout, nil
}

func (t *processTransport) Alive() bool {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (t *processTransport) StderrExcerpt() string {
	return truncateStderr(t.stderr.String())
}

func (t *processTransport) Stop(grace time.Duration) error {
	t.mu.Lock()
	cmd, stdin, done := t.cmd, t.stdin, t.done
	t.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	return nil
}

// shellWrap resolves the launch command. Windows cannot exec .CMD/.BAT files
// directly, they must go through the command shell.
func shellWrap(command string, args []string) (string, []string) {
	if runtime.GOOS != "windows" {
		return command, args
	}
	switch strings.ToLower(filepath.Ext(command)) {
	case ".cmd", ".bat":
		return "cmd", append([]string{"/C", command}, args...)
	default:
		return command, args
	}
}

// mergedEnv unions the process environment with the server's configured env.
// Keys are sorted so spawns are deterministic.
func mergedEnv(env map[string]string) []string {
	merged := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+env[k])
	}
	return merged
}

// boundedBuffer retains the first limit bytes written and drops the rest.
// Error paths only ever surface the head of stderr.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
