// Package secrets resolves credential references for node configs and MCP
// server env maps. References use a scheme prefix: "env:NAME" reads the
// process environment, "vault:path#field" targets an external secret store.
// The engine depends only on the Resolver interface; deployments plug in
// whatever backend they run.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Scheme prefixes understood by ParseRef.
const (
	SchemeEnv   = "env"
	SchemeVault = "vault"
)

type (
	// Resolver turns a secret reference into its value. userID scopes
	// per-user secrets; resolvers without per-user storage ignore it.
	Resolver interface {
		Resolve(ctx context.Context, ref, userID string) (string, error)
	}

	// EnvResolver resolves "env:NAME" references (and bare names) from the
	// process environment.
	EnvResolver struct{}

	// NotFoundError reports a reference with no stored value.
	NotFoundError struct {
		Ref string
	}
)

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %q not found", e.Ref)
}

// ParseRef splits a reference into scheme and remainder. A reference without
// a scheme defaults to env.
func ParseRef(ref string) (scheme, rest string) {
	if scheme, rest, ok := strings.Cut(ref, ":"); ok {
		return scheme, rest
	}
	return SchemeEnv, ref
}

// Resolve reads the referenced variable from the process environment.
func (EnvResolver) Resolve(_ context.Context, ref, _ string) (string, error) {
	scheme, name := ParseRef(ref)
	if scheme != SchemeEnv {
		return "", fmt.Errorf("env resolver cannot resolve %q references", scheme)
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", &NotFoundError{Ref: ref}
	}
	return value, nil
}

// IsRef reports whether the value looks like a secret reference rather than a
// literal.
func IsRef(value string) bool {
	scheme, _, ok := strings.Cut(value, ":")
	if !ok {
		return false
	}
	return scheme == SchemeEnv || scheme == SchemeVault
}

// ResolveMap resolves every reference-valued entry of env in place, leaving
// literals untouched.
func ResolveMap(ctx context.Context, r Resolver, env map[string]string, userID string) error {
	for key, value := range env {
		if !IsRef(value) {
			continue
		}
		resolved, err := r.Resolve(ctx, value, userID)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", key, err)
		}
		env[key] = resolved
	}
	return nil
}
