package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvResolver(t *testing.T) {
	t.Setenv("FLOWMESH_TEST_SECRET", "s3cret")

	value, err := EnvResolver{}.Resolve(context.Background(), "env:FLOWMESH_TEST_SECRET", "")
	require.NoError(t, err)
	require.Equal(t, "s3cret", value)

	// Bare names default to the env scheme.
	value, err = EnvResolver{}.Resolve(context.Background(), "FLOWMESH_TEST_SECRET", "")
	require.NoError(t, err)
	require.Equal(t, "s3cret", value)
}

func TestEnvResolverNotFound(t *testing.T) {
	_, err := EnvResolver{}.Resolve(context.Background(), "env:FLOWMESH_TEST_MISSING", "")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestEnvResolverRejectsVault(t *testing.T) {
	_, err := EnvResolver{}.Resolve(context.Background(), "vault:kv/data/llm#api_key", "")
	require.Error(t, err)
}

func TestIsRef(t *testing.T) {
	require.True(t, IsRef("env:API_KEY"))
	require.True(t, IsRef("vault:kv/data/llm#api_key"))
	require.False(t, IsRef("sk-literal-value"))
	require.False(t, IsRef("postgres://u:p@host/db"), "unknown schemes are literals")
}

func TestResolveMap(t *testing.T) {
	t.Setenv("FLOWMESH_TEST_TOKEN", "tok")
	env := map[string]string{
		"API_TOKEN": "env:FLOWMESH_TEST_TOKEN",
		"LITERAL":   "as-is",
	}
	require.NoError(t, ResolveMap(context.Background(), EnvResolver{}, env, "user-1"))
	require.Equal(t, "tok", env["API_TOKEN"])
	require.Equal(t, "as-is", env["LITERAL"])
}
