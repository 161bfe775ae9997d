package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCommandEnv(t *testing.T) {
	policy := &Policy{
		Network: NetworkPolicy{
			HTTPProxy:  "http://proxy:8080",
			HTTPSProxy: "http://proxy:8080",
			NoProxy:    []string{"localhost", "127.0.0.1"},
		},
	}
	env := BuildCommandEnv([]string{}, policy, map[string]string{"FOO": "bar"})
	require.Contains(t, env, "HTTP_PROXY=http://proxy:8080")
	require.Contains(t, env, "NO_PROXY=localhost,127.0.0.1")
	require.Contains(t, env, "FOO=bar")
}

func TestBuildCommandEnv_ExplicitOverridesProxy(t *testing.T) {
	policy := &Policy{Network: NetworkPolicy{HTTPProxy: "http://proxy:8080"}}
	env := BuildCommandEnv([]string{}, policy, map[string]string{"HTTP_PROXY": "http://override:9090"})
	require.Contains(t, env, "HTTP_PROXY=http://override:9090")
}
