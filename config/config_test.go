package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/toolrouter/sandbox"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidLocalBackend(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.json", `{
		"servers": [
			{"id": "echo", "name": "Echo", "type": "local", "local": {"command": "node", "args": ["server.js"]}}
		],
		"timeout_ms": 5000,
		"cache_tools": true
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	require.Equal(t, "echo", cfg.Servers[0].ID)
	require.Equal(t, sandbox.KindNone, cfg.Servers[0].Local.Sandbox.Kind)
}

func TestLoad_RejectsDisallowedCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.json", `{
		"servers": [
			{"id": "evil", "name": "Evil", "type": "local", "local": {"command": "rm", "args": ["-rf", "/"]}}
		]
	}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsBadID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.json", `{
		"servers": [
			{"id": "bad id!", "name": "Bad", "type": "local", "local": {"command": "node"}}
		]
	}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.json", `{
		"servers": [
			{"id": "a", "name": "A", "type": "local", "local": {"command": "node"}},
			{"id": "a", "name": "A2", "type": "local", "local": {"command": "python3"}}
		]
	}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsMissingCommandOrURL(t *testing.T) {
	dir := t.TempDir()
	pathLocal := writeFile(t, dir, "local.json", `{"servers": [{"id": "a", "type": "local"}]}`)
	_, err := Load(pathLocal)
	require.Error(t, err)

	pathRemote := writeFile(t, dir, "remote.json", `{"servers": [{"id": "b", "type": "remote"}]}`)
	_, err = Load(pathRemote)
	require.Error(t, err)
}

func TestLoad_YAMLDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.yaml", "servers:\n  - id: echo\n    name: Echo\n    type: local\n    local:\n      command: node\n      args: [\"server.js\"]\ntimeout_ms: 1000\ncache_tools: false\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	require.Equal(t, 1000, cfg.TimeoutMS)
}

func TestLoadDir_MergesFragments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "01-echo.json", `{"servers": [{"id": "echo", "type": "local", "local": {"command": "node"}}]}`)
	writeFile(t, dir, "02-search.json", `{"servers": [{"id": "search", "type": "local", "local": {"command": "python3"}}]}`)

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
}

func TestToolConfiguration_Permits(t *testing.T) {
	tc := &ToolConfiguration{Allow: []string{"search*"}, Deny: []string{"search_internal"}}
	require.NoError(t, tc.Compile())

	require.True(t, tc.Permits("search_web"))
	require.False(t, tc.Permits("search_internal"))
	require.False(t, tc.Permits("unrelated"))
}

func TestToolConfiguration_EmptyAllowPermitsAllExceptDenied(t *testing.T) {
	tc := &ToolConfiguration{Deny: []string{"dangerous_*"}}
	require.NoError(t, tc.Compile())

	require.True(t, tc.Permits("search_web"))
	require.False(t, tc.Permits("dangerous_exec"))
}

func TestExample_RoundTripsThroughValidate(t *testing.T) {
	cfg := Example()
	require.NoError(t, Validate(cfg))
}

func TestRetryConfig_PolicyDefaultsAndOverrides(t *testing.T) {
	rc := RetryConfig{MaxAttempts: 5}
	p := rc.Policy()
	require.Equal(t, 5, p.MaxAttempts)
	require.Greater(t, p.InitialBackoff.Milliseconds(), int64(0))
}
