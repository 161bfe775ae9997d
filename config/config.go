// Package config implements the Config Loader: parsing the on-disk router
// document, validating every backend entry through the Command Gate and
// Sandbox Composer, and refusing to start the whole config if any single
// entry is invalid.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gobwas/glob"
	yaml "github.com/goccy/go-yaml"

	"github.com/deepnoodle-ai/toolrouter/gate"
	"github.com/deepnoodle-ai/toolrouter/retry"
	"github.com/deepnoodle-ai/toolrouter/sandbox"
	"github.com/deepnoodle-ai/toolrouter/transport"
)

// ToolConfiguration filters a backend's advertised tools before they reach
// the aggregated catalog. Adapted from the teacher's
// mcp.ToolConfiguration.AllowedTools (there an exact-match list); here
// generalized to allow/deny glob patterns, compiled once at load time so a
// malformed pattern is a startup-time error rather than a runtime panic.
type ToolConfiguration struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`

	allowGlobs []glob.Glob
	denyGlobs  []glob.Glob
}

// Compile parses Allow/Deny into glob.Glob matchers. Must be called before
// Permits is used; Validate calls this automatically for specs loaded
// through Load/LoadDir.
func (tc *ToolConfiguration) Compile() error {
	for _, pattern := range tc.Allow {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("tool allow pattern %q: %w", pattern, err)
		}
		tc.allowGlobs = append(tc.allowGlobs, g)
	}
	for _, pattern := range tc.Deny {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("tool deny pattern %q: %w", pattern, err)
		}
		tc.denyGlobs = append(tc.denyGlobs, g)
	}
	return nil
}

// Permits reports whether rawToolName (the un-namespaced name reported by
// tools/list) should reach the aggregated catalog: deny takes precedence
// over allow; an empty Allow list permits everything not denied.
func (tc *ToolConfiguration) Permits(rawToolName string) bool {
	if tc == nil {
		return true
	}
	for _, g := range tc.denyGlobs {
		if g.Match(rawToolName) {
			return false
		}
	}
	if len(tc.allowGlobs) == 0 {
		return true
	}
	for _, g := range tc.allowGlobs {
		if g.Match(rawToolName) {
			return true
		}
	}
	return false
}

// LocalSpec is the Local variant of BackendSpec.
type LocalSpec struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Sandbox sandbox.Policy    `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
}

// RemoteSpec is the Remote variant of BackendSpec.
type RemoteSpec struct {
	URL           string             `json:"url" yaml:"url"`
	TransportKind string             `json:"transport,omitempty" yaml:"transport,omitempty"`
	Auth          transport.Auth     `json:"auth,omitempty" yaml:"auth,omitempty"`
	TimeoutMS     int                `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Retry         RetryConfig        `json:"retry,omitempty" yaml:"retry,omitempty"`
	TLS           transport.TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// RetryConfig mirrors spec.md §3's retry fields in millisecond units, the
// on-disk representation of retry.Policy.
type RetryConfig struct {
	MaxAttempts      int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialBackoffMS int `json:"initial_backoff_ms,omitempty" yaml:"initial_backoff_ms,omitempty"`
	MaxBackoffMS     int `json:"max_backoff_ms,omitempty" yaml:"max_backoff_ms,omitempty"`
}

// Policy converts the on-disk millisecond fields into a retry.Policy,
// falling back to retry.DefaultPolicy's values for any field left at zero.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoffMS > 0 {
		p.InitialBackoff = time.Duration(r.InitialBackoffMS) * time.Millisecond
	}
	if r.MaxBackoffMS > 0 {
		p.MaxBackoff = time.Duration(r.MaxBackoffMS) * time.Millisecond
	}
	return p
}

// BackendSpec is the immutable, validated description of one backend.
type BackendSpec struct {
	ID                string             `json:"id" yaml:"id"`
	Name              string             `json:"name" yaml:"name"`
	Kind              string             `json:"type" yaml:"type"` // "local" or "remote"
	Local             *LocalSpec         `json:"local,omitempty" yaml:"local,omitempty"`
	Remote            *RemoteSpec        `json:"remote,omitempty" yaml:"remote,omitempty"`
	ToolConfiguration *ToolConfiguration `json:"tool_configuration,omitempty" yaml:"tool_configuration,omitempty"`
}

// Config is the root document shape: {servers, timeout_ms, cache_tools}.
type Config struct {
	Servers    []BackendSpec `json:"servers" yaml:"servers"`
	TimeoutMS  int           `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	CacheTools bool          `json:"cache_tools" yaml:"cache_tools"`
}

// Load reads a single config file (JSON or YAML; both are parsed by the YAML
// decoder, whatever the file extension) and validates every spec. An invalid
// entry rejects the whole config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDir merges every *.json/*.yaml/*.yml fragment under dir (matched via
// doublestar so nested layouts work), in lexical filename order, into one
// server list, then validates the merged config as a whole. Mirrors the
// teacher's directory-of-fragments config loading convention.
func LoadDir(dir string) (*Config, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**/*.{json,yaml,yml}"))
	if err != nil {
		return nil, fmt.Errorf("config: globbing %s: %w", dir, err)
	}
	sort.Strings(matches)

	merged := &Config{}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		var fragment Config
		if err := yaml.Unmarshal(data, &fragment); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		merged.Servers = append(merged.Servers, fragment.Servers...)
		if fragment.TimeoutMS != 0 {
			merged.TimeoutMS = fragment.TimeoutMS
		}
		if fragment.CacheTools {
			merged.CacheTools = true
		}
	}
	if err := Validate(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// LoadPath loads path as either a single file or, if it is a directory, a
// merged set of fragments.
func LoadPath(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return Load(path)
}

// Validate runs every spec through the Command Gate (C1) and probes its
// sandbox policy's availability (C2), rejecting the whole config on the
// first invalid entry. It also compiles every ToolConfiguration's glob
// patterns and checks id uniqueness.
func Validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		spec := &cfg.Servers[i]
		if err := validateSpec(spec); err != nil {
			return fmt.Errorf("config: backend %q: %w", spec.ID, err)
		}
		if seen[spec.ID] {
			return fmt.Errorf("config: duplicate backend id %q", spec.ID)
		}
		seen[spec.ID] = true
	}
	return nil
}

func validateSpec(spec *BackendSpec) error {
	if !gate.ValidateID(spec.ID) {
		return fmt.Errorf("invalid id %q: must match [A-Za-z0-9_-]+", spec.ID)
	}

	switch strings.ToLower(spec.Kind) {
	case "local":
		if spec.Local == nil || spec.Local.Command == "" {
			return fmt.Errorf("local backend requires a command")
		}
		if err := gate.ValidateCommand(spec.Local.Command); err != nil {
			return err
		}
		if err := gate.ValidateArgs(spec.Local.Args); err != nil {
			return err
		}
		kind := spec.Local.Sandbox.Kind
		if kind == "" {
			kind = sandbox.KindNone
			spec.Local.Sandbox.Kind = kind
		}
		if err := sandbox.Available(context.Background(), kind); err != nil {
			return fmt.Errorf("sandbox %q unavailable: %w", kind, err)
		}
	case "remote":
		if spec.Remote == nil || spec.Remote.URL == "" {
			return fmt.Errorf("remote backend requires a url")
		}
	default:
		return fmt.Errorf("unknown backend type %q (must be \"local\" or \"remote\")", spec.Kind)
	}

	if spec.ToolConfiguration != nil {
		if err := spec.ToolConfiguration.Compile(); err != nil {
			return err
		}
	}
	return nil
}

// Example returns a small, valid config suitable for "router init" to emit:
// one Local backend (an echo-style Node tool server, unsandboxed) plus the
// router-level fields.
func Example() *Config {
	return &Config{
		TimeoutMS:  30000,
		CacheTools: true,
		Servers: []BackendSpec{
			{
				ID:   "echo",
				Name: "Echo Tool Server",
				Kind: "local",
				Local: &LocalSpec{
					Command: "node",
					Args:    []string{"./servers/echo/index.js"},
					Env:     map[string]string{"LOG_LEVEL": "info"},
					Sandbox: sandbox.NonePolicy(),
				},
			},
		},
	}
}

// Marshal renders cfg as JSON or YAML, selected by asYAML.
func Marshal(cfg *Config, asYAML bool) ([]byte, error) {
	if asYAML {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}
