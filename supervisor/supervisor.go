// Package supervisor implements the Backend Supervisor: a registry of
// id -> backend.Handle, spawning backends from config, aggregating their
// catalogs, routing namespaced tool calls, and running the background
// health-monitor loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepnoodle-ai/toolrouter/backend"
	"github.com/deepnoodle-ai/toolrouter/config"
	"github.com/deepnoodle-ai/toolrouter/gate"
	"github.com/deepnoodle-ai/toolrouter/sandbox"
	"github.com/deepnoodle-ai/toolrouter/slogger"
	"github.com/deepnoodle-ai/toolrouter/transport"
)

// ErrNotFound covers both an unknown backend id and a malformed
// "server:tool" name that fails to split.
var ErrNotFound = errors.New("supervisor: not found")

// ErrUnhealthy is returned when the addressed backend exists but its last
// health probe failed.
var ErrUnhealthy = errors.New("supervisor: backend not healthy")

// ErrDuplicateID is returned when spawning a backend whose id is already
// registered.
var ErrDuplicateID = errors.New("supervisor: duplicate backend id")

// HealthMonitorInterval is the cadence of the background liveness loop,
// per spec.md §4.5.
const HealthMonitorInterval = 30 * time.Second

// clientInfo identifies the router itself during each backend's initialize
// handshake.
var clientInfo = transport.ClientInfo{Name: "toolrouter", Version: "0.1.0"}

type entry struct {
	handle   *backend.Handle
	spec     config.BackendSpec
	toolCfg  *config.ToolConfiguration
	cleanup  func()
	cmd      *exec.Cmd
	traceID  string
}

// Supervisor owns the BackendRegistry and the CacheTools policy used by
// get_all_tools.
type Supervisor struct {
	mu         sync.RWMutex
	backends   map[string]*entry
	order      []string
	cacheTools bool
	logger     slogger.Logger

	stopHealth chan struct{}
	healthDone chan struct{}
}

// New creates an empty Supervisor. cacheTools mirrors the config's
// cache_tools field: false forces get_all_tools to force-refresh every
// healthy backend's catalog before returning (SPEC_FULL.md §3 expansion).
func New(cacheTools bool, logger slogger.Logger) *Supervisor {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Supervisor{
		backends:   make(map[string]*entry),
		cacheTools: cacheTools,
		logger:     logger,
	}
}

// SpawnBackend validates spec (C1), composes its invocation or remote
// transport (C2/C3), initializes and lists tools, and on success inserts it
// into the registry. On any failure after a child has been spawned, the
// child is reaped. Duplicate ids are rejected before any spawn attempt.
func (s *Supervisor) SpawnBackend(ctx context.Context, spec config.BackendSpec) error {
	s.mu.Lock()
	if _, exists := s.backends[spec.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, spec.ID)
	}
	s.mu.Unlock()

	traceID := uuid.NewString()
	logger := s.logger.With("backend_id", spec.ID, "trace_id", traceID)

	var (
		t       transport.Transport
		cmd     *exec.Cmd
		cleanup func()
	)

	switch strings.ToLower(spec.Kind) {
	case "local":
		if err := gate.ValidateCommand(spec.Local.Command); err != nil {
			return fmt.Errorf("spawn %s: %w", spec.ID, err)
		}
		if err := gate.ValidateArgs(spec.Local.Args); err != nil {
			return fmt.Errorf("spawn %s: %w", spec.ID, err)
		}

		inv, composerCleanup, err := sandbox.Compose(ctx, spec.Local.Sandbox, spec.Local.Command, spec.Local.Args, spec.Local.Env)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", spec.ID, err)
		}
		cleanup = composerCleanup

		cmd = sandbox.BuildCmd(ctx, inv)
		local, err := transport.StartLocal(ctx, spec.ID, cmd, logger, nil)
		if err != nil {
			cleanup()
			return fmt.Errorf("spawn %s: start: %w", spec.ID, err)
		}
		t = local

	case "remote":
		cfg := transport.RemoteConfig{
			URL:       spec.Remote.URL,
			Auth:      spec.Remote.Auth,
			TimeoutMS: spec.Remote.TimeoutMS,
			Retry:     spec.Remote.Retry.Policy(),
			TLS:       spec.Remote.TLS,
		}
		remote, err := transport.NewRemote(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", spec.ID, err)
		}
		t = remote

	default:
		return fmt.Errorf("spawn %s: unknown backend type %q", spec.ID, spec.Kind)
	}

	h := backend.New(backend.Spec{
		ID:      spec.ID,
		Name:    spec.Name,
		Kind:    strings.ToLower(spec.Kind),
		Sandbox: sandboxKindOf(spec),
	}, t, logger, traceID)

	if err := h.Initialize(ctx, clientInfo); err != nil {
		_ = h.Shutdown(ctx)
		if cleanup != nil {
			cleanup()
		}
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return fmt.Errorf("spawn %s: %w", spec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.backends[spec.ID]; exists {
		_ = h.Shutdown(ctx)
		if cleanup != nil {
			cleanup()
		}
		return fmt.Errorf("%w: %s", ErrDuplicateID, spec.ID)
	}
	s.backends[spec.ID] = &entry{handle: h, spec: spec, toolCfg: spec.ToolConfiguration, cleanup: cleanup, cmd: cmd, traceID: traceID}
	s.order = append(s.order, spec.ID)
	logger.Info("backend spawned", "kind", spec.Kind)
	return nil
}

// GetAllTools concatenates tools from every healthy handle in registry
// order, applying each backend's tool allow/deny filter. When cacheTools is
// false, every healthy handle's catalog is force-refreshed first.
func (s *Supervisor) GetAllTools(ctx context.Context) []mcp.Tool {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	forceRefresh := !s.cacheTools
	entries := make(map[string]*entry, len(s.backends))
	for id, e := range s.backends {
		entries[id] = e
	}
	s.mu.RUnlock()

	var all []mcp.Tool
	for _, id := range ids {
		e, ok := entries[id]
		if !ok || !e.handle.Healthy() {
			continue
		}
		if forceRefresh {
			if err := e.handle.RefreshTools(ctx); err != nil {
				s.logger.Warn("force refresh failed, using cached catalog", "backend_id", id, "error", err)
			}
		}
		for _, tool := range e.handle.Tools() {
			raw := strings.TrimPrefix(tool.Name, id+":")
			if e.toolCfg != nil && !e.toolCfg.Permits(raw) {
				continue
			}
			all = append(all, tool)
		}
	}
	return all
}

// RouteToolCall splits fullName on the first ':' and forwards the call to
// the named backend. timeout of zero means unbounded.
func (s *Supervisor) RouteToolCall(ctx context.Context, fullName string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error) {
	id, rawName, ok := strings.Cut(fullName, ":")
	if !ok || id == "" || rawName == "" {
		return nil, fmt.Errorf("%w: invalid tool name format %q", ErrNotFound, fullName)
	}

	s.mu.RLock()
	e, exists := s.backends[id]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: backend %q", ErrNotFound, id)
	}
	if !e.handle.Healthy() {
		return nil, fmt.Errorf("%w: backend %q", ErrUnhealthy, id)
	}
	return e.handle.CallTool(ctx, rawName, args, timeout)
}

// ShutdownAll drains the registry and shuts down every handle. Individual
// shutdown errors are logged but do not abort the sweep.
func (s *Supervisor) ShutdownAll(ctx context.Context) {
	s.mu.Lock()
	entries := s.backends
	s.backends = make(map[string]*entry)
	s.order = nil
	s.mu.Unlock()

	for id, e := range entries {
		if err := e.handle.Shutdown(ctx); err != nil {
			s.logger.Warn("error shutting down backend", "backend_id", id, "error", err)
		}
		if e.cleanup != nil {
			e.cleanup()
		}
	}
}

// StartHealthMonitor spawns a background goroutine that probes every
// handle's health every HealthMonitorInterval. Call StopHealthMonitor to end it.
func (s *Supervisor) StartHealthMonitor(ctx context.Context) {
	s.mu.Lock()
	if s.stopHealth != nil {
		s.mu.Unlock()
		return
	}
	s.stopHealth = make(chan struct{})
	s.healthDone = make(chan struct{})
	stop := s.stopHealth
	done := s.healthDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(HealthMonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.probeAll(ctx)
			}
		}
	}()
}

func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.RLock()
	handles := make([]*backend.Handle, 0, len(s.backends))
	for _, e := range s.backends {
		handles = append(handles, e.handle)
	}
	s.mu.RUnlock()

	for _, h := range handles {
		h.HealthCheck(ctx)
	}
}

// StopHealthMonitor stops the background loop started by StartHealthMonitor
// and waits for it to exit.
func (s *Supervisor) StopHealthMonitor() {
	s.mu.Lock()
	stop := s.stopHealth
	done := s.healthDone
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Status is a snapshot of one backend's identity and health, used by the
// router:status/router:list_servers introspection tools.
type Status struct {
	ID      string
	Name    string
	Kind    string
	Sandbox string
	Healthy bool
	State   backend.State
}

// Statuses returns a snapshot of every registered backend in spawn order.
func (s *Supervisor) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.order))
	for _, id := range s.order {
		e := s.backends[id]
		out = append(out, Status{
			ID:      e.spec.ID,
			Name:    e.spec.Name,
			Kind:    strings.ToLower(e.spec.Kind),
			Sandbox: sandboxKindOf(e.spec),
			Healthy: e.handle.Healthy(),
			State:   e.handle.State(),
		})
	}
	return out
}

// HealthyCount returns how many registered backends are currently healthy.
func (s *Supervisor) HealthyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.backends {
		if e.handle.Healthy() {
			n++
		}
	}
	return n
}

// sandboxKindOf returns the sandbox strategy label for a spec's router:
// list_servers display, or "" for a Remote backend (which has none).
func sandboxKindOf(spec config.BackendSpec) string {
	if spec.Local == nil {
		return ""
	}
	return string(spec.Local.Sandbox.Kind)
}
