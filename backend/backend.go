// Package backend implements the Backend Handle: one per downstream
// server, owning a transport exclusively, caching its last known tool
// catalog, and tracking the health flag the Supervisor and Router Front
// End read to decide whether the backend's tools are live.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepnoodle-ai/toolrouter/slogger"
	"github.com/deepnoodle-ai/toolrouter/transport"
)

// State is the handle's public lifecycle stage.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateHealthy       State = "healthy"
	StateUnhealthy     State = "unhealthy"
	StateShutdown      State = "shutdown"
)

// Spec is the immutable identity of a backend, carried by the Handle for
// logging and catalog namespacing. The full BackendSpec (command, sandbox
// policy, remote config, ...) lives in the config package; the Handle only
// needs the parts relevant to naming and introspection.
type Spec struct {
	ID      string
	Name    string
	Kind    string // "local" or "remote"
	Sandbox string // sandbox kind label, for router:list_servers; "" for Remote
}

// Handle owns one backend's transport exclusively. It is safe for
// concurrent use: every operation that touches the transport or mutable
// fields is serialized by mu.
type Handle struct {
	Spec Spec

	mu        sync.Mutex
	transport transport.Transport
	state     State
	healthy   bool
	tools     []mcp.Tool
	logger    slogger.Logger
	traceID   string
}

// New wraps an already-constructed transport in a Handle. The transport is
// not yet initialized; call Initialize to advance the state machine.
func New(spec Spec, t transport.Transport, logger slogger.Logger, traceID string) *Handle {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Handle{
		Spec:      spec,
		transport: t,
		state:     StateUninitialized,
		logger:    logger.With("backend_id", spec.ID, "trace_id", traceID),
		traceID:   traceID,
	}
}

// Initialize sends the initialize handshake and, on success, runs
// list_tools to populate the catalog and enter the Healthy state. Both
// steps must succeed for the handle to be considered spawn-ready; the
// Supervisor rejects (and reaps the child of) a handle that fails here.
func (h *Handle) Initialize(ctx context.Context, client transport.ClientInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.transport.Initialize(ctx, client); err != nil {
		return fmt.Errorf("backend %s: initialize: %w", h.Spec.ID, err)
	}
	h.state = StateInitialized

	if err := h.refreshToolsLocked(ctx); err != nil {
		return fmt.Errorf("backend %s: list_tools: %w", h.Spec.ID, err)
	}
	h.state = StateHealthy
	h.healthy = true
	return nil
}

// refreshToolsLocked calls tools/list and rewrites each descriptor's name
// to "<spec.id>:<name>" before storing it. Caller must hold mu.
func (h *Handle) refreshToolsLocked(ctx context.Context) error {
	tools, err := h.transport.ListTools(ctx)
	if err != nil {
		return err
	}
	rewritten := make([]mcp.Tool, len(tools))
	for i, t := range tools {
		t.Name = h.Spec.ID + ":" + t.Name
		rewritten[i] = t
	}
	h.tools = rewritten
	return nil
}

// RefreshTools re-runs tools/list against an already-healthy transport and
// replaces the cached catalog, for the cache_tools=false force-refresh path
// (SPEC_FULL.md §3/§8 scenario 8). It is a no-op on an unhealthy handle.
func (h *Handle) RefreshTools(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.healthy {
		return nil
	}
	return h.refreshToolsLocked(ctx)
}

// Tools returns the last cached catalog, namespaced, or nil if the handle
// is not currently Healthy.
func (h *Handle) Tools() []mcp.Tool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.healthy {
		return nil
	}
	out := make([]mcp.Tool, len(h.tools))
	copy(out, h.tools)
	return out
}

// State returns the handle's current lifecycle stage.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Healthy reports the handle's last known health flag.
func (h *Handle) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// CallTool forwards name (the raw, un-namespaced tool name) and args to the
// transport. If the call exceeds timeout (zero means unbounded), the handle
// is hard-reset to Unhealthy and its transport dropped, per SPEC_FULL.md
// §4.4's resolution of the timeout-during-call Open Question: a subsequent
// call observes "backend not healthy" rather than a misaligned transport.
func (h *Handle) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.healthy {
		return nil, fmt.Errorf("backend %s: not healthy", h.Spec.ID)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := h.transport.CallTool(callCtx, name, args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			h.logger.Warn("call timed out, hard-resetting backend to unhealthy", "tool", name)
			h.markUnhealthyLocked(ctx)
			return nil, fmt.Errorf("backend %s: call to %q timed out: %w", h.Spec.ID, name, callCtx.Err())
		}
		return nil, fmt.Errorf("backend %s: call_tool %q: %w", h.Spec.ID, name, err)
	}
	return result, nil
}

// HealthCheck delegates to the transport. A healthy -> unhealthy transition
// excludes the handle's tools from the aggregated catalog; an unhealthy ->
// healthy transition re-runs list_tools before the tools reappear.
func (h *Handle) HealthCheck(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateShutdown {
		return false
	}

	ok := h.transport.HealthCheck(ctx)
	wasHealthy := h.healthy

	if wasHealthy && !ok {
		h.logger.Warn("backend health check failed, marking unhealthy")
		h.healthy = false
		h.state = StateUnhealthy
		h.tools = nil
	} else if !wasHealthy && ok {
		h.logger.Info("backend recovered, refreshing tool catalog")
		if err := h.refreshToolsLocked(ctx); err != nil {
			h.logger.Warn("recovery refresh failed, remaining unhealthy", "error", err)
			return false
		}
		h.healthy = true
		h.state = StateHealthy
	}
	return h.healthy
}

// markUnhealthyLocked drops the transport's tools and flips the handle to
// Unhealthy without attempting a graceful shutdown — the transport may be
// mid-response and is assumed corrupted. Caller must hold mu.
func (h *Handle) markUnhealthyLocked(ctx context.Context) {
	h.healthy = false
	h.state = StateUnhealthy
	h.tools = nil
	if err := h.transport.Shutdown(ctx); err != nil {
		h.logger.Warn("error dropping transport after timeout", "error", err)
	}
}

// Shutdown delegates to the transport's shutdown sequence and marks the
// handle terminally Shutdown. Calling Shutdown twice is a no-op.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateShutdown {
		return nil
	}
	h.state = StateShutdown
	h.healthy = false
	h.tools = nil
	return h.transport.Shutdown(ctx)
}
