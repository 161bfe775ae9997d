package transport

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
)

// Sentinel error kinds surfaced by both transport variants, matching the
// error taxonomy in SPEC_FULL.md §7.
var (
	ErrProtocol = errors.New("transport: protocol error")
	ErrNetwork  = errors.New("transport: network error")
	ErrClosed   = errors.New("transport: closed")
)

// BackendError wraps a JSON-RPC error body returned by a downstream
// backend. It is never retried.
type BackendError struct {
	Err *Error
}

func (e *BackendError) Error() string { return e.Err.Error() }
func (e *BackendError) Unwrap() error { return e.Err }

// Transport is the uniform five-method contract shared by the Local and
// Remote variants. A Transport is not safe for concurrent use; callers must
// serialize access (the Backend Handle provides this).
type Transport interface {
	// Initialize sends the initialize handshake and, on success, a
	// fire-and-forget "initialized" notification.
	Initialize(ctx context.Context, client ClientInfo) (*InitializeResult, error)
	// ListTools sends tools/list.
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool sends tools/call for name with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	// HealthCheck reports whether the peer is still responsive.
	HealthCheck(ctx context.Context) bool
	// Shutdown sends a best-effort shutdown request then releases the
	// underlying resource (kills the child process, closes the HTTP client).
	Shutdown(ctx context.Context) error
}
