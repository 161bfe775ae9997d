package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/toolrouter/transport"
)

// fakeTransport is an in-memory transport.Transport double, letting tests
// drive each method's return value and observe call order.
type fakeTransport struct {
	tools        []mcp.Tool
	healthy      bool
	initErr      error
	listErr      error
	callErr      error
	callDelay    time.Duration
	callResult   *mcp.CallToolResult
	shutdownErr  error
	shutdownCall int
}

func (f *fakeTransport) Initialize(ctx context.Context, client transport.ClientInfo) (*transport.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &transport.InitializeResult{ProtocolVersion: transport.ProtocolVersion}, nil
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeTransport) HealthCheck(ctx context.Context) bool {
	return f.healthy
}

func (f *fakeTransport) Shutdown(ctx context.Context) error {
	f.shutdownCall++
	return f.shutdownErr
}

func newTestHandle(ft *fakeTransport) *Handle {
	return New(Spec{ID: "echo", Name: "Echo", Kind: "local"}, ft, nil, "trace-1")
}

func TestHandle_InitializeSuccess(t *testing.T) {
	ft := &fakeTransport{tools: []mcp.Tool{{Name: "ping"}}, healthy: true}
	h := newTestHandle(ft)

	err := h.Initialize(context.Background(), transport.ClientInfo{Name: "toolrouter"})
	require.NoError(t, err)
	require.Equal(t, StateHealthy, h.State())
	require.True(t, h.Healthy())

	tools := h.Tools()
	require.Len(t, tools, 1)
	require.Equal(t, "echo:ping", tools[0].Name)
}

func TestHandle_InitializeFailsOnTransportError(t *testing.T) {
	ft := &fakeTransport{initErr: errors.New("boom")}
	h := newTestHandle(ft)

	err := h.Initialize(context.Background(), transport.ClientInfo{Name: "toolrouter"})
	require.Error(t, err)
	require.NotEqual(t, StateHealthy, h.State())
}

func TestHandle_InitializeFailsOnListToolsError(t *testing.T) {
	ft := &fakeTransport{listErr: errors.New("exited before list_tools")}
	h := newTestHandle(ft)

	err := h.Initialize(context.Background(), transport.ClientInfo{Name: "toolrouter"})
	require.Error(t, err)
	require.False(t, h.Healthy())
}

func TestHandle_CallToolRequiresHealthy(t *testing.T) {
	ft := &fakeTransport{}
	h := newTestHandle(ft)

	_, err := h.CallTool(context.Background(), "ping", nil, 0)
	require.Error(t, err)
}

func TestHandle_CallToolTimeoutHardResetsUnhealthy(t *testing.T) {
	ft := &fakeTransport{tools: []mcp.Tool{{Name: "slow"}}, healthy: true, callDelay: 50 * time.Millisecond}
	h := newTestHandle(ft)
	require.NoError(t, h.Initialize(context.Background(), transport.ClientInfo{Name: "toolrouter"}))

	_, err := h.CallTool(context.Background(), "slow", nil, 5*time.Millisecond)
	require.Error(t, err)
	require.False(t, h.Healthy())
	require.Equal(t, StateUnhealthy, h.State())
	require.Equal(t, 1, ft.shutdownCall)
	require.Nil(t, h.Tools())
}

func TestHandle_HealthCheckTransitionExcludesAndRestoresTools(t *testing.T) {
	ft := &fakeTransport{tools: []mcp.Tool{{Name: "ping"}}, healthy: true}
	h := newTestHandle(ft)
	require.NoError(t, h.Initialize(context.Background(), transport.ClientInfo{Name: "toolrouter"}))
	require.Len(t, h.Tools(), 1)

	ft.healthy = false
	require.False(t, h.HealthCheck(context.Background()))
	require.Equal(t, StateUnhealthy, h.State())
	require.Nil(t, h.Tools())

	ft.tools = []mcp.Tool{{Name: "ping"}, {Name: "pong"}}
	ft.healthy = true
	require.True(t, h.HealthCheck(context.Background()))
	require.Equal(t, StateHealthy, h.State())
	require.Len(t, h.Tools(), 2)
}

func TestHandle_ShutdownIsIdempotent(t *testing.T) {
	ft := &fakeTransport{tools: []mcp.Tool{{Name: "ping"}}, healthy: true}
	h := newTestHandle(ft)
	require.NoError(t, h.Initialize(context.Background(), transport.ClientInfo{Name: "toolrouter"}))

	require.NoError(t, h.Shutdown(context.Background()))
	require.Equal(t, StateShutdown, h.State())
	require.False(t, h.Healthy())

	require.NoError(t, h.Shutdown(context.Background()))
	require.Equal(t, 1, ft.shutdownCall)
}
