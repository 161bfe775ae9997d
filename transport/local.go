package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/deepnoodle-ai/toolrouter/slogger"
)

// Local is the stdio variant of the Framed Transport: one JSON-RPC object
// per line, strictly one request in flight at a time, over a spawned
// child's standard streams. Grounded on original_source's StdioTransport
// and generalized to the teacher's logger-carrying style.
type Local struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	mu        sync.Mutex // serializes the single send/receive round-trip
	nextID    atomic.Int64
	backendID string
	logger    slogger.Logger

	cleanup func() // sandbox-level cleanup (e.g. proxy teardown), run on Shutdown
}

// StartLocal spawns cmd (already composed by the Sandbox Composer) and
// returns a Local transport bound to its stdio. cleanup is called once,
// from Shutdown, after the child has been reaped.
func StartLocal(ctx context.Context, backendID string, cmd *exec.Cmd, logger slogger.Logger, cleanup func()) (*Local, error) {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: spawn %s: %w", cmd.Path, err)
	}
	l := &Local{
		cmd:       cmd,
		stdin:     stdin,
		reader:    bufio.NewReader(stdout),
		backendID: backendID,
		logger:    logger,
		cleanup:   cleanup,
	}
	l.nextID.Store(0)
	return l, nil
}

func (l *Local) sendRequest(ctx context.Context, method string, params json.RawMessage) (*Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrProtocol, err)
	}

	l.logger.Debug("transport: sending request", "backend", l.backendID, "method", method, "id", id)

	if _, err := l.stdin.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("%w: write to %s: %v", ErrNetwork, l.backendID, err)
	}

	line, err := l.reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("%w: %s closed connection: %v", ErrClosed, l.backendID, err)
	}
	if line == "" {
		return nil, fmt.Errorf("%w: %s closed connection", ErrClosed, l.backendID)
	}

	// gjson lets us validate the envelope shape before committing to a
	// strict struct unmarshal, mirroring the dynamic Value handling the
	// router front end itself performs.
	if !gjson.Valid(line) {
		return nil, fmt.Errorf("%w: %s sent invalid JSON: %q", ErrProtocol, l.backendID, line)
	}

	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("%w: %s sent unparseable response: %v", ErrProtocol, l.backendID, err)
	}
	if resp.ID != id {
		return nil, fmt.Errorf("%w: %s response id %d does not match request id %d", ErrProtocol, l.backendID, resp.ID, id)
	}
	if resp.Error != nil {
		return nil, &BackendError{Err: resp.Error}
	}
	l.logger.Debug("transport: received response", "backend", l.backendID, "method", method, "id", id)
	return &resp, nil
}

func (l *Local) Initialize(ctx context.Context, client ClientInfo) (*InitializeResult, error) {
	params, _ := json.Marshal(map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      client,
	})
	resp, err := l.sendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: invalid initialize result: %v", ErrProtocol, err)
	}
	// Fire-and-forget notification; no response expected, so it is written
	// directly rather than going through sendRequest's read half.
	notif, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "initialized"})
	l.mu.Lock()
	_, _ = l.stdin.Write(append(notif, '\n'))
	l.mu.Unlock()
	return &result, nil
}

func (l *Local) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := l.sendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: invalid tools/list result: %v", ErrProtocol, err)
	}
	return result.Tools, nil
}

func (l *Local) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	paramsJSON, err := sjson.SetBytes([]byte(`{}`), "name", name)
	if err != nil {
		return nil, fmt.Errorf("%w: encode call params: %v", ErrProtocol, err)
	}
	paramsJSON, err = sjson.SetBytes(paramsJSON, "arguments", args)
	if err != nil {
		return nil, fmt.Errorf("%w: encode call arguments: %v", ErrProtocol, err)
	}
	resp, err := l.sendRequest(ctx, "tools/call", paramsJSON)
	if err != nil {
		return nil, err
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: invalid tools/call result: %v", ErrProtocol, err)
	}
	return &result, nil
}

// HealthCheck is the non-blocking poll of the child's exit status described
// in SPEC_FULL.md §4.3.1: if the process has exited, the transport is
// unhealthy, otherwise it is healthy.
func (l *Local) HealthCheck(ctx context.Context) bool {
	if l.cmd.ProcessState != nil {
		return false
	}
	if l.cmd.Process == nil {
		return false
	}
	// os.Process has no non-blocking wait; signal 0 probes liveness without
	// side effects on Unix. A nil error means the process still exists.
	return l.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Shutdown performs the sequence from SPEC_FULL.md §4.4: best-effort
// cooperative close, a grace period, then a force-kill.
func (l *Local) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	notif, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "shutdown"})
	_, _ = l.stdin.Write(append(notif, '\n'))
	_ = l.stdin.Close()
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		if l.cmd.Process != nil {
			_ = l.cmd.Process.Kill()
		}
		<-done
	}
	if l.cleanup != nil {
		l.cleanup()
	}
	return nil
}
