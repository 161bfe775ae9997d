// Package router implements the Router Front End: a single-threaded
// cooperative loop over the process's stdin/stdout that terminates the
// upstream JSON-RPC session, dispatches introspection tools and
// tools/list+tools/call through the Supervisor, and shuts down on EOF.
package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/deepnoodle-ai/toolrouter/slogger"
	"github.com/deepnoodle-ai/toolrouter/supervisor"
)

// Error codes from spec.md §6/§7.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// ServerInfo identifies this router instance in the initialize handshake.
type ServerInfo struct {
	Name    string
	Version string
}

// Router is the stdio JSON-RPC front end. It holds no registry state of its
// own; the Supervisor is the sole owner of backend handles.
type Router struct {
	supervisor *supervisor.Supervisor
	info       ServerInfo
	logger     slogger.Logger

	in  *bufio.Reader
	out io.Writer

	stopped bool
}

// New builds a Router reading from in and writing responses to out.
func New(sup *supervisor.Supervisor, info ServerInfo, in io.Reader, out io.Writer, logger slogger.Logger) *Router {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Router{
		supervisor: sup,
		info:       info,
		logger:     logger,
		in:         bufio.NewReader(in),
		out:        out,
	}
}

// Run sends the unsolicited initialize response, then reads one JSON
// object per line from stdin until EOF, dispatching each. EOF is the
// orderly-shutdown signal, not an error: Run returns nil when it occurs.
func (r *Router) Run(ctx context.Context) error {
	if err := r.writeUnsolicitedInitialize(); err != nil {
		return fmt.Errorf("router: writing initialize response: %w", err)
	}

	for {
		line, err := r.in.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				r.logger.Info("stdin closed, shutting down")
				r.supervisor.ShutdownAll(ctx)
				return nil
			}
			return fmt.Errorf("router: reading stdin: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := r.handleLine(ctx, line); err != nil {
			r.logger.Warn("error handling message", "error", err)
		}
		if r.stopped {
			return nil
		}
	}
}

func (r *Router) writeUnsolicitedInitialize() error {
	body, _ := sjson.Set(`{"jsonrpc":"2.0"}`, "id", 1)
	body, _ = sjson.SetRaw(body, "result", fmt.Sprintf(
		`{"protocolVersion":"0.1.0","capabilities":{"tools":{}},"serverInfo":{"name":%q,"version":%q}}`,
		r.info.Name, r.info.Version,
	))
	return r.writeLine(body)
}

func (r *Router) writeLine(body string) error {
	if _, err := io.WriteString(r.out, body+"\n"); err != nil {
		return err
	}
	if f, ok := r.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// handleLine parses one line dynamically via gjson (rather than a rigid
// struct unmarshal) so unknown top-level fields are tolerated, matching
// the dynamic serde_json::Value handling the original router performs.
func (r *Router) handleLine(ctx context.Context, line string) error {
	if !gjson.Valid(line) {
		return r.respondError(nil, codeInvalidParams, "invalid JSON")
	}
	parsed := gjson.Parse(line)
	method := parsed.Get("method").String()
	idResult := parsed.Get("id")
	hasID := idResult.Exists()

	// The router already answered initialize once, unsolicited, on
	// connect. A client-sent initialize is absorbed without a second
	// reply regardless of whether it carries an id.
	if method == "initialize" {
		return nil
	}

	result, rpcErr := r.dispatch(ctx, method, parsed)

	if !hasID {
		// Notification: accepted, never replied to.
		return nil
	}
	if rpcErr != nil {
		return r.respondError(&idResult, rpcErr.code, rpcErr.message)
	}
	return r.respondResult(&idResult, result)
}

type rpcError struct {
	code    int
	message string
}

func (r *Router) dispatch(ctx context.Context, method string, msg gjson.Result) (string, *rpcError) {
	switch method {
	case "tools/list":
		return r.toolsList(ctx), nil

	case "tools/call":
		name := msg.Get("params.name").String()
		args := parseArguments(msg.Get("params.arguments"))
		return r.toolsCall(ctx, name, args)

	case "shutdown":
		r.supervisor.ShutdownAll(ctx)
		r.stopped = true
		return `{}`, nil

	default:
		return "", &rpcError{code: codeMethodNotFound, message: "Method not found: " + method}
	}
}

func parseArguments(v gjson.Result) map[string]any {
	if !v.Exists() || !v.IsObject() {
		return map[string]any{}
	}
	args := make(map[string]any)
	v.ForEach(func(key, value gjson.Result) bool {
		args[key.String()] = value.Value()
		return true
	})
	return args
}

func (r *Router) toolsList(ctx context.Context) string {
	tools := []mcp.Tool{
		{Name: "router:status", Description: "Get router and backend status", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		{Name: "router:list_servers", Description: "List configured backend servers", InputSchema: mcp.ToolInputSchema{Type: "object"}},
	}
	tools = append(tools, r.supervisor.GetAllTools(ctx)...)

	body := `{"tools":[]}`
	for _, t := range tools {
		encoded, err := json.Marshal(t)
		if err != nil {
			continue
		}
		body, _ = sjson.SetRaw(body, "tools.-1", string(encoded))
	}
	return body
}

func (r *Router) toolsCall(ctx context.Context, name string, args map[string]any) (string, *rpcError) {
	switch name {
	case "router:status":
		return r.statusText(), nil
	case "router:list_servers":
		return r.listServersText(), nil
	default:
		result, err := r.supervisor.RouteToolCall(ctx, name, args, 0)
		if err != nil {
			return "", &rpcError{code: codeInternalError, message: "Backend error: " + err.Error()}
		}
		b, err := json.Marshal(result)
		if err != nil {
			return "", &rpcError{code: codeInternalError, message: err.Error()}
		}
		return string(b), nil
	}
}

func (r *Router) statusText() string {
	statuses := r.supervisor.Statuses()
	var lines []string
	healthy := 0
	for _, s := range statuses {
		mark := "❌ Unhealthy"
		if s.Healthy {
			mark = "✅ Healthy"
			healthy++
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", s.Name, s.ID, mark))
	}
	text := fmt.Sprintf(
		"Tool Router Status:\n\nConfigured servers: %d\nHealthy backends: %d/%d\n\nBackend status:\n%s",
		len(statuses), healthy, len(statuses), strings.Join(lines, "\n"),
	)
	return textContentResult(text)
}

func (r *Router) listServersText() string {
	statuses := r.supervisor.Statuses()
	var lines []string
	for _, s := range statuses {
		sandboxLabel := s.Sandbox
		if sandboxLabel == "" {
			sandboxLabel = "None"
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s [Sandbox: %s]", s.Name, s.ID, s.Kind, sandboxLabel))
	}
	text := fmt.Sprintf("Configured backend servers:\n%s", strings.Join(lines, "\n"))
	return textContentResult(text)
}

func textContentResult(text string) string {
	result := mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}}}
	b, _ := json.Marshal(result)
	return string(b)
}

func (r *Router) respondResult(id *gjson.Result, result string) error {
	body, _ := sjson.SetRaw(`{"jsonrpc":"2.0"}`, "id", id.Raw)
	body, _ = sjson.SetRaw(body, "result", result)
	return r.writeLine(body)
}

func (r *Router) respondError(id *gjson.Result, code int, message string) error {
	body := `{"jsonrpc":"2.0"}`
	if id != nil {
		body, _ = sjson.SetRaw(body, "id", id.Raw)
	} else {
		body, _ = sjson.Set(body, "id", nil)
	}
	body, _ = sjson.Set(body, "error.code", code)
	body, _ = sjson.Set(body, "error.message", message)
	return r.writeLine(body)
}
