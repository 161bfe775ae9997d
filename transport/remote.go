package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepnoodle-ai/toolrouter/retry"
	"github.com/deepnoodle-ai/toolrouter/slogger"
)

// AuthKind tags which auth variant a Remote transport's config carries.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthOAuth  AuthKind = "oauth"
	AuthCustom AuthKind = "custom"
)

// Auth is the tagged-variant auth configuration from the data model.
type Auth struct {
	Kind     AuthKind          `json:"kind" yaml:"kind"`
	Token    string            `json:"token,omitempty" yaml:"token,omitempty"`
	User     string            `json:"user,omitempty" yaml:"user,omitempty"`
	Pass     string            `json:"pass,omitempty" yaml:"pass,omitempty"`
	ClientID string            `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	TokenURL string            `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// TLSConfig mirrors spec.md §3's tls fields. CAPath, when set, is loaded
// into the client's trusted root pool. ClientCert/ClientKey are reserved
// and unenforced in v1 (SPEC_FULL.md §3).
type TLSConfig struct {
	VerifyCert bool   `json:"verify_cert" yaml:"verify_cert"`
	CAPath     string `json:"ca_path,omitempty" yaml:"ca_path,omitempty"`
	ClientCert string `json:"client_cert,omitempty" yaml:"client_cert,omitempty"`
	ClientKey  string `json:"client_key,omitempty" yaml:"client_key,omitempty"`
}

// RemoteConfig configures a Remote transport instance.
type RemoteConfig struct {
	URL       string
	Auth      Auth
	TimeoutMS int
	Retry     retry.Policy
	TLS       TLSConfig
}

// Remote is the HTTP JSON-RPC variant of the Framed Transport: one POST per
// call, with retry/backoff applied only to transport-level failures.
type Remote struct {
	cfg        RemoteConfig
	httpClient *http.Client
	nextID     atomic.Int64
	logger     slogger.Logger
	bearer     string // resolved at construction for AuthOAuth
}

// NewRemote builds a Remote transport. It resolves an OAuth client-credentials
// token up front if cfg.Auth.Kind is AuthOAuth.
func NewRemote(ctx context.Context, cfg RemoteConfig, logger slogger.Logger) (*Remote, error) {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: !cfg.TLS.VerifyCert}
	if cfg.TLS.CAPath != "" {
		pool, err := loadCAPool(cfg.TLS.CAPath)
		if err != nil {
			return nil, fmt.Errorf("transport: loading ca_path: %w", err)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.TLS.ClientCert != "" || cfg.TLS.ClientKey != "" {
		logger.Warn("transport: tls client_cert/client_key are reserved and not enforced in v1", "url", cfg.URL)
	}
	r := &Remote{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}
	if cfg.Auth.Kind == AuthOAuth {
		token, err := r.fetchOAuthToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: oauth token fetch: %w", err)
		}
		r.bearer = token
	}
	return r, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func (r *Remote) fetchOAuthToken(ctx context.Context) (string, error) {
	form := bytes.NewBufferString(fmt.Sprintf("grant_type=client_credentials&client_id=%s", r.cfg.Auth.ClientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Auth.TokenURL, form)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.AccessToken, nil
}

func (r *Remote) buildAuthHeaders(req *http.Request) {
	switch r.cfg.Auth.Kind {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+r.cfg.Auth.Token)
	case AuthOAuth:
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(r.cfg.Auth.User + ":" + r.cfg.Auth.Pass))
		req.Header.Set("Authorization", "Basic "+creds)
	case AuthCustom:
		for k, v := range r.cfg.Auth.Headers {
			req.Header.Set(k, v)
		}
	}
}

func isRetryableTransportErr(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func (r *Remote) sendRequest(ctx context.Context, method string, params json.RawMessage) (*Response, error) {
	id := r.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	var resp *Response
	err := retry.WithRetry(ctx, r.cfg.Retry, isRetryableTransportErr, func() error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrProtocol, err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		r.buildAuthHeaders(httpReq)

		httpResp, err := r.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading body: %v", ErrNetwork, err)
		}
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return fmt.Errorf("%w: status %d", ErrNetwork, httpResp.StatusCode)
		}

		var parsed Response
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if parsed.Error != nil {
			return &BackendError{Err: parsed.Error}
		}
		resp = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Remote) Initialize(ctx context.Context, client ClientInfo) (*InitializeResult, error) {
	params, _ := json.Marshal(map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      client,
	})
	resp, err := r.sendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: invalid initialize result: %v", ErrProtocol, err)
	}
	return &result, nil
}

func (r *Remote) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := r.sendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: invalid tools/list result: %v", ErrProtocol, err)
	}
	return result.Tools, nil
}

func (r *Remote) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	params, err := json.Marshal(CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("%w: encode call params: %v", ErrProtocol, err)
	}
	resp, err := r.sendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: invalid tools/call result: %v", ErrProtocol, err)
	}
	return &result, nil
}

func (r *Remote) HealthCheck(ctx context.Context) bool {
	_, err := r.sendRequest(ctx, "ping", nil)
	return err == nil
}

// Shutdown sends a best-effort shutdown request (not retried) then closes
// the HTTP client's idle connections.
func (r *Remote) Shutdown(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(mustMarshal(Request{
		JSONRPC: "2.0", ID: r.nextID.Add(1), Method: "shutdown",
	})))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		r.buildAuthHeaders(req)
		if resp, err := r.httpClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}
	r.httpClient.CloseIdleConnections()
	return nil
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
