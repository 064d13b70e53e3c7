package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/networking"
)

// HTTPConnection reaches a backend MCP server over streamable HTTP:
// JSON-RPC requests are POSTed and responses arrive either as plain JSON or
// as an SSE stream whose data lines carry the payload.
type HTTPConnection struct {
	name              string
	cfg               ambassador.HTTPConfig
	credentialHeaders map[string]string

	requestTimeout time.Duration
	startupTimeout time.Duration
	onFailure      FailureHandler

	client *http.Client
	state  connState

	// resolvedURL is the dialable endpoint after ${ENV_VAR} expansion.
	// Diagnostics only ever see the redacted template.
	resolvedURL string

	// mcpSessionID is echoed back on every request once initialize
	// returned one.
	sessionMu    sync.Mutex
	mcpSessionID string

	nextID   atomic.Uint64
	inflight atomic.Int32
	failures atomic.Int32

	toolsMu   sync.RWMutex
	tools     []ambassador.ToolDescriptor
	startedAt time.Time
	startMu   sync.Mutex
}

// HTTPOption configures an HTTPConnection.
type HTTPOption func(*HTTPConnection)

// WithCredentialHeaders injects per-user credentials as request headers.
func WithCredentialHeaders(headers map[string]string) HTTPOption {
	return func(c *HTTPConnection) { c.credentialHeaders = headers }
}

// WithHTTPRequestTimeout overrides the per-request deadline.
func WithHTTPRequestTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPConnection) { c.requestTimeout = d }
}

// WithHTTPStartupTimeout overrides the startup deadline.
func WithHTTPStartupTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPConnection) { c.startupTimeout = d }
}

// WithHTTPFailureHandler registers the supervisor's failure callback.
func WithHTTPFailureHandler(h FailureHandler) HTTPOption {
	return func(c *HTTPConnection) { c.onFailure = h }
}

// WithHTTPClient overrides the outbound client, for tests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPConnection) { c.client = client }
}

// NewHTTPConnection creates an HTTP connection for the named backend.
func NewHTTPConnection(name string, cfg ambassador.HTTPConfig, opts ...HTTPOption) *HTTPConnection {
	c := &HTTPConnection{
		name:           name,
		cfg:            cfg,
		requestTimeout: DefaultRequestTimeout,
		startupTimeout: DefaultStartupTimeout,
		client:         networking.NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the backend name.
func (c *HTTPConnection) Name() string { return c.name }

// Transport returns the HTTP transport type.
func (*HTTPConnection) Transport() ambassador.TransportType { return ambassador.TransportHTTP }

// State returns the current lifecycle state.
func (c *HTTPConnection) State() State { return c.state.get() }

// Start resolves the URL template, performs the MCP handshake and populates
// the tool cache.
func (c *HTTPConnection) Start(ctx context.Context) error {
	switch c.state.get() {
	case StateIdle, StateStopped, StateFailed:
	default:
		return fmt.Errorf("%w: cannot start from state %s", ErrStartup, c.state.get())
	}
	c.state.set(StateStarting)

	resolved, missing := ExpandTemplate(c.cfg.URLTemplate, os.LookupEnv)
	if len(missing) > 0 {
		c.state.set(StateFailed)
		return fmt.Errorf("%w: unresolved URL placeholders %v in %s",
			ErrStartup, missing, RedactURLTemplate(c.cfg.URLTemplate))
	}
	if err := networking.ValidateEndpointURL(resolved); err != nil {
		c.state.set(StateFailed)
		return fmt.Errorf("%w: %s: %v", ErrStartup, RedactURLTemplate(c.cfg.URLTemplate), err)
	}
	c.resolvedURL = resolved
	c.failures.Store(0)

	handshakeCtx, cancel := context.WithTimeout(ctx, c.startupTimeout)
	defer cancel()

	if err := c.handshake(handshakeCtx); err != nil {
		c.state.set(StateFailed)
		return fmt.Errorf("%w: %s: %v", ErrStartup, c.name, err)
	}

	c.startMu.Lock()
	c.startedAt = time.Now()
	c.startMu.Unlock()
	c.state.set(StateRunning)
	logger.Infow("backend started", "backend", c.name, "transport", "http", "tools", len(c.Tools()))
	return nil
}

func (c *HTTPConnection) handshake(ctx context.Context) error {
	init, err := NewRequest(c.nextID.Add(1), methodInitialize, initializeParams())
	if err != nil {
		return err
	}
	if _, err := c.roundTrip(ctx, init, c.startupTimeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	note, err := NewNotification(methodInitialized, nil)
	if err != nil {
		return err
	}
	if err := c.postNotification(ctx, note); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	if _, err := c.RefreshTools(ctx); err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	return nil
}

// call posts one request and returns its result.
func (c *HTTPConnection) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if s := c.state.get(); s != StateRunning && s != StateStarting {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, c.name, s)
	}
	req, err := NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return nil, err
	}
	msg, err := c.roundTrip(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeer, msg.Error)
	}
	return msg.Result, nil
}

// roundTrip performs one JSON-RPC POST, handling the in-flight cap, the
// consecutive-failure counter and both response framings.
func (c *HTTPConnection) roundTrip(ctx context.Context, req *Message, timeout time.Duration) (*Message, error) {
	if c.inflight.Load() >= MaxPendingRequests {
		return nil, fmt.Errorf("%w: %d requests in flight", ErrOverloaded, c.inflight.Load())
	}
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.post(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, c.name, req.Method, timeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		}
		c.recordFailure(err)
		return nil, fmt.Errorf("%w: %v", ErrPeer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%w: %s returned HTTP %d", ErrPeer, RedactURLTemplate(c.cfg.URLTemplate), resp.StatusCode)
		c.recordFailure(err)
		return nil, err
	}

	c.captureSessionID(resp)

	msg, err := c.decodeResponse(resp, *req.ID)
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}

	c.failures.Store(0)
	return msg, nil
}

func (c *HTTPConnection) post(ctx context.Context, msg *Message) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolvedURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range c.credentialHeaders {
		req.Header.Set(k, v)
	}

	c.sessionMu.Lock()
	if c.mcpSessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.mcpSessionID)
	}
	c.sessionMu.Unlock()

	return c.client.Do(req)
}

// postNotification sends a notification; any 2xx is success, no body is
// expected.
func (c *HTTPConnection) postNotification(ctx context.Context, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.post(ctx, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeer, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: notification returned HTTP %d", ErrPeer, resp.StatusCode)
	}
	return nil
}

func (c *HTTPConnection) captureSessionID(resp *http.Response) {
	id := resp.Header.Get("Mcp-Session-Id")
	if id == "" {
		return
	}
	c.sessionMu.Lock()
	c.mcpSessionID = id
	c.sessionMu.Unlock()
}

// decodeResponse parses either a plain JSON response or an SSE stream,
// returning the message whose id matches wantID. The body is capped at
// MaxResponseBytes.
func (c *HTTPConnection) decodeResponse(resp *http.Response, wantID uint64) (*Message, error) {
	limited := io.LimitReader(resp.Body, MaxResponseBytes+1)

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return c.scanSSE(limited, wantID)
	}

	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrPeer, err)
	}
	if len(body) > MaxResponseBytes {
		return nil, fmt.Errorf("%w: response body exceeds %d bytes", ErrResponseTooLarge, MaxResponseBytes)
	}

	msg, err := ParseMessage(body)
	if err != nil {
		return nil, err
	}
	if !msg.IsResponse() || *msg.ID != wantID {
		return nil, fmt.Errorf("%w: response id mismatch", ErrProtocol)
	}
	return msg, nil
}

// scanSSE walks data: lines for the JSON-RPC payload matching wantID.
func (c *HTTPConnection) scanSSE(r io.Reader, wantID uint64) (*Message, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxResponseBytes)

	read := 0
	for scanner.Scan() {
		line := scanner.Text()
		read += len(line) + 1
		if read > MaxResponseBytes {
			return nil, fmt.Errorf("%w: SSE stream exceeds %d bytes", ErrResponseTooLarge, MaxResponseBytes)
		}

		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}

		msg, err := ParseMessage([]byte(payload))
		if err != nil {
			continue
		}
		if msg.IsResponse() && *msg.ID == wantID {
			return msg, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading SSE stream: %v", ErrPeer, err)
	}
	return nil, fmt.Errorf("%w: SSE stream ended without a response", ErrProtocol)
}

// recordFailure bumps the consecutive-failure counter and trips the
// connection into the failed state at the threshold.
func (c *HTTPConnection) recordFailure(cause error) {
	if c.failures.Add(1) < MaxConsecutiveFailures {
		return
	}
	if !c.state.cas(StateRunning, StateFailed) {
		return
	}
	logger.Errorw("backend connection failed", "backend", c.name,
		"endpoint", RedactURLTemplate(c.cfg.URLTemplate),
		"consecutive_failures", c.failures.Load(), "error", cause)
	if c.onFailure != nil {
		go c.onFailure(c.name, cause)
	}
}

// Invoke calls a tool on the backend.
func (c *HTTPConnection) Invoke(ctx context.Context, tool string, args map[string]any) (*ambassador.InvocationResult, error) {
	if c.state.get() != StateRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, c.name, c.state.get())
	}
	result, err := c.call(ctx, methodToolsCall, toolCallParams(tool, args), c.requestTimeout)
	if err != nil {
		return nil, err
	}
	return parseToolCall(result)
}

// RefreshTools repopulates the tool cache.
func (c *HTTPConnection) RefreshTools(ctx context.Context) ([]ambassador.ToolDescriptor, error) {
	result, err := c.call(ctx, methodToolsList, nil, c.requestTimeout)
	if err != nil {
		return nil, err
	}
	tools, err := parseToolsList(result)
	if err != nil {
		return nil, err
	}

	c.toolsMu.Lock()
	c.tools = tools
	c.toolsMu.Unlock()
	return tools, nil
}

// Tools returns the cached tool list.
func (c *HTTPConnection) Tools() []ambassador.ToolDescriptor {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	out := make([]ambassador.ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// HealthCheck probes the backend with an MCP ping.
func (c *HTTPConnection) HealthCheck(ctx context.Context) Health {
	h := Health{LastCheck: time.Now(), ToolCount: len(c.Tools())}
	if c.state.get() != StateRunning {
		h.Error = fmt.Sprintf("connection is %s", c.state.get())
		return h
	}
	if _, err := c.call(ctx, methodPing, nil, c.requestTimeout); err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = true
	return h
}

// HealthDetail returns structured diagnostics; the endpoint is the redacted
// template, never the resolved URL.
func (c *HTTPConnection) HealthDetail() HealthDetail {
	c.startMu.Lock()
	startedAt := c.startedAt
	c.startMu.Unlock()

	d := HealthDetail{
		Name:                c.name,
		Transport:           ambassador.TransportHTTP,
		State:               c.state.get().String(),
		StartedAt:           startedAt,
		ToolCount:           len(c.Tools()),
		Endpoint:            RedactURLTemplate(c.cfg.URLTemplate),
		ConsecutiveFailures: int(c.failures.Load()),
		PendingRequests:     int(c.inflight.Load()),
	}
	if !startedAt.IsZero() {
		d.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return d
}

// Stop releases the connection. There is no subprocess; stop is immediate.
func (c *HTTPConnection) Stop(_ context.Context) error {
	switch c.state.get() {
	case StateIdle, StateStopped:
		return nil
	}
	c.state.set(StateStopping)

	c.sessionMu.Lock()
	c.mcpSessionID = ""
	c.sessionMu.Unlock()
	c.client.CloseIdleConnections()

	c.state.set(StateStopped)
	logger.Infow("backend stopped", "backend", c.name, "transport", "http")
	return nil
}
