package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// StdioConnection runs a backend MCP server as a local subprocess and
// speaks newline-delimited JSON-RPC over its stdio.
type StdioConnection struct {
	name          string
	cfg           ambassador.StdioConfig
	credentialEnv map[string]string

	requestTimeout time.Duration
	startupTimeout time.Duration
	onFailure      FailureHandler

	state connState

	// mu guards the process fields; Start/Stop are additionally serialized
	// by the owning supervisor.
	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pending  *pendingTable
	ring     *stderrRing
	procDone chan struct{}

	// writeMu serializes writes to the child's stdin.
	writeMu sync.Mutex

	toolsMu   sync.RWMutex
	tools     []ambassador.ToolDescriptor
	startedAt time.Time
}

// StdioOption configures a StdioConnection.
type StdioOption func(*StdioConnection)

// WithCredentialEnv injects per-user credentials as environment variables.
func WithCredentialEnv(env map[string]string) StdioOption {
	return func(c *StdioConnection) { c.credentialEnv = env }
}

// WithStdioRequestTimeout overrides the per-request deadline.
func WithStdioRequestTimeout(d time.Duration) StdioOption {
	return func(c *StdioConnection) { c.requestTimeout = d }
}

// WithStdioStartupTimeout overrides the startup deadline.
func WithStdioStartupTimeout(d time.Duration) StdioOption {
	return func(c *StdioConnection) { c.startupTimeout = d }
}

// WithStdioFailureHandler registers the supervisor's failure callback.
func WithStdioFailureHandler(h FailureHandler) StdioOption {
	return func(c *StdioConnection) { c.onFailure = h }
}

// NewStdioConnection creates a stdio connection for the named backend.
// The subprocess is not spawned until Start.
func NewStdioConnection(name string, cfg ambassador.StdioConfig, opts ...StdioOption) *StdioConnection {
	c := &StdioConnection{
		name:           name,
		cfg:            cfg,
		requestTimeout: DefaultRequestTimeout,
		startupTimeout: DefaultStartupTimeout,
		ring:           newStderrRing(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the backend name.
func (c *StdioConnection) Name() string { return c.name }

// Transport returns the stdio transport type.
func (*StdioConnection) Transport() ambassador.TransportType { return ambassador.TransportStdio }

// State returns the current lifecycle state.
func (c *StdioConnection) State() State { return c.state.get() }

// Start spawns the subprocess, performs the MCP handshake and populates the
// tool cache.
func (c *StdioConnection) Start(ctx context.Context) error {
	switch c.state.get() {
	case StateIdle, StateStopped, StateFailed:
	default:
		return fmt.Errorf("%w: cannot start from state %s", ErrStartup, c.state.get())
	}
	c.state.set(StateStarting)

	if err := c.spawn(); err != nil {
		c.state.set(StateFailed)
		return err
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, c.startupTimeout)
	defer cancel()

	if err := c.handshake(handshakeCtx); err != nil {
		c.teardown()
		c.state.set(StateFailed)
		return fmt.Errorf("%w: %s: %v", ErrStartup, c.name, err)
	}

	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()
	c.state.set(StateRunning)
	logger.Infow("backend started", "backend", c.name, "transport", "stdio", "tools", len(c.Tools()))
	return nil
}

func (c *StdioConnection) spawn() error {
	if err := validateCommand(c.cfg.Command); err != nil {
		return err
	}
	env, err := buildEnv(c.cfg.Env, c.credentialEnv)
	if err != nil {
		return err
	}

	// #nosec G204 -- argv comes from the admin-managed catalog and has been
	// screened for shell metacharacters.
	cmd := exec.Command(c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrStartup, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrStartup, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrStartup, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.pending = newPendingTable()
	c.procDone = make(chan struct{})
	procDone := c.procDone
	c.mu.Unlock()

	go c.readStdout(stdout)
	go c.readStderr(stderr)
	go func() {
		err := cmd.Wait()
		close(procDone)
		if c.state.get() == StateRunning {
			c.fail(fmt.Errorf("%w: process exited: %v", ErrPeer, err))
		}
	}()
	return nil
}

// handshake performs initialize, the initialized notification, and the
// initial tools/list.
func (c *StdioConnection) handshake(ctx context.Context) error {
	if _, err := c.call(ctx, methodInitialize, initializeParams(), c.startupTimeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(methodInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	if _, err := c.RefreshTools(ctx); err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	return nil
}

// readStdout drives the pure line splitter and dispatches responses to the
// pending table. Framing violations are fatal for the connection.
func (c *StdioConnection) readStdout(stdout io.Reader) {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			msgs, rest, splitErr := SplitLines(buf, chunk[:n])
			buf = rest
			for _, raw := range msgs {
				c.dispatch(pending, raw)
			}
			if splitErr != nil {
				c.fail(fmt.Errorf("%w: %v", ErrProtocol, splitErr))
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *StdioConnection) dispatch(pending *pendingTable, raw []byte) {
	msg, err := ParseMessage(raw)
	if err != nil {
		logger.Warnw("dropping unparseable backend message", "backend", c.name, "error", err)
		return
	}
	switch {
	case msg.IsResponse():
		pending.resolve(*msg.ID, msg)
	case msg.IsNotification():
		logger.Debugw("backend notification", "backend", c.name, "method", msg.Method)
	default:
		// Server-to-client requests (sampling etc.) are not supported.
		logger.Debugw("ignoring backend request", "backend", c.name, "method", msg.Method)
	}
}

// readStderr drains the child's stderr in fixed-size chunks so a single
// oversized line cannot stall the pipe.
func (c *StdioConnection) readStderr(stderr io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := stderr.Read(chunk)
		if n > 0 {
			c.ring.Push(string(chunk[:n]))
		}
		if err != nil {
			return
		}
	}
}

// call sends one request and waits for its response, the deadline, or
// cancellation, whichever comes first.
func (c *StdioConnection) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if s := c.state.get(); s != StateRunning && s != StateStarting {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, c.name, s)
	}

	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, c.name)
	}

	id, ch, err := pending.add()
	if err != nil {
		return nil, err
	}

	req, err := NewRequest(id, method, params)
	if err != nil {
		pending.remove(id)
		return nil, err
	}
	if err := c.write(req); err != nil {
		pending.remove(id)
		return nil, fmt.Errorf("%w: write: %v", ErrPeer, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, fmt.Errorf("%w: %v", ErrPeer, res.msg.Error)
		}
		return res.msg.Result, nil
	case <-timer.C:
		pending.remove(id)
		return nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, c.name, method, timeout)
	case <-ctx.Done():
		pending.remove(id)
		return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}
}

func (c *StdioConnection) notify(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *StdioConnection) write(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = stdin.Write(data)
	return err
}

// Invoke calls a tool on the subprocess.
func (c *StdioConnection) Invoke(ctx context.Context, tool string, args map[string]any) (*ambassador.InvocationResult, error) {
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
func (c *StdioConnection) RefreshTools(ctx context.Context) ([]ambassador.ToolDescriptor, error) {
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
func (c *StdioConnection) Tools() []ambassador.ToolDescriptor {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	out := make([]ambassador.ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// HealthCheck reports the connection's health.
func (c *StdioConnection) HealthCheck(_ context.Context) Health {
	h := Health{LastCheck: time.Now(), ToolCount: len(c.Tools())}
	if c.state.get() == StateRunning {
		h.Healthy = true
		return h
	}
	h.Error = fmt.Sprintf("connection is %s", c.state.get())
	return h
}

// HealthDetail returns structured diagnostics. Stderr is already redacted
// by the ring buffer.
func (c *StdioConnection) HealthDetail() HealthDetail {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := HealthDetail{
		Name:         c.name,
		Transport:    ambassador.TransportStdio,
		State:        c.state.get().String(),
		StartedAt:    c.startedAt,
		ToolCount:    len(c.tools),
		RecentStderr: c.ring.Snapshot(),
	}
	if !c.startedAt.IsZero() {
		d.UptimeSeconds = int64(time.Since(c.startedAt).Seconds())
	}
	if c.cmd != nil && c.cmd.Process != nil {
		d.PID = c.cmd.Process.Pid
	}
	if c.pending != nil {
		d.PendingRequests = c.pending.size()
	}
	return d
}

// Stop cancels all pending requests, closes stdin and waits up to
// StopGracePeriod for the child to exit before force-terminating it.
func (c *StdioConnection) Stop(ctx context.Context) error {
	switch c.state.get() {
	case StateIdle, StateStopped:
		return nil
	}
	c.state.set(StateStopping)
	c.teardown()

	c.mu.Lock()
	procDone := c.procDone
	cmd := c.cmd
	c.mu.Unlock()

	if procDone != nil {
		timer := time.NewTimer(StopGracePeriod)
		defer timer.Stop()
		select {
		case <-procDone:
		case <-timer.C:
			c.kill(cmd)
			<-procDone
		case <-ctx.Done():
			c.kill(cmd)
			<-procDone
		}
	}

	c.state.set(StateStopped)
	logger.Infow("backend stopped", "backend", c.name, "transport", "stdio")
	return nil
}

// teardown fails pending requests and closes stdin so the child sees EOF.
func (c *StdioConnection) teardown() {
	c.mu.Lock()
	pending := c.pending
	stdin := c.stdin
	c.stdin = nil
	c.mu.Unlock()

	if pending != nil {
		pending.failAll(ErrCanceled)
	}
	if stdin != nil {
		_ = stdin.Close()
	}
}

func (c *StdioConnection) kill(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// fail transitions a running connection to failed, cancels pending
// requests, kills the child and notifies the supervisor.
func (c *StdioConnection) fail(err error) {
	if !c.state.cas(StateRunning, StateFailed) {
		return
	}
	logger.Errorw("backend connection failed", "backend", c.name, "error", err)

	c.mu.Lock()
	pending := c.pending
	cmd := c.cmd
	c.mu.Unlock()

	if pending != nil {
		pending.failAll(err)
	}
	c.kill(cmd)

	if c.onFailure != nil {
		go c.onFailure(c.name, err)
	}
}
