// Package backend implements live JSON-RPC 2.0 connections to MCP backend
// servers. Two variants share one interface: a stdio subprocess speaking
// newline-delimited JSON, and an MCP streamable HTTP endpoint.
//
// A connection owns its request correlation table and enforces the
// per-connection resource caps. Lifecycle serialization (concurrent
// start/stop) is the responsibility of the owning supervisor.
package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

// Per-connection resource caps.
const (
	// MaxPendingRequests bounds the request correlation table.
	MaxPendingRequests = 100

	// DefaultRequestTimeout is the deadline applied to each outgoing
	// request unless the caller supplies a shorter one.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultStartupTimeout bounds the start sequence (spawn/dial,
	// initialize, first tools/list).
	DefaultStartupTimeout = 30 * time.Second

	// MaxLineBuffer is the largest amount of un-terminated stdout a stdio
	// child may accumulate before the connection is failed.
	MaxLineBuffer = 10 << 20

	// MaxMessageSize is the largest single stdio message.
	MaxMessageSize = 1 << 20

	// MaxResponseBytes caps the total size of invocation response content
	// and the HTTP response body.
	MaxResponseBytes = 10 << 20

	// MaxContentItems caps the number of content items in one invocation
	// response.
	MaxContentItems = 100

	// StopGracePeriod is how long Stop waits for a stdio child to exit
	// before force-terminating it.
	StopGracePeriod = 5 * time.Second

	// MaxConsecutiveFailures is the HTTP failure count that trips the
	// connection into the failed state.
	MaxConsecutiveFailures = 3

	// StderrRingSize is the number of retained stderr chunks.
	StderrRingSize = 50

	// StderrChunkLimit truncates each retained stderr chunk.
	StderrChunkLimit = 500
)

// Connection-level errors, checked with errors.Is. The router translates
// these into the external error taxonomy at the request boundary.
var (
	// ErrStartup indicates the peer could not be established.
	ErrStartup = errors.New("backend startup failed")

	// ErrNotRunning indicates an operation on a connection that is not in
	// the running state.
	ErrNotRunning = errors.New("backend not running")

	// ErrTimeout indicates a request deadline fired.
	ErrTimeout = errors.New("backend request timed out")

	// ErrCanceled indicates a pending request was canceled, usually by a
	// connection stop.
	ErrCanceled = errors.New("backend request canceled")

	// ErrOverloaded indicates the pending-request table is full.
	ErrOverloaded = errors.New("backend connection overloaded")

	// ErrProtocol indicates a malformed or unparseable peer message.
	ErrProtocol = errors.New("backend protocol error")

	// ErrPeer indicates the peer returned a JSON-RPC error object.
	ErrPeer = errors.New("backend peer error")

	// ErrResponseTooLarge indicates a response breached the size caps.
	ErrResponseTooLarge = errors.New("backend response too large")
)

// State is the lifecycle state of a connection.
type State int32

// Connection lifecycle states.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Health is the result of a health probe.
type Health struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	ToolCount int       `json:"tool_count"`
	Error     string    `json:"error,omitempty"`
}

// HealthDetail is structured diagnostics for operators. Values that could
// contain credentials are redacted before they land here.
type HealthDetail struct {
	Name          string                  `json:"name"`
	Transport     ambassador.TransportType `json:"transport"`
	State         string                  `json:"state"`
	StartedAt     time.Time               `json:"started_at,omitempty"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	ToolCount     int                     `json:"tool_count"`

	// Stdio-only fields.
	PID             int      `json:"pid,omitempty"`
	PendingRequests int      `json:"pending_requests,omitempty"`
	RecentStderr    []string `json:"recent_stderr,omitempty"`

	// HTTP-only fields.
	Endpoint            string `json:"endpoint,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
}

// FailureHandler is invoked asynchronously when a connection transitions
// from running to failed. The supervisor must Stop the connection and may
// Start it again.
type FailureHandler func(name string, err error)

// Connection is one live JSON-RPC channel to a single MCP backend.
type Connection interface {
	// Name returns the backend name this connection serves.
	Name() string

	// Transport returns the connection variant.
	Transport() ambassador.TransportType

	// State returns the current lifecycle state.
	State() State

	// Start establishes the peer, performs the MCP initialize handshake and
	// populates the tool cache. Returns an error wrapping ErrStartup if the
	// peer cannot be reached within the startup timeout.
	Start(ctx context.Context) error

	// Invoke calls a tool on the peer.
	Invoke(ctx context.Context, tool string, args map[string]any) (*ambassador.InvocationResult, error)

	// RefreshTools repopulates the tool cache from the peer.
	RefreshTools(ctx context.Context) ([]ambassador.ToolDescriptor, error)

	// Tools returns the cached tool list.
	Tools() []ambassador.ToolDescriptor

	// HealthCheck probes the connection.
	HealthCheck(ctx context.Context) Health

	// HealthDetail returns redacted structured diagnostics.
	HealthDetail() HealthDetail

	// Stop releases all resources held by the connection and cancels all
	// pending requests with ErrCanceled.
	Stop(ctx context.Context) error
}

// connState holds the atomic lifecycle state shared by both variants.
type connState struct {
	v atomic.Int32
}

func (s *connState) get() State {
	return State(s.v.Load())
}

func (s *connState) set(next State) {
	s.v.Store(int32(next))
}

// cas transitions from want to next, reporting whether it won.
func (s *connState) cas(want, next State) bool {
	return s.v.CompareAndSwap(int32(want), int32(next))
}
