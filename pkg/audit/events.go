// Package audit provides the append-only JSONL audit trail: event types,
// the buffered daily-rotated writer, retention pruning and querying.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the ambassador.
const (
	// EventTypeSessionRegistered records a successful session registration,
	// new or reused.
	EventTypeSessionRegistered = "session_registered"
	// EventTypeSessionRejected records a failed registration attempt.
	EventTypeSessionRejected = "session_rejected"
	// EventTypeSessionExpired records a session expiring or being terminated.
	EventTypeSessionExpired = "session_expired"
	// EventTypeToolCall records a tool invocation, success or failure.
	EventTypeToolCall = "tool_call"
	// EventTypeToolDenied records a policy denial of a tool invocation.
	EventTypeToolDenied = "tool_denied"
	// EventTypeBackendStarted records a backend connection start.
	EventTypeBackendStarted = "backend_started"
	// EventTypeBackendStopped records a backend connection stop.
	EventTypeBackendStopped = "backend_stopped"
	// EventTypeBackendFailed records a backend connection failure.
	EventTypeBackendFailed = "backend_failed"
	// EventTypeCatalogReload records a catalog reload apply.
	EventTypeCatalogReload = "catalog_reload"
	// EventTypeCredentialUpdated records a vault credential write.
	EventTypeCredentialUpdated = "credential_updated"
	// EventTypeSecretRotated records a server HMAC secret rotation.
	EventTypeSecretRotated = "secret_rotated"
	// EventTypeRateLimited records a rate-limited registration source.
	EventTypeRateLimited = "rate_limited"
)

// Severity levels for audit events.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Authz decision values recorded on events.
const (
	DecisionPermit = "permit"
	DecisionDeny   = "deny"
)

// Event is one audit record. Events are append-only and grouped into daily
// files by the date of Timestamp.
type Event struct {
	EventID         string         `json:"event_id"`
	Timestamp       time.Time      `json:"timestamp"`
	EventType       string         `json:"event_type"`
	Severity        string         `json:"severity"`
	SessionID       string         `json:"session_id,omitempty"`
	ClientID        string         `json:"client_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	SourceIPHash    string         `json:"source_ip_hash,omitempty"`
	ToolName        string         `json:"tool_name,omitempty"`
	DownstreamMCP   string         `json:"downstream_mcp,omitempty"`
	Action          string         `json:"action"`
	RequestSummary  string         `json:"request_summary,omitempty"`
	ResponseSummary string         `json:"response_summary,omitempty"`
	AuthzDecision   string         `json:"authz_decision,omitempty"`
	AuthzPolicy     string         `json:"authz_policy,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh id and the current UTC timestamp.
func NewEvent(eventType, severity string) Event {
	return Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  severity,
	}
}

// date returns the daily-file grouping key.
func (e Event) date() string {
	return e.Timestamp.UTC().Format(time.DateOnly)
}
