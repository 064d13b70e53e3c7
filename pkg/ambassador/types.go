// Package ambassador holds the shared domain types used across the proxy
// engine subpackages. These are core concepts that cross bounded contexts;
// behavior lives in the packages that own it.
package ambassador

import (
	"time"
)

// TransportType identifies how a backend MCP server is reached.
type TransportType string

const (
	// TransportStdio runs the backend as a local subprocess speaking
	// newline-delimited JSON-RPC on stdio.
	TransportStdio TransportType = "stdio"

	// TransportHTTP reaches the backend over MCP streamable HTTP.
	TransportHTTP TransportType = "http"
)

// IsolationMode determines how backend connections are shared across users.
type IsolationMode string

const (
	// IsolationShared runs one connection per backend for all users.
	IsolationShared IsolationMode = "shared"

	// IsolationPerUser runs one connection per (user, backend) pair,
	// carrying that user's credentials.
	IsolationPerUser IsolationMode = "per_user"
)

// EntryStatus is the publication state of a catalog entry.
type EntryStatus string

const (
	// EntryDraft entries are invisible to clients and never started.
	EntryDraft EntryStatus = "draft"

	// EntryPublished entries are live.
	EntryPublished EntryStatus = "published"
)

// StdioConfig configures a stdio backend subprocess.
type StdioConfig struct {
	// Command is argv; argv[0] is the executable. Shell metacharacters are
	// rejected at start time, the command is never passed to a shell.
	Command []string `json:"command"`

	// Env is extra environment for the subprocess. Names on the blocked
	// list (PATH, LD_PRELOAD, ...) are rejected at start time.
	Env map[string]string `json:"env,omitempty"`
}

// HTTPConfig configures an HTTP backend endpoint.
type HTTPConfig struct {
	// URLTemplate is the endpoint URL, possibly containing ${ENV_VAR}
	// placeholders. The template is stored verbatim for diagnostics; only
	// the resolved form is dialed.
	URLTemplate string `json:"url"`

	// Headers are extra request headers sent on every call.
	Headers map[string]string `json:"headers,omitempty"`
}

// CatalogEntry describes one backend MCP server in the shared catalog.
type CatalogEntry struct {
	MCPID                   string           `json:"mcp_id"`
	Name                    string           `json:"name"`
	Transport               TransportType    `json:"transport"`
	IsolationMode           IsolationMode    `json:"isolation_mode"`
	RequiresUserCredentials bool             `json:"requires_user_credentials"`
	Status                  EntryStatus      `json:"status"`
	Stdio                   *StdioConfig     `json:"stdio,omitempty"`
	HTTP                    *HTTPConfig      `json:"http,omitempty"`
	ToolCatalog             []ToolDescriptor `json:"tool_catalog,omitempty"`
}

// ToolDescriptor describes a tool exposed by a backend.
type ToolDescriptor struct {
	// Name is the tool name as the backend knows it.
	Name string `json:"name"`

	// Description describes what the tool does.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any `json:"input_schema,omitempty"`

	// SourceMCP is the name of the backend that provides this tool. Set
	// during catalog resolution; empty on raw backend listings.
	SourceMCP string `json:"source_mcp,omitempty"`
}

// QualifiedName returns the namespaced tool name exposed to clients,
// "backend.tool". When SourceMCP is empty the bare name is returned.
func (t ToolDescriptor) QualifiedName() string {
	if t.SourceMCP == "" {
		return t.Name
	}
	return t.SourceMCP + "." + t.Name
}

// Content is one item of MCP tool output.
type Content struct {
	// Type is "text", "image", "audio" or "resource".
	Type string `json:"type"`

	// Text carries text content.
	Text string `json:"text,omitempty"`

	// Data is base64-encoded binary content.
	Data string `json:"data,omitempty"`

	// MimeType qualifies Data.
	MimeType string `json:"mimeType,omitempty"`

	// URI references an embedded resource.
	URI string `json:"uri,omitempty"`
}

// InvocationResult is the outcome of one tool invocation.
type InvocationResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// ToolInvocation is a client's request to call a tool.
type ToolInvocation struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// SessionContext identifies the authenticated principal for one request.
// It is produced by session verification and consumed by authorization,
// catalog resolution and routing.
type SessionContext struct {
	SessionID    string
	UserID       string
	ClientID     string
	ProfileID    string
	ConnectionID string
	ExpiresAt    time.Time
}

// UserStatus is the lifecycle state of a user.
type UserStatus string

// User lifecycle states.
const (
	UserActive      UserStatus = "active"
	UserSuspended   UserStatus = "suspended"
	UserDeactivated UserStatus = "deactivated"
)

// User is an end user of the ambassador.
type User struct {
	UserID       string
	Username     string
	PasswordHash string
	Status       UserStatus
	IsAdmin      bool

	// VaultSalt seeds the per-user vault key derivation. Immutable once set.
	VaultSalt []byte
}

// ClientStatus is the lifecycle state of a client.
type ClientStatus string

// Client lifecycle states.
const (
	ClientActive    ClientStatus = "active"
	ClientSuspended ClientStatus = "suspended"
	ClientRevoked   ClientStatus = "revoked"
)

// Client is the logical principal a host tool authenticates as.
type Client struct {
	ClientID  string
	UserID    string
	ProfileID string

	// KeyPrefix is the first 8 chars of the random portion of the preshared
	// key; it indexes the hash lookup during registration.
	KeyPrefix string

	// KeyHash is the Argon2id hash of the full preshared key.
	KeyHash string

	Status    ClientStatus
	ExpiresAt *time.Time
}

// Expired reports whether the client's key has passed its expiry.
func (c *Client) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Profile is a named allow/deny policy set, optionally inheriting a parent.
type Profile struct {
	ProfileID     string
	Name          string
	AllowedTools  []string
	DeniedTools   []string
	InheritedFrom string
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

// Subscription lifecycle states.
const (
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionPaused  SubscriptionStatus = "paused"
	SubscriptionRemoved SubscriptionStatus = "removed"
)

// Subscription links a client to a backend, optionally narrowed to a tool
// subset. Unique per (client_id, mcp_id) among non-removed rows.
type Subscription struct {
	SubscriptionID string
	ClientID       string
	MCPID          string
	SelectedTools  []string
	Status         SubscriptionStatus
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

// Session lifecycle states.
const (
	SessionActive       SessionStatus = "active"
	SessionIdle         SessionStatus = "idle"
	SessionSpinningDown SessionStatus = "spinning_down"
	SessionExpired      SessionStatus = "expired"
	SessionSuspended    SessionStatus = "suspended"
)

// Session is a live authenticated session. At most one non-expired session
// exists per (user_id, client_id); the client id lives in Metadata.
type Session struct {
	SessionID      string
	UserID         string
	ProfileID      string
	TokenHash      string
	Nonce          []byte
	Status         SessionStatus
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Metadata       map[string]string
}

// MetadataKeyClientID is the session metadata key holding the client id.
const MetadataKeyClientID = "client_id"

// ClientID returns the client id bound to the session.
func (s *Session) ClientID() string {
	return s.Metadata[MetadataKeyClientID]
}

// Reusable reports whether the session may be reused at re-registration.
func (s *Session) Reusable() bool {
	switch s.Status {
	case SessionActive, SessionIdle, SessionSpinningDown:
		return true
	default:
		return false
	}
}

// ConnectionRecord is one historical connection of a session. A session
// binds at most one current connection but keeps all historical rows.
type ConnectionRecord struct {
	ConnectionID string
	SessionID    string
	FriendlyName string
	HostTool     string
	SourceIPHash string
	CreatedAt    time.Time
}

// UserCredential is a per-(user, backend) AES-GCM wrapped credential map.
type UserCredential struct {
	UserID     string
	MCPID      string
	IV         []byte
	Ciphertext []byte
	UpdatedAt  time.Time
}
