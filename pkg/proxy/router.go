package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/authz"
	"github.com/mcp-ambassador/ambassador/pkg/backend"
	"github.com/mcp-ambassador/ambassador/pkg/catalog"
)

// AuditSink receives the router's audit events.
type AuditSink interface {
	Emit(event audit.Event)
}

// Router dispatches tool invocations: effective-catalog check, policy
// check, isolation-mode dispatch, error translation, audit emission.
type Router struct {
	resolver   *catalog.Resolver
	authorizer *authz.Authorizer
	shared     *SharedManager
	pool       *PerUserPool
	auditor    AuditSink
}

// NewRouter creates a Router.
func NewRouter(
	resolver *catalog.Resolver, authorizer *authz.Authorizer,
	shared *SharedManager, pool *PerUserPool, auditor AuditSink,
) *Router {
	return &Router{
		resolver:   resolver,
		authorizer: authorizer,
		shared:     shared,
		pool:       pool,
		auditor:    auditor,
	}
}

// ListTools returns the tools the session may see and call.
func (r *Router) ListTools(ctx context.Context, sess ambassador.SessionContext) ([]ambassador.ToolDescriptor, error) {
	tools, err := r.resolver.Resolve(ctx, sess.ClientID, sess.ProfileID)
	if err != nil {
		return nil, err
	}
	return r.authorizer.ListAuthorized(ctx, sess, tools)
}

// Invoke routes one tool invocation to its backend and returns the result
// or a taxonomy error. Every attempt is audited.
func (r *Router) Invoke(ctx context.Context, sess ambassador.SessionContext, inv ambassador.ToolInvocation) (*ambassador.InvocationResult, error) {
	tool, ok, err := r.resolver.Lookup(ctx, sess.ClientID, sess.ProfileID, inv.Tool)
	if err != nil {
		return nil, err
	}
	if !ok {
		err := amberrors.New(amberrors.KindToolNotAllowed, "tool %s is not in your catalog", inv.Tool)
		r.auditDenied(sess, inv, authz.Decision{Effect: authz.EffectDeny, Reason: "not in effective catalog"})
		return nil, err
	}

	decision, err := r.authorizer.Authorize(ctx, sess, inv.Tool)
	if err != nil {
		return nil, err
	}
	if !decision.Permitted() {
		r.auditDenied(sess, inv, decision)
		return nil, amberrors.New(amberrors.KindForbidden, "%s", decision.Reason)
	}

	entry, err := r.resolver.EntryFor(ctx, tool)
	if err != nil {
		return nil, err
	}

	conn, err := r.connectionFor(ctx, sess, entry)
	if err != nil {
		r.auditCall(sess, inv, tool, decision, nil, err)
		return nil, err
	}

	result, err := conn.Invoke(ctx, tool.Name, inv.Arguments)
	if err != nil {
		err = translateBackendError(err)
	}
	r.auditCall(sess, inv, tool, decision, result, err)
	return result, err
}

func (r *Router) connectionFor(ctx context.Context, sess ambassador.SessionContext, entry *ambassador.CatalogEntry) (backend.Connection, error) {
	switch entry.IsolationMode {
	case ambassador.IsolationPerUser:
		return r.pool.Acquire(ctx, sess.UserID, *entry)
	default:
		conn, ok := r.shared.Get(entry.Name)
		if !ok {
			return nil, amberrors.New(amberrors.KindPeerError, "backend %s is not running", entry.Name)
		}
		return conn, nil
	}
}

// translateBackendError maps connection-level sentinels onto the external
// taxonomy. Errors already carrying a kind pass through.
func translateBackendError(err error) error {
	var typed *amberrors.Error
	if errors.As(err, &typed) {
		return err
	}

	switch {
	case errors.Is(err, backend.ErrTimeout):
		return amberrors.Wrap(amberrors.KindTimeout, err, "backend request timed out")
	case errors.Is(err, backend.ErrCanceled):
		return amberrors.Wrap(amberrors.KindCanceled, err, "backend request canceled")
	case errors.Is(err, backend.ErrOverloaded):
		return amberrors.Wrap(amberrors.KindOverloaded, err, "backend connection overloaded")
	case errors.Is(err, backend.ErrResponseTooLarge):
		return amberrors.Wrap(amberrors.KindResponseTooLarge, err, "backend response too large")
	case errors.Is(err, backend.ErrPeer), errors.Is(err, backend.ErrProtocol):
		return amberrors.Wrap(amberrors.KindPeerError, err, "backend returned an error")
	case errors.Is(err, backend.ErrNotRunning), errors.Is(err, backend.ErrStartup):
		return amberrors.Wrap(amberrors.KindPeerError, err, "backend unavailable")
	default:
		return amberrors.Wrap(amberrors.KindInternal, err, "tool invocation failed")
	}
}

// requestSummary is the redacted request description stored in the audit
// trail: argument names only, never values.
func requestSummary(inv ambassador.ToolInvocation) string {
	keys := make([]string, 0, len(inv.Arguments))
	for k := range inv.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("tool=%s args=[%s]", inv.Tool, strings.Join(keys, ","))
}

func (r *Router) auditDenied(sess ambassador.SessionContext, inv ambassador.ToolInvocation, decision authz.Decision) {
	event := audit.NewEvent(audit.EventTypeToolDenied, audit.SeverityWarn)
	event.SessionID = sess.SessionID
	event.UserID = sess.UserID
	event.ClientID = sess.ClientID
	event.ToolName = inv.Tool
	event.Action = "tools/call"
	event.RequestSummary = requestSummary(inv)
	event.AuthzDecision = audit.DecisionDeny
	event.AuthzPolicy = decision.PolicyID
	event.ResponseSummary = decision.Reason
	r.auditor.Emit(event)
}

func (r *Router) auditCall(
	sess ambassador.SessionContext, inv ambassador.ToolInvocation,
	tool ambassador.ToolDescriptor, decision authz.Decision,
	result *ambassador.InvocationResult, err error,
) {
	event := audit.NewEvent(audit.EventTypeToolCall, audit.SeverityInfo)
	event.SessionID = sess.SessionID
	event.UserID = sess.UserID
	event.ClientID = sess.ClientID
	event.ToolName = tool.QualifiedName()
	event.DownstreamMCP = tool.SourceMCP
	event.Action = "tools/call"
	event.RequestSummary = requestSummary(inv)
	event.AuthzDecision = audit.DecisionPermit
	event.AuthzPolicy = decision.PolicyID

	switch {
	case err != nil:
		event.Severity = audit.SeverityError
		event.ResponseSummary = fmt.Sprintf("error: %s", amberrors.KindOf(err))
	case result != nil && result.IsError:
		event.Severity = audit.SeverityWarn
		event.ResponseSummary = fmt.Sprintf("tool error, %d content items", len(result.Content))
	default:
		items := 0
		if result != nil {
			items = len(result.Content)
		}
		event.ResponseSummary = fmt.Sprintf("ok, %d content items", items)
	}
	r.auditor.Emit(event)
}
