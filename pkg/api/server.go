package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/backend"
	"github.com/mcp-ambassador/ambassador/pkg/catalog"
	"github.com/mcp-ambassador/ambassador/pkg/proxy"
	"github.com/mcp-ambassador/ambassador/pkg/session"
	"github.com/mcp-ambassador/ambassador/pkg/telemetry"
)

// requestTimeout bounds every request; backend invocations carry their own
// tighter deadlines.
const requestTimeout = 60 * time.Second

// SessionService registers and verifies sessions.
type SessionService interface {
	Register(ctx context.Context, req session.RegisterRequest) (*session.RegisterResponse, error)
	Verify(ctx context.Context, rawToken string) (*ambassador.SessionContext, error)
}

// ToolService lists and invokes tools for a session.
type ToolService interface {
	ListTools(ctx context.Context, sess ambassador.SessionContext) ([]ambassador.ToolDescriptor, error)
	Invoke(ctx context.Context, sess ambassador.SessionContext, inv ambassador.ToolInvocation) (*ambassador.InvocationResult, error)
}

// HealthService reports and restarts shared backends.
type HealthService interface {
	StatusSummary(ctx context.Context) map[string]backend.Health
	HealthDetails() []backend.HealthDetail
	Restart(ctx context.Context, name string) error
}

// PoolService reports per-user instances.
type PoolService interface {
	Statuses() []proxy.InstanceStatus
}

// AuditService queries the audit trail.
type AuditService interface {
	Query(ctx context.Context, q audit.QueryFilter) ([]audit.Event, error)
}

// ReloadService previews and applies catalog reloads.
type ReloadService interface {
	Preview(ctx context.Context) (catalog.Preview, error)
	Apply(ctx context.Context) (catalog.Result, error)
}

// Server wires the engine into the HTTP surface.
type Server struct {
	sessions SessionService
	tools    ToolService
	health   HealthService
	pool     PoolService
	auditor  AuditService
	reloader ReloadService
	admin    *AdminAuth
	metrics  *telemetry.Metrics
}

// NewServer creates a Server.
func NewServer(
	sessions SessionService, tools ToolService, health HealthService,
	pool PoolService, auditor AuditService, reloader ReloadService,
	admin *AdminAuth, metrics *telemetry.Metrics,
) *Server {
	return &Server{
		sessions: sessions,
		tools:    tools,
		health:   health,
		pool:     pool,
		auditor:  auditor,
		reloader: reloader,
		admin:    admin,
		metrics:  metrics,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	if s.metrics != nil {
		r.Use(metricsMiddleware(s.metrics))
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions/register", s.handleRegister)

		r.Group(func(r chi.Router) {
			r.Use(s.sessionAuth)
			r.Get("/tools", s.handleListTools)
			r.Post("/tools/invoke", s.handleInvoke)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.admin.Middleware)
			r.Get("/admin/health/mcps", s.handleBackendHealth)
			r.Post("/admin/health/mcps/{name}/restart", s.handleRestart)
			r.Get("/audit/events", s.handleAuditQuery)
			r.Post("/admin/catalog/reload", s.handleReload)
		})
	})
	return r
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerBody struct {
	PresharedKey string `json:"preshared_key"`
	FriendlyName string `json:"friendly_name"`
	HostTool     string `json:"host_tool"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.PresharedKey == "" {
		writeError(w, amberrors.New(amberrors.KindValidation, "preshared_key is required"))
		return
	}

	resp, err := s.sessions.Register(r.Context(), session.RegisterRequest{
		PresharedKey: body.PresharedKey,
		FriendlyName: body.FriendlyName,
		HostTool:     body.HostTool,
		SourceIP:     sourceIP(r),
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveRegistration("rejected")
		}
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		outcome := "registered"
		if resp.Reused {
			outcome = "reused"
		}
		s.metrics.ObserveRegistration(outcome)
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	sc, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, amberrors.New(amberrors.KindUnauthorized, "missing session"))
		return
	}
	tools, err := s.tools.ListTools(r.Context(), sc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	sc, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, amberrors.New(amberrors.KindUnauthorized, "missing session"))
		return
	}

	var inv ambassador.ToolInvocation
	if err := decodeJSON(r, &inv); err != nil {
		writeError(w, err)
		return
	}
	if inv.Tool == "" {
		writeError(w, amberrors.New(amberrors.KindValidation, "tool is required"))
		return
	}

	start := time.Now()
	result, err := s.tools.Invoke(r.Context(), sc, inv)
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = string(amberrors.KindOf(err))
		} else if result != nil && result.IsError {
			outcome = "tool_error"
		}
		s.metrics.ObserveInvocation(backendOf(inv.Tool), outcome, time.Since(start))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"shared":   s.health.StatusSummary(r.Context()),
		"details":  s.health.HealthDetails(),
		"per_user": s.pool.Statuses(),
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.health.Restart(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"restarted": name})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	filter, pageSize, offset, err := parseAuditQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// Fetch one past the page so has_more is exact.
	filter.Limit = offset + pageSize + 1
	events, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	if offset > len(events) {
		offset = len(events)
	}
	page := events[offset:]
	hasMore := len(page) > pageSize
	if hasMore {
		page = page[:pageSize]
	}

	pagination := &Pagination{HasMore: hasMore}
	if hasMore {
		pagination.NextCursor = encodeCursor(offset + pageSize)
	}
	writePage(w, http.StatusOK, map[string]any{"events": page}, pagination)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("dry_run") == "true" {
		preview, err := s.reloader.Preview(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, preview)
		return
	}

	result, err := s.reloader.Apply(r.Context())
	if s.metrics != nil {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "conflict"
		case len(result.Errors) > 0:
			outcome = "partial"
		}
		s.metrics.ObserveCatalogReload(outcome)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return amberrors.Wrap(amberrors.KindValidation, err, "malformed request body")
	}
	return nil
}

func parseAuditQuery(r *http.Request) (filter audit.QueryFilter, pageSize, offset int, err error) {
	q := r.URL.Query()
	filter.ClientID = q.Get("client_id")
	filter.UserID = q.Get("user_id")
	filter.EventType = q.Get("event_type")
	filter.Severity = q.Get("severity")

	if raw := q.Get("start_time"); raw != "" {
		if filter.StartTime, err = time.Parse(time.RFC3339, raw); err != nil {
			return filter, 0, 0, amberrors.New(amberrors.KindValidation, "start_time must be RFC 3339")
		}
	}
	if raw := q.Get("end_time"); raw != "" {
		if filter.EndTime, err = time.Parse(time.RFC3339, raw); err != nil {
			return filter, 0, 0, amberrors.New(amberrors.KindValidation, "end_time must be RFC 3339")
		}
	}

	pageSize = 100
	if raw := q.Get("limit"); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil || pageSize < 1 || pageSize > audit.DefaultQueryLimit {
			return filter, 0, 0, amberrors.New(amberrors.KindValidation,
				"limit must be between 1 and %d", audit.DefaultQueryLimit)
		}
	}
	if raw := q.Get("cursor"); raw != "" {
		offset, err = decodeCursor(raw)
		if err != nil {
			return filter, 0, 0, amberrors.New(amberrors.KindValidation, "invalid cursor")
		}
	}
	return filter, pageSize, offset, nil
}

// Cursors are opaque to clients: a base64url-wrapped offset.
func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(raw string) (int, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return 0, err
	}
	offset, err := strconv.Atoi(string(decoded))
	if err != nil || offset < 0 {
		return 0, amberrors.New(amberrors.KindValidation, "invalid cursor")
	}
	return offset, nil
}

// backendOf extracts the namespace from a qualified tool name.
func backendOf(qualified string) string {
	if name, _, ok := strings.Cut(qualified, "."); ok {
		return name
	}
	return qualified
}
