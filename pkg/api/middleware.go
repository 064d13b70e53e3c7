package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/session"
	"github.com/mcp-ambassador/ambassador/pkg/telemetry"
)

// Auth headers.
const (
	SessionTokenHeader = "X-Session-Token"
	AdminKeyHeader     = "X-Admin-Key"
)

type contextKey int

const sessionContextKey contextKey = iota

// SessionFromContext returns the verified session placed by the session
// middleware.
func SessionFromContext(ctx context.Context) (ambassador.SessionContext, bool) {
	sc, ok := ctx.Value(sessionContextKey).(ambassador.SessionContext)
	return sc, ok
}

// sessionAuth verifies X-Session-Token and stores the session context.
func (s *Server) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(SessionTokenHeader)
		if token == "" {
			writeError(w, amberrors.New(amberrors.KindUnauthorized, "missing session token"))
			return
		}
		sc, err := s.sessions.Verify(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, *sc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminAuth verifies X-Admin-Key against the configured Argon2id hashes.
type AdminAuth struct {
	keyHashes []string
}

// NewAdminAuth creates an AdminAuth from PHC-formatted hashes.
func NewAdminAuth(keyHashes []string) *AdminAuth {
	return &AdminAuth{keyHashes: keyHashes}
}

// Middleware rejects requests without a valid admin key. The recovery
// token minted on first run is accepted alongside regular admin keys.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(AdminKeyHeader)
		if !adminKeyShape(raw) {
			writeError(w, amberrors.New(amberrors.KindUnauthorized, "invalid credentials"))
			return
		}
		for _, hash := range a.keyHashes {
			if session.VerifyKey(raw, hash) {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, amberrors.New(amberrors.KindUnauthorized, "invalid credentials"))
	})
}

func adminKeyShape(raw string) bool {
	for _, prefix := range []string{session.AdminKeyPrefix, session.RecoveryTokenPrefix} {
		if _, _, err := session.ParseKey(raw, prefix); err == nil {
			return true
		}
	}
	return false
}

// metricsMiddleware records request counts and latency per chi route.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(route, r.Method, strconv.Itoa(sw.status), time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// sourceIP extracts the client IP for rate limiting and audit hashing.
// chi's RealIP middleware has already folded X-Forwarded-For into
// RemoteAddr when trusted.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
