package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// Session lifecycle defaults.
const (
	// DefaultSessionTTL is how long a fresh token lives.
	DefaultSessionTTL = 8 * time.Hour

	// VerifiedCacheSize bounds the LRU of verified sessions.
	VerifiedCacheSize = 1000

	// verifiedTTL is how long a verified token may be served from the
	// cache before the session row is re-read, so out-of-band status
	// changes take effect within a bounded window.
	verifiedTTL = time.Minute

	// maxFailureDelay is the upper bound of the uniform timing
	// normalization sleep applied to failed registrations.
	maxFailureDelay = 200 * time.Millisecond
)

// Store persists sessions and their connection records. Lookups return
// (nil, nil) when nothing matches.
type Store interface {
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*ambassador.Session, error)
	FindReusableSession(ctx context.Context, userID, clientID string) (*ambassador.Session, error)
	CreateSession(ctx context.Context, sess *ambassador.Session) error
	UpdateSession(ctx context.Context, sess *ambassador.Session) error
	CreateConnection(ctx context.Context, rec *ambassador.ConnectionRecord) error
	LatestConnection(ctx context.Context, sessionID string) (*ambassador.ConnectionRecord, error)
}

// ClientDirectory resolves preshared-key candidates.
type ClientDirectory interface {
	ListClientsByKeyPrefix(ctx context.Context, keyPrefix string) ([]ambassador.Client, error)
}

// AuditSink receives the session layer's audit events.
type AuditSink interface {
	Emit(event audit.Event)
}

// RegisterRequest is one registration attempt.
type RegisterRequest struct {
	PresharedKey string `json:"preshared_key"`
	FriendlyName string `json:"friendly_name"`
	HostTool     string `json:"host_tool"`
	SourceIP     string `json:"-"`
}

// RegisterResponse is a successful registration.
type RegisterResponse struct {
	SessionID    string    `json:"session_id"`
	SessionToken string    `json:"session_token"`
	ProfileID    string    `json:"profile_id"`
	ConnectionID string    `json:"connection_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Reused       bool      `json:"reused"`
}

// Manager owns registration, verification and the server secret.
type Manager struct {
	store   Store
	clients ClientDirectory
	limiter *RateLimiter
	auditor AuditSink

	secretMu sync.RWMutex
	secret   []byte

	verified *lru.Cache[string, verifiedEntry]

	ttl    time.Duration
	ipSalt []byte
	now    func() time.Time
	sleep  func(time.Duration)
}

// verifiedEntry is one cached verification result.
type verifiedEntry struct {
	sc ambassador.SessionContext
	at time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithSessionTTL overrides the token lifetime.
func WithSessionTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithIPSalt sets the salt used when hashing source IPs for the audit
// trail.
func WithIPSalt(salt []byte) ManagerOption {
	return func(m *Manager) { m.ipSalt = salt }
}

// WithManagerClock injects the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithFailureSleep injects the timing-normalization sleep.
func WithFailureSleep(sleep func(time.Duration)) ManagerOption {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager creates a Manager.
func NewManager(secret []byte, store Store, clients ClientDirectory, limiter *RateLimiter, auditor AuditSink, opts ...ManagerOption) *Manager {
	cache, err := lru.New[string, verifiedEntry](VerifiedCacheSize)
	if err != nil {
		// Only fails on a non-positive size.
		panic(err)
	}
	m := &Manager{
		store:    store,
		clients:  clients,
		limiter:  limiter,
		auditor:  auditor,
		secret:   secret,
		verified: cache,
		ttl:      DefaultSessionTTL,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register validates a preshared key and returns a session, reusing the
// caller's live session when one exists for the same (user, client).
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if ok, retryAfter := m.limiter.Allow(req.SourceIP); !ok {
		seconds := int(retryAfter.Seconds()) + 1
		m.auditRejected(req, "rate limited")
		return nil, amberrors.New(amberrors.KindRateLimited, "rate limited, retry in %d seconds", seconds)
	}

	client, err := m.validateKey(ctx, req.PresharedKey)
	if err != nil {
		m.limiter.RecordFailure(req.SourceIP)
		m.normalizeTiming()
		m.auditRejected(req, "invalid credentials")
		return nil, err
	}
	m.limiter.RecordSuccess(req.SourceIP)

	existing, err := m.store.FindReusableSession(ctx, client.UserID, client.ClientID)
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if existing != nil && existing.Reusable() {
		if existing.ProfileID != client.ProfileID {
			// Neither profile id may leak into the message.
			return nil, amberrors.New(amberrors.KindConflict,
				"session profile no longer matches the key's profile").
				WithDetails(map[string]any{"code": "profile_mismatch"})
		}
		return m.reuseSession(ctx, req, client, existing)
	}
	return m.newSession(ctx, req, client)
}

// validateKey resolves the preshared key to an active client. Every
// failure path returns the same opaque unauthorized error.
func (m *Manager) validateKey(ctx context.Context, rawKey string) (*ambassador.Client, error) {
	invalid := amberrors.New(amberrors.KindUnauthorized, "invalid credentials")

	_, keyPrefix, err := ParseKey(rawKey, PresharedKeyPrefix)
	if err != nil {
		return nil, invalid
	}

	candidates, err := m.clients.ListClientsByKeyPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing key candidates: %w", err)
	}
	now := m.now()
	for i := range candidates {
		c := &candidates[i]
		if c.Status != ambassador.ClientActive || c.Expired(now) {
			continue
		}
		// Hash mismatch falls through to the next candidate.
		if VerifyKey(rawKey, c.KeyHash) {
			return c, nil
		}
	}
	return nil, invalid
}

func (m *Manager) reuseSession(ctx context.Context, req RegisterRequest, client *ambassador.Client, sess *ambassador.Session) (*RegisterResponse, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	token, tokenHash := m.mintToken(sess.SessionID, nonce)

	now := m.now()
	oldHash := sess.TokenHash
	sess.Nonce = nonce
	sess.TokenHash = tokenHash
	sess.Status = ambassador.SessionActive
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(m.ttl)
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	// The superseded token must stop verifying immediately.
	m.verified.Remove(oldHash)

	rec, err := m.recordConnection(ctx, req, sess.SessionID)
	if err != nil {
		return nil, err
	}

	m.auditRegistered(req, sess, client, true)
	return &RegisterResponse{
		SessionID:    sess.SessionID,
		SessionToken: token,
		ProfileID:    sess.ProfileID,
		ConnectionID: rec.ConnectionID,
		ExpiresAt:    sess.ExpiresAt,
		Reused:       true,
	}, nil
}

func (m *Manager) newSession(ctx context.Context, req RegisterRequest, client *ambassador.Client) (*RegisterResponse, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	sessionID := uuid.NewString()
	token, tokenHash := m.mintToken(sessionID, nonce)

	now := m.now()
	sess := &ambassador.Session{
		SessionID:      sessionID,
		UserID:         client.UserID,
		ProfileID:      client.ProfileID,
		TokenHash:      tokenHash,
		Nonce:          nonce,
		Status:         ambassador.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.ttl),
		Metadata:       map[string]string{ambassador.MetadataKeyClientID: client.ClientID},
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	rec, err := m.recordConnection(ctx, req, sessionID)
	if err != nil {
		return nil, err
	}

	m.auditRegistered(req, sess, client, false)
	return &RegisterResponse{
		SessionID:    sessionID,
		SessionToken: token,
		ProfileID:    client.ProfileID,
		ConnectionID: rec.ConnectionID,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

func (m *Manager) recordConnection(ctx context.Context, req RegisterRequest, sessionID string) (*ambassador.ConnectionRecord, error) {
	rec := &ambassador.ConnectionRecord{
		ConnectionID: uuid.NewString(),
		SessionID:    sessionID,
		FriendlyName: req.FriendlyName,
		HostTool:     req.HostTool,
		SourceIPHash: m.hashIP(req.SourceIP),
		CreatedAt:    m.now(),
	}
	if err := m.store.CreateConnection(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording connection: %w", err)
	}
	return rec, nil
}

// Verify resolves a bearer token to its session context.
func (m *Manager) Verify(ctx context.Context, rawToken string) (*ambassador.SessionContext, error) {
	invalid := amberrors.New(amberrors.KindUnauthorized, "invalid token")

	mac, err := ParseToken(rawToken)
	if err != nil {
		return nil, invalid
	}
	tokenHash := hex.EncodeToString(mac)

	if cached, ok := m.verified.Get(tokenHash); ok {
		now := m.now()
		switch {
		case now.After(cached.at.Add(verifiedTTL)):
			// Stale entry; fall through to the store.
			m.verified.Remove(tokenHash)
		case now.Before(cached.sc.ExpiresAt):
			return &cached.sc, nil
		default:
			m.verified.Remove(tokenHash)
			return nil, amberrors.New(amberrors.KindUnauthorized, "session expired")
		}
	}

	sess, err := m.store.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if sess == nil {
		return nil, invalid
	}
	switch sess.Status {
	case ambassador.SessionActive, ambassador.SessionIdle:
	default:
		return nil, invalid
	}

	m.secretMu.RLock()
	secret := m.secret
	m.secretMu.RUnlock()
	if !VerifyTokenMAC(secret, sess.SessionID, sess.Nonce, mac) {
		return nil, invalid
	}
	if m.now().After(sess.ExpiresAt) {
		return nil, amberrors.New(amberrors.KindUnauthorized, "session expired")
	}

	sc := ambassador.SessionContext{
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		ClientID:  sess.ClientID(),
		ProfileID: sess.ProfileID,
		ExpiresAt: sess.ExpiresAt,
	}
	if rec, err := m.store.LatestConnection(ctx, sess.SessionID); err == nil && rec != nil {
		sc.ConnectionID = rec.ConnectionID
	}

	// Best-effort activity bookkeeping.
	sess.LastActivityAt = m.now()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		logger.Debugf("updating session activity: %v", err)
	}

	m.verified.Add(tokenHash, verifiedEntry{sc: sc, at: m.now()})
	return &sc, nil
}

// RotateSecret installs a freshly persisted server secret. All previously
// minted tokens stop verifying immediately.
func (m *Manager) RotateSecret(dataDir string) error {
	secret, err := RotateServerSecret(dataDir)
	if err != nil {
		return err
	}
	m.secretMu.Lock()
	m.secret = secret
	m.secretMu.Unlock()
	m.verified.Purge()

	event := audit.NewEvent(audit.EventTypeSecretRotated, audit.SeverityWarn)
	event.Action = "secret/rotate"
	event.ResponseSummary = "session HMAC secret rotated, all tokens invalidated"
	m.auditor.Emit(event)
	return nil
}

func (m *Manager) mintToken(sessionID string, nonce []byte) (token, tokenHash string) {
	m.secretMu.RLock()
	defer m.secretMu.RUnlock()
	return GenerateToken(m.secret, sessionID, nonce)
}

// normalizeTiming sleeps uniformly in [0, 200ms) so failure latency does
// not reveal which validation step rejected the key.
func (m *Manager) normalizeTiming() {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxFailureDelay)))
	if err != nil {
		m.sleep(maxFailureDelay)
		return
	}
	m.sleep(time.Duration(n.Int64()))
}

func (m *Manager) hashIP(ip string) string {
	if ip == "" {
		return ""
	}
	h := sha256.New()
	h.Write(m.ipSalt)
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Manager) auditRegistered(req RegisterRequest, sess *ambassador.Session, client *ambassador.Client, reused bool) {
	event := audit.NewEvent(audit.EventTypeSessionRegistered, audit.SeverityInfo)
	event.SessionID = sess.SessionID
	event.UserID = sess.UserID
	event.ClientID = client.ClientID
	event.SourceIPHash = m.hashIP(req.SourceIP)
	event.Action = "sessions/register"
	event.RequestSummary = fmt.Sprintf("host_tool=%s reused=%t", req.HostTool, reused)
	m.auditor.Emit(event)
}

func (m *Manager) auditRejected(req RegisterRequest, reason string) {
	event := audit.NewEvent(audit.EventTypeSessionRejected, audit.SeverityWarn)
	event.SourceIPHash = m.hashIP(req.SourceIP)
	event.Action = "sessions/register"
	event.ResponseSummary = reason
	m.auditor.Emit(event)
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, nil
}
