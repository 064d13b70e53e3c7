package proxy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/backend"
	"github.com/mcp-ambassador/ambassador/pkg/catalog"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// Shared manager restart policy defaults.
const (
	DefaultRestartInitialDelay = 2 * time.Second
	DefaultMaxRestartAttempts  = 5
)

// managedConn pairs a connection with the entry it was built from.
type managedConn struct {
	entry       ambassador.CatalogEntry
	fingerprint string
	conn        backend.Connection
}

// SharedManager owns one connection per shared-mode backend. Writes to the
// table are serialized; reads take the read lock only.
type SharedManager struct {
	mu    sync.RWMutex
	conns map[string]*managedConn

	restartMu  sync.Mutex
	restarting map[string]bool

	restartInitialDelay time.Duration
	maxRestartAttempts  uint
}

// ManagerOption customizes a SharedManager.
type ManagerOption func(*SharedManager)

// WithRestartInitialDelay sets the supervisor's first retry delay.
func WithRestartInitialDelay(d time.Duration) ManagerOption {
	return func(m *SharedManager) { m.restartInitialDelay = d }
}

// WithMaxRestartAttempts bounds supervisor restart attempts per failure.
func WithMaxRestartAttempts(n uint) ManagerOption {
	return func(m *SharedManager) { m.maxRestartAttempts = n }
}

// NewSharedManager creates an empty manager.
func NewSharedManager(opts ...ManagerOption) *SharedManager {
	m := &SharedManager{
		conns:               make(map[string]*managedConn),
		restarting:          make(map[string]bool),
		restartInitialDelay: DefaultRestartInitialDelay,
		maxRestartAttempts:  DefaultMaxRestartAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartAll adds and starts every entry concurrently. A backend that fails
// to start stays in the table unhealthy; the supervisor keeps retrying it.
// The manager itself never aborts.
func (m *SharedManager) StartAll(ctx context.Context, entries []ambassador.CatalogEntry) {
	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		g.Go(func() error {
			if err := m.AddBackend(ctx, entry); err != nil {
				logger.Errorf("starting shared backend %s: %v", entry.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// AddBackend creates, registers and starts a connection for the entry. On
// start failure the connection is kept registered in its failed state and
// handed to the restart supervisor.
func (m *SharedManager) AddBackend(ctx context.Context, entry ambassador.CatalogEntry) error {
	conn, err := newConnection(entry, nil, m.onConnFailure)
	if err != nil {
		return err
	}

	mc := &managedConn{entry: entry, fingerprint: catalog.Fingerprint(entry), conn: conn}
	m.mu.Lock()
	if _, exists := m.conns[entry.Name]; exists {
		m.mu.Unlock()
		_ = conn.Stop(ctx)
		return amberrors.New(amberrors.KindConflict, "backend %s already registered", entry.Name)
	}
	m.conns[entry.Name] = mc
	m.mu.Unlock()

	if err := conn.Start(ctx); err != nil {
		m.scheduleRestart(entry.Name)
		return err
	}
	return nil
}

// UpdateBackend replaces the connection behind a name with one built from
// the new entry. The new connection starts before the old one stops, so
// the name stays addressable. On start failure the old connection is kept.
func (m *SharedManager) UpdateBackend(ctx context.Context, entry ambassador.CatalogEntry) error {
	next, err := newConnection(entry, nil, m.onConnFailure)
	if err != nil {
		return err
	}
	if err := next.Start(ctx); err != nil {
		_ = next.Stop(ctx)
		return err
	}

	m.mu.Lock()
	prev, ok := m.conns[entry.Name]
	m.conns[entry.Name] = &managedConn{entry: entry, fingerprint: catalog.Fingerprint(entry), conn: next}
	m.mu.Unlock()

	if ok {
		if err := prev.conn.Stop(ctx); err != nil {
			logger.Warnf("stopping replaced backend %s: %v", entry.Name, err)
		}
	}
	return nil
}

// RemoveBackend stops and drops the named connection.
func (m *SharedManager) RemoveBackend(ctx context.Context, name string) error {
	m.mu.Lock()
	mc, ok := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()

	if !ok {
		return amberrors.New(amberrors.KindNotFound, "backend %s not found", name)
	}
	return mc.conn.Stop(ctx)
}

// Restart stops then starts the named connection.
func (m *SharedManager) Restart(ctx context.Context, name string) error {
	m.mu.RLock()
	mc, ok := m.conns[name]
	m.mu.RUnlock()
	if !ok {
		return amberrors.New(amberrors.KindNotFound, "backend %s not found", name)
	}

	if err := mc.conn.Stop(ctx); err != nil {
		logger.Warnf("restart %s: stop: %v", name, err)
	}
	return mc.conn.Start(ctx)
}

// Get returns the named connection.
func (m *SharedManager) Get(name string) (backend.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.conns[name]
	if !ok {
		return nil, false
	}
	return mc.conn, true
}

// Names returns the registered backend names, sorted.
func (m *SharedManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregatedTools returns every running backend's tools, each tagged with
// its backend name as the namespace.
func (m *SharedManager) AggregatedTools() []ambassador.ToolDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ambassador.ToolDescriptor
	for name, mc := range m.conns {
		if mc.conn.State() != backend.StateRunning {
			continue
		}
		for _, tool := range mc.conn.Tools() {
			tool.SourceMCP = name
			out = append(out, tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName() < out[j].QualifiedName() })
	return out
}

// RunningFingerprints implements catalog.SharedApplier.
func (m *SharedManager) RunningFingerprints() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.conns))
	for name, mc := range m.conns {
		out[name] = mc.fingerprint
	}
	return out
}

// StatusSummary probes every connection.
func (m *SharedManager) StatusSummary(ctx context.Context) map[string]backend.Health {
	m.mu.RLock()
	conns := make(map[string]backend.Connection, len(m.conns))
	for name, mc := range m.conns {
		conns[name] = mc.conn
	}
	m.mu.RUnlock()

	out := make(map[string]backend.Health, len(conns))
	for name, conn := range conns {
		out[name] = conn.HealthCheck(ctx)
	}
	return out
}

// HealthDetails returns redacted diagnostics for every connection, sorted
// by name.
func (m *SharedManager) HealthDetails() []backend.HealthDetail {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]backend.HealthDetail, 0, len(m.conns))
	for _, mc := range m.conns {
		out = append(out, mc.conn.HealthDetail())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopAll stops every connection concurrently.
func (m *SharedManager) StopAll(ctx context.Context) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*managedConn)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, mc := range conns {
		g.Go(func() error {
			if err := mc.conn.Stop(ctx); err != nil {
				logger.Warnf("stopping backend %s: %v", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// onConnFailure is the FailureHandler wired into every shared connection.
func (m *SharedManager) onConnFailure(name string, err error) {
	logger.Warnf("shared backend %s failed: %v", name, err)
	m.scheduleRestart(name)
}

// scheduleRestart launches one supervisor per failed backend.
func (m *SharedManager) scheduleRestart(name string) {
	m.restartMu.Lock()
	if m.restarting[name] {
		m.restartMu.Unlock()
		return
	}
	m.restarting[name] = true
	m.restartMu.Unlock()

	go func() {
		defer func() {
			m.restartMu.Lock()
			delete(m.restarting, name)
			m.restartMu.Unlock()
		}()
		m.superviseRestart(name)
	}()
}

var errBackendGone = errors.New("backend removed during restart")

func (m *SharedManager) superviseRestart(name string) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = m.restartInitialDelay

	operation := func() (struct{}, error) {
		m.mu.RLock()
		mc, ok := m.conns[name]
		m.mu.RUnlock()
		if !ok {
			return struct{}{}, backoff.Permanent(errBackendGone)
		}

		ctx, cancel := context.WithTimeout(context.Background(), backend.DefaultStartupTimeout)
		defer cancel()
		_ = mc.conn.Stop(ctx)
		if err := mc.conn.Start(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(m.maxRestartAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warnf("backend %s restart failed, retrying in %v: %v", name, wait, err)
		}),
	)
	switch {
	case errors.Is(err, errBackendGone):
		logger.Debugf("backend %s removed before restart completed", name)
	case err != nil:
		logger.Errorf("backend %s stayed unhealthy after %d restart attempts: %v",
			name, m.maxRestartAttempts, err)
	default:
		logger.Infof("backend %s recovered after restart", name)
	}
}
