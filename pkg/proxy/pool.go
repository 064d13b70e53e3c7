package proxy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/backend"
	"github.com/mcp-ambassador/ambassador/pkg/catalog"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/vault"
)

// Per-user pool defaults.
const (
	DefaultMaxPerUser  = 5
	DefaultMaxTotal    = 50
	DefaultIdleTimeout = 15 * time.Minute
	DefaultReapTick    = time.Minute
)

// CredentialSource decrypts the stored credential map for one (user,
// backend) pair. vault.ErrNoCredentials when no entry exists.
type CredentialSource interface {
	CredentialsFor(ctx context.Context, userID, mcpID string) (map[string]string, error)
}

type poolKey struct {
	userID string
	mcpID  string
}

// poolInstance is one live per-user connection. ready is closed once the
// spawn attempt finishes, successfully or not.
type poolInstance struct {
	userID      string
	entry       ambassador.CatalogEntry
	fingerprint string

	ready    chan struct{}
	conn     backend.Connection
	startErr error

	spawnedAt    time.Time
	lastUsed     time.Time
	spinningDown bool
}

// InstanceStatus is admin observability for one pooled connection.
type InstanceStatus struct {
	UserID    string    `json:"user_id"`
	Backend   string    `json:"backend"`
	MCPID     string    `json:"mcp_id"`
	State     string    `json:"state"`
	SpawnedAt time.Time `json:"spawned_at"`
	Connected bool      `json:"connected"`
	ToolCount int       `json:"tool_count"`
}

// PerUserPool lazily spawns one connection per (user, backend) pair for
// backends in per_user isolation. The capacity check and the reservation
// happen inside one critical section, so concurrent invocations cannot
// breach the caps.
type PerUserPool struct {
	mu        sync.Mutex
	configs   map[string]ambassador.CatalogEntry
	instances map[poolKey]*poolInstance
	perUser   map[string]int

	creds       CredentialSource
	maxPerUser  int
	maxTotal    int
	idleTimeout time.Duration
	reapTick    time.Duration

	// newConn builds connections; overridable in tests.
	newConn func(ambassador.CatalogEntry, map[string]string, backend.FailureHandler) (backend.Connection, error)
}

// PoolOption customizes a PerUserPool.
type PoolOption func(*PerUserPool)

// WithMaxPerUser caps live instances per user.
func WithMaxPerUser(n int) PoolOption {
	return func(p *PerUserPool) { p.maxPerUser = n }
}

// WithMaxTotal caps live instances across all users.
func WithMaxTotal(n int) PoolOption {
	return func(p *PerUserPool) { p.maxTotal = n }
}

// WithIdleTimeout sets how long an instance may sit unused.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *PerUserPool) { p.idleTimeout = d }
}

// WithReapTick sets the reaper interval.
func WithReapTick(d time.Duration) PoolOption {
	return func(p *PerUserPool) { p.reapTick = d }
}

// NewPerUserPool creates an empty pool.
func NewPerUserPool(creds CredentialSource, opts ...PoolOption) *PerUserPool {
	p := &PerUserPool{
		configs:     make(map[string]ambassador.CatalogEntry),
		instances:   make(map[poolKey]*poolInstance),
		perUser:     make(map[string]int),
		creds:       creds,
		maxPerUser:  DefaultMaxPerUser,
		maxTotal:    DefaultMaxTotal,
		idleTimeout: DefaultIdleTimeout,
		reapTick:    DefaultReapTick,
		newConn:     newConnection,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the live connection for (userID, entry), spawning one if
// needed. At most one live instance exists per key.
func (p *PerUserPool) Acquire(ctx context.Context, userID string, entry ambassador.CatalogEntry) (backend.Connection, error) {
	key := poolKey{userID: userID, mcpID: entry.MCPID}
	wantFP := catalog.Fingerprint(entry)

	for {
		p.mu.Lock()
		inst, ok := p.instances[key]
		if ok {
			p.mu.Unlock()
			conn, err := p.await(ctx, key, inst, wantFP)
			if err != nil {
				return nil, err
			}
			if conn != nil {
				return conn, nil
			}
			// Stale or failed instance was evicted; spawn a fresh one.
			continue
		}

		if p.perUser[userID] >= p.maxPerUser {
			p.mu.Unlock()
			return nil, amberrors.New(amberrors.KindCapacityExceeded,
				"per-user backend instance limit (%d) reached", p.maxPerUser)
		}
		if len(p.instances) >= p.maxTotal {
			p.mu.Unlock()
			return nil, amberrors.New(amberrors.KindCapacityExceeded,
				"global backend instance limit (%d) reached", p.maxTotal)
		}

		inst = &poolInstance{
			userID:      userID,
			entry:       entry,
			fingerprint: wantFP,
			ready:       make(chan struct{}),
			spawnedAt:   time.Now(),
			lastUsed:    time.Now(),
		}
		p.instances[key] = inst
		p.perUser[userID]++
		p.mu.Unlock()

		return p.spawn(ctx, key, inst)
	}
}

// await waits for an existing instance to finish spawning and validates it
// against the wanted fingerprint. A nil, nil return means the instance was
// evicted and the caller should retry.
func (p *PerUserPool) await(ctx context.Context, key poolKey, inst *poolInstance, wantFP string) (backend.Connection, error) {
	select {
	case <-inst.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instances[key] != inst {
		return nil, nil
	}
	if inst.startErr != nil || inst.conn.State() != backend.StateRunning || inst.fingerprint != wantFP {
		p.evictLocked(key, inst)
		return nil, nil
	}
	inst.lastUsed = time.Now()
	inst.spinningDown = false
	return inst.conn, nil
}

// spawn decrypts credentials, builds and starts the reserved instance.
func (p *PerUserPool) spawn(ctx context.Context, key poolKey, inst *poolInstance) (backend.Connection, error) {
	fail := func(err error) (backend.Connection, error) {
		inst.startErr = err
		p.mu.Lock()
		p.evictLocked(key, inst)
		p.mu.Unlock()
		close(inst.ready)
		return nil, err
	}

	creds, err := p.creds.CredentialsFor(ctx, key.userID, key.mcpID)
	if err != nil {
		if errors.Is(err, vault.ErrNoCredentials) {
			return fail(amberrors.New(amberrors.KindValidation,
				"no credentials stored for backend %s", inst.entry.Name))
		}
		return fail(err)
	}

	conn, err := p.newConn(inst.entry, creds, p.onInstanceFailure(key))
	if err != nil {
		return fail(err)
	}
	if err := conn.Start(ctx); err != nil {
		return fail(err)
	}

	p.mu.Lock()
	// The reservation may have been evicted while the connection was
	// starting (user terminated, credentials invalidated). A connection
	// the pool no longer tracks must not be handed out.
	if p.instances[key] != inst {
		p.mu.Unlock()
		inst.startErr = amberrors.New(amberrors.KindCanceled,
			"backend %s instance terminated while starting", inst.entry.Name)
		close(inst.ready)
		p.stopAsync(conn)
		return nil, inst.startErr
	}
	inst.conn = conn
	inst.lastUsed = time.Now()
	p.mu.Unlock()
	close(inst.ready)

	logger.Infow("per-user backend spawned", "backend", inst.entry.Name, "user_id", key.userID)
	return conn, nil
}

// onInstanceFailure evicts a failed instance; the next invocation respawns
// it with fresh credentials.
func (p *PerUserPool) onInstanceFailure(key poolKey) backend.FailureHandler {
	return func(name string, err error) {
		logger.Warnf("per-user backend %s for user %s failed: %v", name, key.userID, err)
		p.mu.Lock()
		inst, ok := p.instances[key]
		if ok {
			p.evictLocked(key, inst)
		}
		p.mu.Unlock()
		if ok && inst.conn != nil {
			p.stopAsync(inst.conn)
		}
	}
}

// evictLocked removes the instance from the maps. Callers stop the
// connection outside the lock.
func (p *PerUserPool) evictLocked(key poolKey, inst *poolInstance) {
	if p.instances[key] != inst {
		return
	}
	delete(p.instances, key)
	p.perUser[inst.userID]--
	if p.perUser[inst.userID] <= 0 {
		delete(p.perUser, inst.userID)
	}
}

func (p *PerUserPool) stopAsync(conn backend.Connection) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backend.StopGracePeriod*2)
		defer cancel()
		if err := conn.Stop(ctx); err != nil {
			logger.Warnf("stopping per-user backend %s: %v", conn.Name(), err)
		}
	}()
}

// TerminateForUser stops every instance owned by the user and returns how
// many were terminated.
func (p *PerUserPool) TerminateForUser(userID string) int {
	var victims []*poolInstance
	p.mu.Lock()
	for key, inst := range p.instances {
		if key.userID == userID {
			p.evictLocked(key, inst)
			victims = append(victims, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range victims {
		if inst.conn != nil {
			p.stopAsync(inst.conn)
		}
	}
	return len(victims)
}

// InvalidateCredentials terminates the instance for (userID, mcpID) so the
// next spawn picks up the new secrets.
func (p *PerUserPool) InvalidateCredentials(userID, mcpID string) {
	key := poolKey{userID: userID, mcpID: mcpID}
	p.mu.Lock()
	inst, ok := p.instances[key]
	if ok {
		p.evictLocked(key, inst)
	}
	p.mu.Unlock()
	if ok && inst.conn != nil {
		p.stopAsync(inst.conn)
	}
}

// SetConfigs implements catalog.PerUserApplier. Instances whose config
// disappeared or changed are terminated lazily by the reaper or replaced
// on the next Acquire.
func (p *PerUserPool) SetConfigs(entries map[string]ambassador.CatalogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = entries
}

// ConfiguredFingerprints implements catalog.PerUserApplier.
func (p *PerUserPool) ConfiguredFingerprints() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.configs))
	for name, entry := range p.configs {
		out[name] = catalog.Fingerprint(entry)
	}
	return out
}

// Config returns the pool's desired config for a backend name.
func (p *PerUserPool) Config(name string) (ambassador.CatalogEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.configs[name]
	return entry, ok
}

// Run reaps idle and obsolete instances until ctx is done, then stops
// everything.
func (p *PerUserPool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.reapTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reap()
		case <-ctx.Done():
			p.shutdown()
			return
		}
	}
}

// reap marks idle instances as spinning down on one pass and stops them on
// the next, so a burst of use in between rescues them. Instances whose
// config was removed or changed are marked immediately.
func (p *PerUserPool) reap() {
	now := time.Now()
	var victims []*poolInstance

	p.mu.Lock()
	for key, inst := range p.instances {
		if inst.conn == nil {
			continue
		}
		current, configured := p.configs[inst.entry.Name]
		obsolete := !configured || catalog.Fingerprint(current) != inst.fingerprint
		idle := now.Sub(inst.lastUsed) > p.idleTimeout

		switch {
		case inst.spinningDown:
			p.evictLocked(key, inst)
			victims = append(victims, inst)
		case idle || obsolete:
			inst.spinningDown = true
		}
	}
	p.mu.Unlock()

	for _, inst := range victims {
		logger.Debugw("reaping per-user backend", "backend", inst.entry.Name, "user_id", inst.userID)
		p.stopAsync(inst.conn)
	}
}

func (p *PerUserPool) shutdown() {
	p.mu.Lock()
	var conns []backend.Connection
	for key, inst := range p.instances {
		p.evictLocked(key, inst)
		if inst.conn != nil {
			conns = append(conns, inst.conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), backend.StopGracePeriod*2)
		if err := conn.Stop(ctx); err != nil {
			logger.Warnf("stopping per-user backend %s: %v", conn.Name(), err)
		}
		cancel()
	}
}

// Statuses returns admin observability for every live instance, sorted by
// user then backend.
func (p *PerUserPool) Statuses() []InstanceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]InstanceStatus, 0, len(p.instances))
	for key, inst := range p.instances {
		st := InstanceStatus{
			UserID:    key.userID,
			MCPID:     key.mcpID,
			Backend:   inst.entry.Name,
			SpawnedAt: inst.spawnedAt,
			State:     "starting",
		}
		if inst.conn != nil {
			st.State = inst.conn.State().String()
			st.Connected = inst.conn.State() == backend.StateRunning
			st.ToolCount = len(inst.conn.Tools())
		}
		if inst.spinningDown {
			st.State = "spinning_down"
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Backend < out[j].Backend
	})
	return out
}

// Live returns the number of live instances.
func (p *PerUserPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}
