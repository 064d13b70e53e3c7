package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/backend"
	"github.com/mcp-ambassador/ambassador/pkg/vault"
)

// fakeBackend is a minimal streamable HTTP MCP peer.
type fakeBackend struct {
	*httptest.Server

	tools       []string
	initializes atomic.Int32
	calls       atomic.Int32

	mu         sync.Mutex
	lastHeader http.Header
}

func newFakeBackend(tools ...string) *fakeBackend {
	if len(tools) == 0 {
		tools = []string{"search_code"}
	}
	f := &fakeBackend{tools: tools}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lastHeader = r.Header.Clone()
	f.mu.Unlock()

	var msg struct {
		ID     *uint64        `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if msg.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch msg.Method {
	case "initialize":
		f.initializes.Add(1)
		result = map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake", "version": "0.0.1"},
		}
	case "tools/list":
		list := make([]map[string]any, 0, len(f.tools))
		for _, name := range f.tools {
			list = append(list, map[string]any{"name": name})
		}
		result = map[string]any{"tools": list}
	case "tools/call":
		f.calls.Add(1)
		result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
			"isError": false,
		}
	case "ping":
		result = map[string]any{}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": result})
}

func (f *fakeBackend) header(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeader.Get(name)
}

func httpEntry(name, url string, isolation ambassador.IsolationMode) ambassador.CatalogEntry {
	return ambassador.CatalogEntry{
		MCPID:         "mcp-" + name,
		Name:          name,
		Transport:     ambassador.TransportHTTP,
		IsolationMode: isolation,
		Status:        ambassador.EntryPublished,
		HTTP:          &ambassador.HTTPConfig{URLTemplate: url},
	}
}

type fakeCreds struct {
	mu    sync.Mutex
	creds map[string]map[string]string
	calls int
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{creds: make(map[string]map[string]string)}
}

func (f *fakeCreds) set(userID, mcpID string, creds map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[userID+"/"+mcpID] = creds
}

func (f *fakeCreds) CredentialsFor(_ context.Context, userID, mcpID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	creds, ok := f.creds[userID+"/"+mcpID]
	if !ok {
		return nil, vault.ErrNoCredentials
	}
	return creds, nil
}

func TestSharedManagerStartAllAndAggregation(t *testing.T) {
	t.Parallel()

	github := newFakeBackend("search_code", "get_file")
	defer github.Close()
	jira := newFakeBackend("create_issue")
	defer jira.Close()

	m := NewSharedManager()
	defer m.StopAll(context.Background())
	m.StartAll(t.Context(), []ambassador.CatalogEntry{
		httpEntry("github", github.URL, ambassador.IsolationShared),
		httpEntry("jira", jira.URL, ambassador.IsolationShared),
	})

	assert.Equal(t, []string{"github", "jira"}, m.Names())

	tools := m.AggregatedTools()
	require.Len(t, tools, 3)
	assert.Equal(t, "github.get_file", tools[0].QualifiedName())
	assert.Equal(t, "github.search_code", tools[1].QualifiedName())
	assert.Equal(t, "jira.create_issue", tools[2].QualifiedName())

	fps := m.RunningFingerprints()
	assert.Len(t, fps, 2)
	assert.NotEmpty(t, fps["github"])
}

func TestSharedManagerRestart(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()

	m := NewSharedManager()
	defer m.StopAll(context.Background())
	require.NoError(t, m.AddBackend(t.Context(), httpEntry("github", srv.URL, ambassador.IsolationShared)))

	require.NoError(t, m.Restart(t.Context(), "github"))
	assert.GreaterOrEqual(t, srv.initializes.Load(), int32(2))

	err := m.Restart(t.Context(), "nope")
	assert.True(t, amberrors.IsKind(err, amberrors.KindNotFound))
}

func TestSharedManagerUpdateKeepsNameAddressable(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()
	next := newFakeBackend("search_code", "new_tool")
	defer next.Close()

	m := NewSharedManager()
	defer m.StopAll(context.Background())
	require.NoError(t, m.AddBackend(t.Context(), httpEntry("github", srv.URL, ambassador.IsolationShared)))
	before := m.RunningFingerprints()["github"]

	require.NoError(t, m.UpdateBackend(t.Context(), httpEntry("github", next.URL, ambassador.IsolationShared)))

	conn, ok := m.Get("github")
	require.True(t, ok)
	assert.Equal(t, backend.StateRunning, conn.State())
	assert.Len(t, conn.Tools(), 2)
	assert.NotEqual(t, before, m.RunningFingerprints()["github"])
}

func TestPoolSpawnsWithInjectedCredentials(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()

	creds := newFakeCreds()
	creds.set("u1", "mcp-github", map[string]string{"Authorization": "Bearer ghp_usertoken"})

	p := NewPerUserPool(creds)
	entry := httpEntry("github", srv.URL, ambassador.IsolationPerUser)

	conn, err := p.Acquire(t.Context(), "u1", entry)
	require.NoError(t, err)
	assert.Equal(t, backend.StateRunning, conn.State())
	assert.Equal(t, "Bearer ghp_usertoken", srv.header("Authorization"))
	assert.Equal(t, 1, p.Live())
}

func TestPoolCredentialsMissing(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()

	p := NewPerUserPool(newFakeCreds())
	_, err := p.Acquire(t.Context(), "u1", httpEntry("github", srv.URL, ambassador.IsolationPerUser))
	require.Error(t, err)
	assert.True(t, amberrors.IsKind(err, amberrors.KindValidation))
	assert.Zero(t, p.Live())
}

func TestPoolSingleInstancePerKey(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()

	creds := newFakeCreds()
	creds.set("u1", "mcp-github", map[string]string{})
	p := NewPerUserPool(creds)
	entry := httpEntry("github", srv.URL, ambassador.IsolationPerUser)

	var wg sync.WaitGroup
	conns := make([]backend.Connection, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = p.Acquire(t.Context(), "u1", entry)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), srv.initializes.Load())
	assert.Equal(t, 1, p.Live())
	for _, conn := range conns[1:] {
		assert.Same(t, conns[0], conn)
	}
}

func TestPoolCapacityLimits(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()

	creds := newFakeCreds()
	for _, user := range []string{"u1", "u2", "u3"} {
		creds.set(user, "mcp-github", map[string]string{})
		creds.set(user, "mcp-jira", map[string]string{})
	}

	p := NewPerUserPool(creds, WithMaxPerUser(1), WithMaxTotal(2))
	github := httpEntry("github", srv.URL, ambassador.IsolationPerUser)
	jira := httpEntry("jira", srv.URL, ambassador.IsolationPerUser)

	_, err := p.Acquire(t.Context(), "u1", github)
	require.NoError(t, err)

	// Per-user cap.
	_, err = p.Acquire(t.Context(), "u1", jira)
	require.Error(t, err)
	assert.True(t, amberrors.IsKind(err, amberrors.KindCapacityExceeded))

	_, err = p.Acquire(t.Context(), "u2", github)
	require.NoError(t, err)

	// Global cap.
	_, err = p.Acquire(t.Context(), "u3", github)
	require.Error(t, err)
	assert.True(t, amberrors.IsKind(err, amberrors.KindCapacityExceeded))
}

func TestPoolTerminateForUser(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()

	creds := newFakeCreds()
	creds.set("u1", "mcp-github", map[string]string{})
	creds.set("u1", "mcp-jira", map[string]string{})
	creds.set("u2", "mcp-github", map[string]string{})
	p := NewPerUserPool(creds)

	for _, name := range []string{"github", "jira"} {
		_, err := p.Acquire(t.Context(), "u1", httpEntry(name, srv.URL, ambassador.IsolationPerUser))
		require.NoError(t, err)
	}
	_, err := p.Acquire(t.Context(), "u2", httpEntry("github", srv.URL, ambassador.IsolationPerUser))
	require.NoError(t, err)

	assert.Equal(t, 2, p.TerminateForUser("u1"))
	assert.Equal(t, 1, p.Live())
}

func TestPoolCredentialChangeForcesRespawn(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()

	creds := newFakeCreds()
	creds.set("u1", "mcp-github", map[string]string{"Authorization": "old"})
	p := NewPerUserPool(creds)
	entry := httpEntry("github", srv.URL, ambassador.IsolationPerUser)

	first, err := p.Acquire(t.Context(), "u1", entry)
	require.NoError(t, err)

	creds.set("u1", "mcp-github", map[string]string{"Authorization": "new"})
	p.InvalidateCredentials("u1", "mcp-github")
	assert.Zero(t, p.Live())

	second, err := p.Acquire(t.Context(), "u1", entry)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, "new", srv.header("Authorization"))
}

func TestPoolSpawnLosesRaceWithTermination(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()

	creds := newFakeCreds()
	creds.set("u1", "mcp-github", map[string]string{})
	p := NewPerUserPool(creds)

	entered := make(chan struct{})
	release := make(chan struct{})
	var conn backend.Connection
	orig := p.newConn
	p.newConn = func(entry ambassador.CatalogEntry, creds map[string]string, onFailure backend.FailureHandler) (backend.Connection, error) {
		close(entered)
		<-release
		c, err := orig(entry, creds, onFailure)
		conn = c
		return c, err
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(t.Context(), "u1", httpEntry("github", srv.URL, ambassador.IsolationPerUser))
		errCh <- err
	}()

	// The user is terminated while the spawn is mid-flight; its
	// reservation has no connection to stop yet.
	<-entered
	assert.Equal(t, 1, p.TerminateForUser("u1"))
	close(release)

	err := <-errCh
	require.Error(t, err)
	assert.True(t, amberrors.IsKind(err, amberrors.KindCanceled))
	assert.Zero(t, p.Live())

	// The orphaned connection is stopped rather than leaked.
	require.NotNil(t, conn)
	assert.Eventually(t, func() bool {
		return conn.State() == backend.StateStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolReapsIdleInstancesThroughSpinningDown(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend()
	defer srv.Close()

	creds := newFakeCreds()
	creds.set("u1", "mcp-github", map[string]string{})
	p := NewPerUserPool(creds, WithIdleTimeout(10*time.Millisecond))
	entry := httpEntry("github", srv.URL, ambassador.IsolationPerUser)

	_, err := p.Acquire(t.Context(), "u1", entry)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	p.reap()
	statuses := p.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "spinning_down", statuses[0].State)

	p.reap()
	assert.Zero(t, p.Live())
}

func TestTranslateBackendError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   error
		want amberrors.Kind
	}{
		{backend.ErrTimeout, amberrors.KindTimeout},
		{backend.ErrCanceled, amberrors.KindCanceled},
		{backend.ErrOverloaded, amberrors.KindOverloaded},
		{backend.ErrResponseTooLarge, amberrors.KindResponseTooLarge},
		{backend.ErrPeer, amberrors.KindPeerError},
		{backend.ErrProtocol, amberrors.KindPeerError},
		{backend.ErrNotRunning, amberrors.KindPeerError},
		{assert.AnError, amberrors.KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, amberrors.KindOf(translateBackendError(tc.in)), "input %v", tc.in)
	}

	// Typed errors pass through unchanged.
	typed := amberrors.New(amberrors.KindCapacityExceeded, "full")
	assert.Equal(t, amberrors.KindCapacityExceeded, amberrors.KindOf(translateBackendError(typed)))
}
