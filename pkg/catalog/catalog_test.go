package catalog

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
)

type fakeStores struct {
	entries       []ambassador.CatalogEntry
	subscriptions []ambassador.Subscription
	profiles      map[string]*ambassador.Profile
}

func (f *fakeStores) ListEntries(_ context.Context) ([]ambassador.CatalogEntry, error) {
	return f.entries, nil
}

func (f *fakeStores) GetEntry(_ context.Context, mcpID string) (*ambassador.CatalogEntry, error) {
	for i := range f.entries {
		if f.entries[i].MCPID == mcpID {
			return &f.entries[i], nil
		}
	}
	return nil, fmt.Errorf("entry %s not found", mcpID)
}

func (f *fakeStores) GetEntryByName(_ context.Context, name string) (*ambassador.CatalogEntry, error) {
	for i := range f.entries {
		if f.entries[i].Name == name {
			return &f.entries[i], nil
		}
	}
	return nil, fmt.Errorf("entry %s not found", name)
}

func (f *fakeStores) ListActiveSubscriptions(_ context.Context, clientID string) ([]ambassador.Subscription, error) {
	var out []ambassador.Subscription
	for _, s := range f.subscriptions {
		if s.ClientID == clientID && s.Status == ambassador.SubscriptionActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStores) GetProfile(_ context.Context, id string) (*ambassador.Profile, error) {
	if p, ok := f.profiles[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("profile %s not found", id)
}

func testEntry(name string, isolation ambassador.IsolationMode, tools ...string) ambassador.CatalogEntry {
	e := ambassador.CatalogEntry{
		MCPID:         "mcp-" + name,
		Name:          name,
		Transport:     ambassador.TransportStdio,
		IsolationMode: isolation,
		Status:        ambassador.EntryPublished,
		Stdio:         &ambassador.StdioConfig{Command: []string{"mcp-server-" + name}},
	}
	for _, t := range tools {
		e.ToolCatalog = append(e.ToolCatalog, ambassador.ToolDescriptor{Name: t})
	}
	return e
}

func TestFingerprintStableAndConfigSensitive(t *testing.T) {
	t.Parallel()

	a := testEntry("github", ambassador.IsolationShared, "search_code")
	b := testEntry("github", ambassador.IsolationShared, "search_code")
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	// Tool catalogs do not participate.
	b.ToolCatalog = nil
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.Stdio.Env = map[string]string{"NODE_ENV": "production"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	c := a
	c.IsolationMode = ambassador.IsolationPerUser
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestResolverIntersectsSubscriptionsCatalogAndProfile(t *testing.T) {
	t.Parallel()

	stores := &fakeStores{
		entries: []ambassador.CatalogEntry{
			testEntry("github", ambassador.IsolationShared, "search_code", "get_file", "delete_repo"),
			testEntry("jira", ambassador.IsolationShared, "create_issue"),
		},
		subscriptions: []ambassador.Subscription{
			{SubscriptionID: "s1", ClientID: "cl1", MCPID: "mcp-github",
				SelectedTools: []string{"search_code", "delete_repo"},
				Status:        ambassador.SubscriptionActive},
			{SubscriptionID: "s2", ClientID: "cl1", MCPID: "mcp-jira",
				Status: ambassador.SubscriptionActive},
		},
		profiles: map[string]*ambassador.Profile{
			"developer": {ProfileID: "developer",
				AllowedTools: []string{"github.*"},
				DeniedTools:  []string{"github.delete_*"}},
		},
	}

	r := NewResolver(stores, stores, stores)
	tools, err := r.Resolve(t.Context(), "cl1", "developer")
	require.NoError(t, err)

	// jira.* is cut by the allow list; get_file by selected_tools. The
	// denied delete_repo survives resolution: denial is enforced with a
	// reason at authorize time.
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.QualifiedName())
	}
	assert.ElementsMatch(t, []string{"github.search_code", "github.delete_repo"}, names)
}

func TestResolverSkipsDraftAndInactive(t *testing.T) {
	t.Parallel()

	draft := testEntry("github", ambassador.IsolationShared, "search_code")
	draft.Status = ambassador.EntryDraft

	stores := &fakeStores{
		entries: []ambassador.CatalogEntry{draft, testEntry("jira", ambassador.IsolationShared, "create_issue")},
		subscriptions: []ambassador.Subscription{
			{SubscriptionID: "s1", ClientID: "cl1", MCPID: "mcp-github", Status: ambassador.SubscriptionActive},
			{SubscriptionID: "s2", ClientID: "cl1", MCPID: "mcp-jira", Status: ambassador.SubscriptionPaused},
		},
		profiles: map[string]*ambassador.Profile{"developer": {ProfileID: "developer"}},
	}

	r := NewResolver(stores, stores, stores)
	tools, err := r.Resolve(t.Context(), "cl1", "developer")
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestResolverLookup(t *testing.T) {
	t.Parallel()

	stores := &fakeStores{
		entries: []ambassador.CatalogEntry{testEntry("github", ambassador.IsolationShared, "search_code")},
		subscriptions: []ambassador.Subscription{
			{SubscriptionID: "s1", ClientID: "cl1", MCPID: "mcp-github", Status: ambassador.SubscriptionActive},
		},
		profiles: map[string]*ambassador.Profile{"developer": {ProfileID: "developer"}},
	}

	r := NewResolver(stores, stores, stores)

	tool, ok, err := r.Lookup(t.Context(), "cl1", "developer", "github.search_code")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "github", tool.SourceMCP)

	_, ok, err = r.Lookup(t.Context(), "cl1", "developer", "github.nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

// fakeShared records applier calls for reloader tests.
type fakeShared struct {
	mu      sync.Mutex
	running map[string]string
	added   []string
	updated []string
	removed []string
	failOn  map[string]error
}

func (f *fakeShared) RunningFingerprints() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.running))
	for k, v := range f.running {
		out[k] = v
	}
	return out
}

func (f *fakeShared) AddBackend(_ context.Context, entry ambassador.CatalogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[entry.Name]; err != nil {
		return err
	}
	f.added = append(f.added, entry.Name)
	f.running[entry.Name] = Fingerprint(entry)
	return nil
}

func (f *fakeShared) UpdateBackend(_ context.Context, entry ambassador.CatalogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[entry.Name]; err != nil {
		return err
	}
	f.updated = append(f.updated, entry.Name)
	f.running[entry.Name] = Fingerprint(entry)
	return nil
}

func (f *fakeShared) RemoveBackend(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[name]; err != nil {
		return err
	}
	f.removed = append(f.removed, name)
	delete(f.running, name)
	return nil
}

type fakePool struct {
	mu      sync.Mutex
	configs map[string]ambassador.CatalogEntry
}

func (f *fakePool) ConfiguredFingerprints() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.configs))
	for name, entry := range f.configs {
		out[name] = Fingerprint(entry)
	}
	return out
}

func (f *fakePool) SetConfigs(entries map[string]ambassador.CatalogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = entries
}

func TestReloaderPreview(t *testing.T) {
	t.Parallel()

	github := testEntry("github", ambassador.IsolationShared)
	jiraOld := testEntry("jira", ambassador.IsolationShared)
	jiraNew := jiraOld
	jiraNew.Stdio = &ambassador.StdioConfig{Command: []string{"mcp-server-jira", "--v2"}}
	slack := testEntry("slack", ambassador.IsolationShared)
	notion := testEntry("notion", ambassador.IsolationPerUser)

	stores := &fakeStores{entries: []ambassador.CatalogEntry{github, jiraNew, slack, notion}}
	shared := &fakeShared{running: map[string]string{
		"github": Fingerprint(github),
		"jira":   Fingerprint(jiraOld),
		"gone":   "stale",
	}}
	pool := &fakePool{}

	preview, err := NewReloader(stores, shared, pool).Preview(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []string{"slack"}, preview.Shared.ToAdd)
	assert.Equal(t, []string{"gone"}, preview.Shared.ToRemove)
	assert.Equal(t, []string{"jira"}, preview.Shared.ToUpdate)
	assert.Equal(t, []string{"github"}, preview.Shared.Unchanged)
	assert.Equal(t, []string{"notion"}, preview.PerUser.ToAdd)

	// Preview has no side effects.
	assert.Empty(t, shared.added)
	assert.Nil(t, pool.configs)
}

func TestReloaderApplyPartialFailure(t *testing.T) {
	t.Parallel()

	github := testEntry("github", ambassador.IsolationShared)
	slack := testEntry("slack", ambassador.IsolationShared)
	notion := testEntry("notion", ambassador.IsolationPerUser)

	stores := &fakeStores{entries: []ambassador.CatalogEntry{github, slack, notion}}
	shared := &fakeShared{
		running: map[string]string{"gone": "stale"},
		failOn:  map[string]error{"slack": fmt.Errorf("spawn failed")},
	}
	pool := &fakePool{}

	result, err := NewReloader(stores, shared, pool).Apply(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []string{"github"}, result.Added)
	assert.Equal(t, []string{"gone"}, result.Removed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "slack", result.Errors[0].Name)
	assert.Equal(t, "add", result.Errors[0].Action)
	assert.Contains(t, result.Errors[0].Message, "spawn failed")

	// Per-user configs were pushed despite the shared failure.
	require.NotNil(t, pool.configs)
	assert.Contains(t, pool.configs, "notion")
}

func TestReloaderApplyConflict(t *testing.T) {
	t.Parallel()

	stores := &fakeStores{}
	r := NewReloader(stores, &fakeShared{running: map[string]string{}}, &fakePool{})

	r.applying.Store(true)
	_, err := r.Apply(t.Context())
	require.Error(t, err)
	assert.True(t, amberrors.IsKind(err, amberrors.KindConflict))

	r.applying.Store(false)
	_, err = r.Apply(t.Context())
	require.NoError(t, err)
}
