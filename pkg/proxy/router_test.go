package proxy

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
	"github.com/mcp-ambassador/ambassador/pkg/amberrors"
	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/authz"
	"github.com/mcp-ambassador/ambassador/pkg/catalog"
)

type routerStores struct {
	entries       []ambassador.CatalogEntry
	subscriptions []ambassador.Subscription
	profiles      map[string]*ambassador.Profile
	clients       map[string]*ambassador.Client
}

func (f *routerStores) ListEntries(_ context.Context) ([]ambassador.CatalogEntry, error) {
	return f.entries, nil
}

func (f *routerStores) GetEntry(_ context.Context, mcpID string) (*ambassador.CatalogEntry, error) {
	for i := range f.entries {
		if f.entries[i].MCPID == mcpID {
			return &f.entries[i], nil
		}
	}
	return nil, fmt.Errorf("entry %s not found", mcpID)
}

func (f *routerStores) GetEntryByName(_ context.Context, name string) (*ambassador.CatalogEntry, error) {
	for i := range f.entries {
		if f.entries[i].Name == name {
			return &f.entries[i], nil
		}
	}
	return nil, fmt.Errorf("entry %s not found", name)
}

func (f *routerStores) ListActiveSubscriptions(_ context.Context, clientID string) ([]ambassador.Subscription, error) {
	var out []ambassador.Subscription
	for _, s := range f.subscriptions {
		if s.ClientID == clientID && s.Status == ambassador.SubscriptionActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *routerStores) GetProfile(_ context.Context, id string) (*ambassador.Profile, error) {
	if p, ok := f.profiles[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("profile %s not found", id)
}

func (f *routerStores) GetClient(_ context.Context, id string) (*ambassador.Client, error) {
	if c, ok := f.clients[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("client %s not found", id)
}

type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memSink) Emit(e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *memSink) byType(eventType string) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// newTestRouter wires a router over one shared fake backend named github
// with tools search_code and delete_repo.
func newTestRouter(t *testing.T, srv *fakeBackend) (*Router, *memSink) {
	t.Helper()

	entry := httpEntry("github", srv.URL, ambassador.IsolationShared)
	entry.ToolCatalog = []ambassador.ToolDescriptor{{Name: "search_code"}, {Name: "delete_repo"}}

	stores := &routerStores{
		entries: []ambassador.CatalogEntry{entry},
		subscriptions: []ambassador.Subscription{
			{SubscriptionID: "s1", ClientID: "cl1", MCPID: "mcp-github", Status: ambassador.SubscriptionActive},
		},
		profiles: map[string]*ambassador.Profile{
			"developer": {
				ProfileID:    "developer",
				AllowedTools: []string{"*"},
				DeniedTools:  []string{"github.delete_*"},
			},
		},
		clients: map[string]*ambassador.Client{
			"cl1": {ClientID: "cl1", UserID: "u1", ProfileID: "developer", Status: ambassador.ClientActive},
		},
	}

	m := NewSharedManager()
	t.Cleanup(func() { m.StopAll(context.Background()) })
	require.NoError(t, m.AddBackend(t.Context(), entry))

	sink := &memSink{}
	resolver := catalog.NewResolver(stores, stores, stores)
	authorizer := authz.NewAuthorizer(stores, stores)
	pool := NewPerUserPool(newFakeCreds())
	return NewRouter(resolver, authorizer, m, pool, sink), sink
}

func testSession() ambassador.SessionContext {
	return ambassador.SessionContext{
		SessionID: "sess-1", UserID: "u1", ClientID: "cl1", ProfileID: "developer",
	}
}

func TestRouterInvokeSuccess(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend("search_code", "delete_repo")
	defer srv.Close()
	r, sink := newTestRouter(t, srv)

	result, err := r.Invoke(t.Context(), testSession(), ambassador.ToolInvocation{
		Tool:      "github.search_code",
		Arguments: map[string]any{"q": "needle", "page": 1},
	})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok", result.Content[0].Text)

	events := sink.byType(audit.EventTypeToolCall)
	require.Len(t, events, 1)
	assert.Equal(t, "github.search_code", events[0].ToolName)
	assert.Equal(t, "github", events[0].DownstreamMCP)
	assert.Equal(t, audit.DecisionPermit, events[0].AuthzDecision)
	assert.Equal(t, "developer", events[0].AuthzPolicy)
	// Argument values never reach the trail.
	assert.Equal(t, "tool=github.search_code args=[page,q]", events[0].RequestSummary)
	assert.NotContains(t, events[0].RequestSummary, "needle")
}

func TestRouterInvokeDenied(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend("search_code", "delete_repo")
	defer srv.Close()
	r, sink := newTestRouter(t, srv)

	_, err := r.Invoke(t.Context(), testSession(), ambassador.ToolInvocation{Tool: "github.delete_repo"})
	require.Error(t, err)
	assert.True(t, amberrors.IsKind(err, amberrors.KindForbidden))
	assert.Contains(t, err.Error(), `"github.delete_*"`)
	assert.Zero(t, srv.calls.Load())

	events := sink.byType(audit.EventTypeToolDenied)
	require.Len(t, events, 1)
	assert.Equal(t, audit.DecisionDeny, events[0].AuthzDecision)
	assert.Equal(t, "developer", events[0].AuthzPolicy)
}

func TestRouterInvokeUnknownTool(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend("search_code", "delete_repo")
	defer srv.Close()
	r, sink := newTestRouter(t, srv)

	_, err := r.Invoke(t.Context(), testSession(), ambassador.ToolInvocation{Tool: "github.nonexistent"})
	require.Error(t, err)
	assert.True(t, amberrors.IsKind(err, amberrors.KindToolNotAllowed))
	require.Len(t, sink.byType(audit.EventTypeToolDenied), 1)
}

func TestRouterListToolsSubtractsDenied(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend("search_code", "delete_repo")
	defer srv.Close()
	r, _ := newTestRouter(t, srv)

	tools, err := r.ListTools(t.Context(), testSession())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "github.search_code", tools[0].QualifiedName())
}
