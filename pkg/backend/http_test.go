package backend

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

func TestHTTPConnectionStartAndInvoke(t *testing.T) {
	t.Parallel()

	srv := newFakeMCPServer()
	defer srv.Close()

	c := NewHTTPConnection("github", ambassador.HTTPConfig{URLTemplate: srv.URL})
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(t.Context())

	assert.Equal(t, StateRunning, c.State())

	tools := c.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "search_code", tools[0].Name)

	result, err := c.Invoke(t.Context(), "search_code", map[string]any{"q": "foo"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok", result.Content[0].Text)

	// The Mcp-Session-Id from initialize is echoed on subsequent requests.
	sid := srv.lastSessionID.Load()
	require.NotNil(t, sid)
	assert.Equal(t, "mcp-session-42", *sid)
}

func TestHTTPConnectionParsesSSEResponses(t *testing.T) {
	t.Parallel()

	srv := newFakeMCPServer()
	srv.sseTools = true
	defer srv.Close()

	c := NewHTTPConnection("github", ambassador.HTTPConfig{URLTemplate: srv.URL})
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(t.Context())

	require.Len(t, c.Tools(), 2)
}

func TestHTTPConnectionExpandsURLTemplate(t *testing.T) {
	srv := newFakeMCPServer()
	defer srv.Close()

	t.Setenv("FAKE_MCP_URL", srv.URL)

	c := NewHTTPConnection("github", ambassador.HTTPConfig{URLTemplate: "${FAKE_MCP_URL}"})
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(t.Context())
	assert.Equal(t, StateRunning, c.State())
}

func TestHTTPConnectionStartFailsOnMissingPlaceholder(t *testing.T) {
	t.Parallel()

	c := NewHTTPConnection("github", ambassador.HTTPConfig{
		URLTemplate: "https://${DEFINITELY_NOT_SET_ANYWHERE}/mcp",
	})
	err := c.Start(t.Context())
	require.ErrorIs(t, err, ErrStartup)
	assert.Contains(t, err.Error(), "DEFINITELY_NOT_SET_ANYWHERE")
	assert.Equal(t, StateFailed, c.State())
}

func TestHTTPConnectionTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	srv := newFakeMCPServer()
	defer srv.Close()

	var failed atomic.Bool
	c := NewHTTPConnection("github", ambassador.HTTPConfig{URLTemplate: srv.URL},
		WithHTTPFailureHandler(func(string, error) { failed.Store(true) }))
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(t.Context())

	srv.failCalls.Store(MaxConsecutiveFailures)
	for i := 0; i < MaxConsecutiveFailures; i++ {
		_, err := c.Invoke(t.Context(), "search_code", nil)
		require.ErrorIs(t, err, ErrPeer)
	}

	assert.Equal(t, StateFailed, c.State())
	assert.Eventually(t, failed.Load, testWait, testTick)

	// Failed connections refuse work until the supervisor restarts them.
	_, err := c.Invoke(t.Context(), "search_code", nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestHTTPConnectionRecoversCounterOnSuccess(t *testing.T) {
	t.Parallel()

	srv := newFakeMCPServer()
	defer srv.Close()

	c := NewHTTPConnection("github", ambassador.HTTPConfig{URLTemplate: srv.URL})
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(t.Context())

	srv.failCalls.Store(MaxConsecutiveFailures - 1)
	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		_, err := c.Invoke(t.Context(), "search_code", nil)
		require.Error(t, err)
	}

	_, err := c.Invoke(t.Context(), "search_code", nil)
	require.NoError(t, err)

	assert.Equal(t, StateRunning, c.State())
	assert.Zero(t, c.HealthDetail().ConsecutiveFailures)
}

func TestHTTPHealthDetailRedactsEndpoint(t *testing.T) {
	t.Parallel()

	c := NewHTTPConnection("github", ambassador.HTTPConfig{
		URLTemplate: "https://${API_HOST}/mcp?api_key=secret",
	})
	d := c.HealthDetail()
	assert.Equal(t, "https://${API_HOST}/mcp", d.Endpoint)
	assert.NotContains(t, d.Endpoint, "secret")
}
