package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateCommand([]string{"npx", "-y", "@modelcontextprotocol/server-github"}))
	assert.ErrorIs(t, validateCommand(nil), ErrStartup)
	assert.ErrorIs(t, validateCommand([]string{""}), ErrStartup)
	assert.ErrorIs(t, validateCommand([]string{"sh", "-c", "echo hi && rm -rf /"}), ErrStartup)
	assert.ErrorIs(t, validateCommand([]string{"node", "server.js", "$(whoami)"}), ErrStartup)
	assert.ErrorIs(t, validateCommand([]string{"cat", "/tmp/*.json"}), ErrStartup)
}

func TestBuildEnvWhitelistsParent(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_FROM_PARENT", "leaky")

	env, err := buildEnv(nil, nil)
	require.NoError(t, err)

	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "PATH=/usr/bin")
	assert.NotContains(t, joined, "SECRET_FROM_PARENT")
}

func TestBuildEnvRejectsBlockedNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"PATH", "LD_PRELOAD", "NODE_OPTIONS", "ld_preload"} {
		_, err := buildEnv(map[string]string{name: "x"}, nil)
		assert.ErrorIs(t, err, ErrStartup, "name %s", name)
	}

	_, err := buildEnv(nil, map[string]string{"DYLD_INSERT_LIBRARIES": "evil.dylib"})
	assert.ErrorIs(t, err, ErrStartup)
}

func TestBuildEnvMergesConfigAndCredentials(t *testing.T) {
	t.Parallel()

	env, err := buildEnv(
		map[string]string{"GITHUB_API_URL": "https://api.github.com"},
		map[string]string{"GITHUB_TOKEN": "ghp_usertoken"},
	)
	require.NoError(t, err)

	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "GITHUB_API_URL=https://api.github.com")
	assert.Contains(t, joined, "GITHUB_TOKEN=ghp_usertoken")
}

func TestStdioInvokeRequiresRunning(t *testing.T) {
	t.Parallel()

	c := NewStdioConnection("github", stubStdioConfig())
	_, err := c.Invoke(t.Context(), "search_code", nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStdioStartRejectsBadCommand(t *testing.T) {
	t.Parallel()

	c := NewStdioConnection("bad", stubStdioConfig("sh", "-c", "echo $HOME"))
	err := c.Start(t.Context())
	assert.ErrorIs(t, err, ErrStartup)
	assert.Equal(t, StateFailed, c.State())
}
