package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIPSalt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	salt, err := LoadIPSalt(dir)
	require.NoError(t, err)
	assert.Len(t, salt, IPSaltLength)

	again, err := LoadIPSalt(dir)
	require.NoError(t, err)
	assert.Equal(t, salt, again)

	info, err := os.Stat(filepath.Join(dir, IPSaltFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadIPSaltRejectsCorruptFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IPSaltFileName), []byte("not hex\n"), 0600))

	_, err := LoadIPSalt(dir)
	assert.Error(t, err)
}

func TestEnsureRecoveryToken(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	token, hash, created, err := EnsureRecoveryToken(dir)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, strings.HasPrefix(token, RecoveryTokenPrefix))
	assert.True(t, VerifyKey(token, hash))

	info, err := os.Stat(filepath.Join(dir, RecoveryTokenFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0400), info.Mode().Perm())

	// Second run returns only the stored hash.
	token2, hash2, created, err := EnsureRecoveryToken(dir)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, token2)
	assert.Equal(t, hash, hash2)
}
