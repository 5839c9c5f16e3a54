package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("INGEST_JIRA_API_TOKEN", "  tok-123\n")

	p := EnvProvider{Prefix: "INGEST_"}
	v, err := p.Lookup("JIRA_API_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", v)

	_, err = p.Lookup("MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BUGSNAG_TOKEN"), []byte("abc\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EMPTY"), []byte("  \n"), 0600))

	p := FileProvider{Dir: dir}
	v, err := p.Lookup("BUGSNAG_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = p.Lookup("EMPTY")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.Lookup("NOPE")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.Lookup("../etc/passwd")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestChainFallsThrough(t *testing.T) {
	c := Chain{Static{"A": "from-static"}, Static{"A": "shadowed", "B": "second"}}

	v, err := c.Lookup("A")
	require.NoError(t, err)
	assert.Equal(t, "from-static", v)

	v, err = c.Lookup("B")
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	_, err = c.Lookup("C")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequireReportsConfigError(t *testing.T) {
	_, err := Require(Static{}, "JIRA_USER")
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
	assert.Contains(t, err.Error(), "missing secret JIRA_USER")

	v, err := Optional(Static{}, "JIRA_USER")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestNew(t *testing.T) {
	p, err := New(config.SecretsConfig{Provider: "chain", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, Chain{}, p)

	_, err = New(config.SecretsConfig{Provider: "vault"})
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
}
