package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{ calls int }

func (f *failingStore) Ping(context.Context) error                { return nil }
func (f *failingStore) EnsureBucket(context.Context, string) error { return nil }
func (f *failingStore) PutObject(context.Context, string, string, []byte) error {
	f.calls++
	return errors.New("access denied")
}

func TestObjectKey(t *testing.T) {
	a := NewWithStore(nil, "raw", "/ingest/")
	got := a.ObjectKey(Key{Source: "bugsnag", Partition: "proj/1", RunID: "r1", Page: 3})
	assert.Equal(t, "ingest/bugsnag/proj%2F1/r1/page-00003.ndjson", got)
}

func TestLocalArchiveWritesNDJSON(t *testing.T) {
	root := t.TempDir()
	a, err := New(config.ArchiveConfig{Enabled: true, Endpoint: "file://" + root, Bucket: "raw", Prefix: "p"})
	require.NoError(t, err)
	require.NoError(t, a.Prepare(context.Background()))

	a.Page(context.Background(), Key{Source: "jira", Partition: "KAN", RunID: "r1", Page: 1}, []map[string]any{
		{"key": "KAN-1"},
		{"key": "KAN-2", "html": "<b>"},
	})

	data, err := os.ReadFile(filepath.Join(root, "raw", "p", "jira", "KAN", "r1", "page-00001.ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"key":"KAN-1"}`, lines[0])
	assert.Contains(t, lines[1], `"<b>"`)
}

func TestArchiveFailuresAreSwallowed(t *testing.T) {
	store := &failingStore{}
	a := NewWithStore(store, "raw", "")
	a.Page(context.Background(), Key{Source: "jira", Partition: "KAN", RunID: "r1", Page: 1}, []map[string]any{{"a": 1}})
	assert.Equal(t, 1, store.calls)
}

func TestDisabledArchiverIsNil(t *testing.T) {
	a, err := New(config.ArchiveConfig{})
	require.NoError(t, err)
	assert.Nil(t, a)
	// Methods on a nil archiver are no-ops.
	a.Page(context.Background(), Key{}, []map[string]any{{"a": 1}})
	assert.NoError(t, a.Prepare(context.Background()))
	assert.NoError(t, a.Ping(context.Background()))
}
