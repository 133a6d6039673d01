package profiles

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "profiles.json"), "/tmp/codex-home")
	require.NoError(t, err)
	return s
}

func TestStoreCreatesDefaultEntry(t *testing.T) {
	s := newTestStore(t)

	p, err := s.Get(DefaultID)
	require.NoError(t, err)
	assert.Equal(t, "Default", p.Name)
	assert.Equal(t, "/tmp/codex-home", p.CodexHome)

	// The file must exist on disk with the default entry persisted.
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var list []Profile
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, DefaultID, list[0].ID)
}

func TestStoreCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	p, err := s.Create("work", "/home/me/.codex-work")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.NotEqual(t, DefaultID, p.ID)

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateRequiresName(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("   ", "/tmp/x")
	require.Error(t, err)
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)

	p, err := s.Create("scratch", "/tmp/scratch")
	require.NoError(t, err)

	require.NoError(t, s.Delete(p.ID))
	_, err = s.Get(p.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.Delete(p.ID), ErrNotFound)
	require.ErrorIs(t, s.Delete(DefaultID), ErrReserved)
}

func TestStoreListOrdering(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create("first", "/tmp/a")
	require.NoError(t, err)
	_, err = s.Create("second", "/tmp/b")
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, DefaultID, list[0].ID)
	assert.Equal(t, "first", list[1].Name)
	assert.Equal(t, "second", list[2].Name)
}

func TestStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	s, err := NewStore(path, "/tmp/h")
	require.NoError(t, err)
	created, err := s.Create("persisted", "/tmp/p")
	require.NoError(t, err)

	reopened, err := NewStore(path, "/tmp/h")
	require.NoError(t, err)
	got, err := reopened.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
}

func TestWatcherReloadsOnExternalWrite(t *testing.T) {
	s := newTestStore(t)

	w, err := NewWatcher(s)
	require.NoError(t, err)
	defer w.Stop()

	external := []Profile{
		{ID: DefaultID, Name: "Default", CodexHome: "/tmp/codex-home", CreatedAt: 1},
		{ID: "ext", Name: "External", CodexHome: "/tmp/ext", CreatedAt: 2},
	}
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o600))

	require.Eventually(t, func() bool {
		_, err := s.Get("ext")
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}
