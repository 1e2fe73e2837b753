package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/runtime"
)

func openTestStore(t *testing.T, historySize int) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), historySize)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContainerIndexRoundTrip(t *testing.T) {
	s := openTestStore(t, 0)
	id := manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}
	m := &manifest.Manifest{Container: id, Init: "/bin/hello"}

	require.NoError(t, s.PutContainer("repo-a", id, "/repo/hello-1.0.0.npk", m))

	entries, err := s.ListContainers()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Identity)
	assert.Equal(t, "repo-a", entries[0].RepositoryID)
	assert.Equal(t, "/repo/hello-1.0.0.npk", entries[0].Path)

	require.NoError(t, s.DeleteContainer(id))
	entries, err = s.ListContainers()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNotificationHistorySince(t *testing.T) {
	s := openTestStore(t, 0)
	id := manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, s.AppendNotification(runtime.Notification{
			Kind: runtime.NotifyStarted, Identity: id, Sequence: seq,
		}))
	}

	history, err := s.Since(3)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(4), history[0].Sequence)
	assert.Equal(t, uint64(5), history[1].Sequence)
}

func TestNotificationHistoryTrimsToBound(t *testing.T) {
	s := openTestStore(t, 3)
	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, s.AppendNotification(runtime.Notification{Kind: runtime.NotifyExit, Sequence: seq}))
	}

	history, err := s.Since(0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, uint64(8), history[0].Sequence)
	assert.Equal(t, uint64(10), history[2].Sequence)
}
