package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetAbsentCheckpoint(t *testing.T) {
	store := openTestStore(t)
	cursor, ok, err := store.Get(context.Background(), "github-issues")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, cursor)
}

func TestSetAndGetCheckpoint(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Set(ctx, "github-issues", "2024-01-05T00:00:00Z", Meta{RowsSeen: 120, BadRows: 3})
	require.NoError(t, err)

	cursor, ok, err := store.Get(ctx, "github-issues")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-01-05T00:00:00Z", cursor)
}

func TestSetOverwritesSingleRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "src", "c1", Meta{}))
	require.NoError(t, store.Set(ctx, "src", "c2", Meta{RowsSeen: 10}))

	cursor, ok, err := store.Get(ctx, "src")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c2", cursor)
}

func TestCheckpointsAreScopedPerSource(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "cursor-a", Meta{}))
	require.NoError(t, store.Set(ctx, "b", "cursor-b", Meta{}))

	cursor, _, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "cursor-a", cursor)

	cursor, _, err = store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "cursor-b", cursor)
}

func TestOpenSelectsSQLiteForFilePaths(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "pipeline_state.db"))
	require.NoError(t, err)
	defer store.Close()
	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
