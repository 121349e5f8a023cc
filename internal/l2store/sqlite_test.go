package l2store

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderisk/cachecore/internal/errs"
	"github.com/coderisk/cachecore/internal/identity"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := NewSQLiteStore(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteInsertThenGetRoundTrips(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	key := identity.NewNodeKey("Foo", "foo.go", "h1")
	info := identity.CallHierarchyInfo{
		Incoming: []identity.Call{{Item: identity.CallItem{Name: "Caller", File: "bar.go"}}},
	}

	require.NoError(t, store.Insert(ctx, key, info, "go"))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, "go", got.Language)
	require.Len(t, got.Info.Incoming, 1)
	assert.Equal(t, "Caller", got.Info.Incoming[0].Item.Name)
}

func TestSQLiteGetMissingReturnsNotFound(t *testing.T) {
	store := newTestSQLiteStore(t)
	_, err := store.Get(context.Background(), identity.NewNodeKey("Foo", "foo.go", "missing"))
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.GetKind(err))
}

func TestSQLiteInsertIsIdempotentReplace(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	key := identity.NewNodeKey("Foo", "foo.go", "h1")

	require.NoError(t, store.Insert(ctx, key, identity.CallHierarchyInfo{}, "go"))
	require.NoError(t, store.Insert(ctx, key, identity.CallHierarchyInfo{
		Outgoing: []identity.Call{{Item: identity.CallItem{Name: "Callee"}}},
	}, "go"))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, got.Info.Outgoing, 1)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalNodes)
}

func TestSQLiteGetByFileAndRemove(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, identity.NewNodeKey("Foo", "foo.go", "h1"), identity.CallHierarchyInfo{}, "go"))
	require.NoError(t, store.Insert(ctx, identity.NewNodeKey("Bar", "foo.go", "h2"), identity.CallHierarchyInfo{}, "go"))
	require.NoError(t, store.Insert(ctx, identity.NewNodeKey("Baz", "baz.go", "h3"), identity.CallHierarchyInfo{}, "go"))

	nodes, err := store.GetByFile(ctx, "foo.go")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	require.NoError(t, store.Remove(ctx, identity.NewNodeKey("Foo", "foo.go", "h1")))
	nodes, err = store.GetByFile(ctx, "foo.go")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestSQLiteClearRemovesEverything(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, identity.NewNodeKey("Foo", "foo.go", "h1"), identity.CallHierarchyInfo{}, "go"))

	require.NoError(t, store.Clear(ctx))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalNodes)
}
