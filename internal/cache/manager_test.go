package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderisk/cachecore/internal/config"
	"github.com/coderisk/cachecore/internal/enhancer"
	"github.com/coderisk/cachecore/internal/gitcontext"
	"github.com/coderisk/cachecore/internal/identity"
	"github.com/coderisk/cachecore/internal/l2store"
	"github.com/coderisk/cachecore/internal/merger"
)

func newTestFacadeWithPersistence(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Mirror.Enabled = false
	cfg.Storage.Type = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(dir, "store.db")
	cfg.Persistence.Enabled = true
	cfg.Persistence.Path = cfg.Storage.SQLitePath
	cfg.Persistence.WriteBatchSize = 1
	cfg.Persistence.WriteFlushInterval = 10 * time.Millisecond

	c, err := NewWithPersistence(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestFacade(t *testing.T) *Cache {
	t.Helper()
	cfg := config.Default()
	cfg.Mirror.Enabled = false
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestGetOrComputeThenGetHits(t *testing.T) {
	c := newTestFacade(t)
	key := identity.NewNodeKey("Foo", "foo.go", "h1")
	calls := 0

	compute := func(ctx context.Context) (identity.CallHierarchyInfo, error) {
		calls++
		return identity.CallHierarchyInfo{}, nil
	}

	_, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	_, err = c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)

	node, ok := c.Get(key)
	assert.True(t, ok)
	assert.Equal(t, key, node.Key)
}

func TestInvalidateFileRemovesNode(t *testing.T) {
	c := newTestFacade(t)
	key := identity.NewNodeKey("Foo", "foo.go", "h1")
	_, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (identity.CallHierarchyInfo, error) {
		return identity.CallHierarchyInfo{}, nil
	})
	require.NoError(t, err)

	c.InvalidateFile("foo.go")

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestStatsReflectsInMemoryState(t *testing.T) {
	c := newTestFacade(t)
	key := identity.NewNodeKey("Foo", "foo.go", "h1")
	_, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (identity.CallHierarchyInfo, error) {
		return identity.CallHierarchyInfo{}, nil
	})
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalNodes)
	assert.False(t, stats.PersistenceEnabled)
}

func TestSetGitContextBranchSwitchClearsCache(t *testing.T) {
	c := newTestFacade(t)
	key := identity.NewNodeKey("Foo", "foo.go", "h1")
	_, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (identity.CallHierarchyInfo, error) {
		return identity.CallHierarchyInfo{}, nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	c.SetGitContext(ctx, gitcontext.Context{Branch: "main", Commit: "c1"})
	c.SetGitContext(ctx, gitcontext.Context{Branch: "feature", Commit: "c1"})

	_, ok := c.Get(key)
	assert.False(t, ok, "branch switch without preserve_across_branches must clear the cache")
	assert.Equal(t, "feature", c.GetGitContext().Branch)
}

func TestGetForCommitSnapshotAndDiff(t *testing.T) {
	// c1 and c2 are not commits of any repository, so diffing them
	// fails; with change detection on, that failure would clear L1.
	cfg := config.Default()
	cfg.Mirror.Enabled = false
	cfg.Git.AutoDetectChanges = false
	c, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	c.SetGitContext(ctx, gitcontext.Context{Branch: "main", Commit: "c1"})
	kOld := identity.NewNodeKey("Old", "foo.go", "h1")
	kShared := identity.NewNodeKey("Shared", "foo.go", "h2")
	_, err = c.GetOrCompute(ctx, kOld, func(ctx context.Context) (identity.CallHierarchyInfo, error) {
		return identity.CallHierarchyInfo{}, nil
	})
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, kShared, func(ctx context.Context) (identity.CallHierarchyInfo, error) {
		return identity.CallHierarchyInfo{}, nil
	})
	require.NoError(t, err)

	c.SetGitContext(ctx, gitcontext.Context{Branch: "main", Commit: "c2"})
	kNew := identity.NewNodeKey("New", "foo.go", "h3")
	_, err = c.GetOrCompute(ctx, kShared, func(ctx context.Context) (identity.CallHierarchyInfo, error) {
		return identity.CallHierarchyInfo{}, nil
	})
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, kNew, func(ctx context.Context) (identity.CallHierarchyInfo, error) {
		return identity.CallHierarchyInfo{}, nil
	})
	require.NoError(t, err)

	node, ok := c.GetForCommit(kOld, "c1")
	require.True(t, ok, "c1's entries must remain queryable after c2 becomes current")
	assert.Equal(t, kOld, node.Key)
	_, ok = c.GetForCommit(kOld, "c2")
	assert.False(t, ok)

	snap, ok := c.SnapshotAtCommit("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", snap.CommitHash)
	assert.Equal(t, "c1", snap.GitContext.Commit)
	assert.Equal(t, 2, snap.TotalEntries)
	assert.ElementsMatch(t, []identity.NodeKey{kOld, kShared}, snap.Entries)

	_, ok = c.SnapshotAtCommit("never-seen")
	assert.False(t, ok)

	added, removed, common := c.DiffCommits("c1", "c2")
	assert.ElementsMatch(t, []identity.NodeKey{kNew}, added)
	assert.ElementsMatch(t, []identity.NodeKey{kOld}, removed)
	assert.ElementsMatch(t, []identity.NodeKey{kShared}, common)
}

func TestCurrentSymbolsForFilePrefersCurrentCommit(t *testing.T) {
	c := newTestFacadeWithPersistence(t)
	ctx := context.Background()

	c.SetGitContext(ctx, gitcontext.Context{Branch: "main", Commit: "c1"})
	c.IndexFile(l2store.FileRecord{FileID: "foo.go", RelativePath: "foo.go"})
	c.IndexSymbol(l2store.SymbolRecord{SymbolID: "s1", Name: "Foo", FileID: "foo.go", GitCommitHash: "c1", IndexedAt: time.Now()})
	time.Sleep(50 * time.Millisecond)

	c.SetGitContext(ctx, gitcontext.Context{Branch: "main", Commit: "c2"})
	c.IndexSymbol(l2store.SymbolRecord{SymbolID: "s2", Name: "Bar", FileID: "foo.go", GitCommitHash: "c2", IndexedAt: time.Now()})
	time.Sleep(50 * time.Millisecond)

	syms, err := c.CurrentSymbolsForFile(ctx, "foo.go")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "s2", syms[0].SymbolID)

	c.SetGitContext(ctx, gitcontext.Context{Branch: "main", Commit: "c1"})
	syms, err = c.CurrentSymbolsForFile(ctx, "foo.go")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "s1", syms[0].SymbolID)
}

func TestPersistRelationshipsPopulatesCallGraph(t *testing.T) {
	c := newTestFacadeWithPersistence(t)
	ctx := context.Background()
	c.SetGitContext(ctx, gitcontext.Context{Branch: "main", Commit: "c1"})

	rels := []merger.Relationship{
		{SourceUID: "pkg::A", TargetUID: "pkg::B", RelationType: merger.RelationCalls, Confidence: 0.9},
		{SourceUID: "pkg::A", TargetUID: "pkg::C", RelationType: merger.RelationReferences, Confidence: 0.8},
	}
	c.PersistRelationships("ws1", rels)
	time.Sleep(50 * time.Millisecond)

	edges, err := c.CurrentCallGraph(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "pkg::A", edges[0].CallerSymbolID)
	assert.Equal(t, "pkg::B", edges[0].CalleeSymbolID)
}

func TestRelationalSurfaceUnavailableWithoutPersistence(t *testing.T) {
	c := newTestFacade(t)
	_, err := c.CurrentSymbolsForFile(context.Background(), "foo.go")
	assert.Error(t, err)
}

func TestMergeDelegatesToMerger(t *testing.T) {
	c := newTestFacade(t)
	structural := []merger.Relationship{{SourceUID: "a", TargetUID: "b", RelationType: merger.RelationCalls, Confidence: 0.8}}

	out, err := c.Merge(context.Background(), structural, nil, merger.Context{Language: "go"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].TargetUID)
}

func TestEnhanceWithoutAttachedEnhancerErrors(t *testing.T) {
	c := newTestFacade(t)
	_, err := c.Enhance(context.Background(), enhancer.SymbolRequest{UID: "pkg::Foo"})
	assert.Error(t, err)
}
