// Package cache wires the in-memory tier, the durable store, the
// invalidation graph, the write-back scheduler, git-context tracking,
// the relationship merger, and the optional semantic enhancer into one
// façade — the Cache type is the only thing a caller needs to hold.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coderisk/cachecore/internal/config"
	"github.com/coderisk/cachecore/internal/enhancer"
	"github.com/coderisk/cachecore/internal/errs"
	"github.com/coderisk/cachecore/internal/gitcontext"
	"github.com/coderisk/cachecore/internal/identity"
	"github.com/coderisk/cachecore/internal/invalidation"
	"github.com/coderisk/cachecore/internal/l1cache"
	"github.com/coderisk/cachecore/internal/l2store"
	"github.com/coderisk/cachecore/internal/merger"
	"github.com/coderisk/cachecore/internal/writeback"
)

// Cache is the public entry point: every operation named in the
// external interface is a method here, delegating to the component
// that owns the concern.
type Cache struct {
	cfg *config.Config

	l1         *l1cache.Cache
	graph      *invalidation.Graph
	store      l2store.Store
	relational l2store.RelationalStore
	scheduler  *writeback.Scheduler
	git        *gitcontext.Tracker
	merger     *merger.Merger
	enhancer   *enhancer.Driver
	mirror     *invalidation.Neo4jMirror

	logger *logrus.Logger
}

// ComputeFunc mirrors l1cache.ComputeFunc so callers don't need to
// import internal/l1cache just to pass get_or_compute a callback.
type ComputeFunc = l1cache.ComputeFunc

// New builds a Cache with no durable tier: every miss falls straight
// through to compute_fn.
func New(cfg *config.Config) (*Cache, error) {
	return build(cfg, false)
}

// NewWithPersistence builds a Cache backed by the configured durable
// store, with writes routed through a background write-back scheduler.
func NewWithPersistence(cfg *config.Config) (*Cache, error) {
	return build(cfg, true)
}

func build(cfg *config.Config, persist bool) (*Cache, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logrus.New()

	var mirror invalidation.Mirror
	var neo *invalidation.Neo4jMirror
	if cfg.Mirror.Enabled {
		m, err := invalidation.NewNeo4jMirror(context.Background(), cfg.Mirror.URI, cfg.Mirror.Username, cfg.Mirror.Password, cfg.Mirror.Database, logger)
		if err != nil {
			return nil, errs.Wrap(err, errs.Unavailable, "connect to mirror")
		}
		mirror = m
		neo = m
	}
	graph := invalidation.New(mirror)

	l1cfg := l1cache.Config{
		Capacity:              cfg.L1.Capacity,
		TTL:                   cfg.L1.TTL,
		EvictionCheckInterval: cfg.L1.EvictionCheckInterval,
		InvalidationDepth:     cfg.L1.InvalidationDepth,
		TrackCommits:          cfg.Git.TrackCommits,
	}

	c := &Cache{cfg: cfg, graph: graph, mirror: neo, logger: logger}

	if persist && cfg.Persistence.Enabled {
		store, err := l2store.Open(cfg.Storage, logger)
		if err != nil {
			return nil, errs.Wrap(err, errs.Unavailable, "open durable store")
		}
		scheduler := writeback.NewScheduler(store, cfg.Persistence.WriteBatchSize, cfg.Persistence.WriteFlushInterval, logger)
		scheduler.Start(context.Background())

		c.store = store
		c.scheduler = scheduler
		c.l1 = l1cache.NewWithPersistence(l1cfg, graph, store, scheduler, logger)
		if rel, ok := store.(l2store.RelationalStore); ok {
			c.relational = rel
		}
	} else {
		c.l1 = l1cache.New(l1cfg, graph, logger)
	}

	c.merger = merger.New(merger.FromConfig(cfg.Merger), nil)

	gitCfg := gitcontext.Config{
		TrackCommits:           cfg.Git.TrackCommits,
		NamespaceByBranch:      cfg.Git.NamespaceByBranch,
		PreserveAcrossBranches: cfg.Git.PreserveAcrossBranches,
		AutoDetectChanges:      cfg.Git.AutoDetectChanges,
		MaxHistoryDepth:        cfg.Git.MaxHistoryDepth,
	}
	c.git = gitcontext.New(gitCfg, gitcontext.NewExecService("."), c.l1, logger)

	return c, nil
}

// WithEnhancer attaches a semantic fan-out driver backed by client,
// wired per cfg.Enhancer. It is optional — a Cache without one simply
// never produces semantic relationships, and GetOrCompute callers must
// supply their own compute_fn.
func (c *Cache) WithEnhancer(client enhancer.LSPClient) (*Cache, error) {
	if !c.cfg.Enhancer.Enabled {
		return c, nil
	}
	d, err := enhancer.New(c.cfg.Enhancer, client, c.logger)
	if err != nil {
		return nil, err
	}
	c.enhancer = d
	return c, nil
}

// Close releases every resource the façade opened: the write-back
// scheduler, the durable store, the mirror connection, and the
// enhancer's Redis connections.
func (c *Cache) Close() error {
	if c.scheduler != nil {
		c.scheduler.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			return err
		}
	}
	if c.mirror != nil {
		if err := c.mirror.Close(context.Background()); err != nil {
			return err
		}
	}
	if c.enhancer != nil {
		return c.enhancer.Close()
	}
	return nil
}

// GetOrCompute delegates to the in-memory tier's single-flight-guarded
// lookup/compute path.
func (c *Cache) GetOrCompute(ctx context.Context, key identity.NodeKey, compute ComputeFunc) (*l1cache.CachedNode, error) {
	return c.l1.GetOrCompute(ctx, key, compute)
}

// Get returns the cached node for key without triggering a compute.
func (c *Cache) Get(key identity.NodeKey) (*l1cache.CachedNode, bool) {
	return c.l1.Get(key)
}

// GetByPosition resolves an editor position to its cached node.
func (c *Cache) GetByPosition(file string, line, column uint32, contentHash string) (*l1cache.CachedNode, bool) {
	return c.l1.GetByPosition(file, line, column, contentHash)
}

// IndexPosition associates an editor position with an already-cached key.
func (c *Cache) IndexPosition(file string, line, column uint32, contentHash string, key identity.NodeKey) {
	c.l1.IndexPosition(file, line, column, contentHash, key)
}

// UpdateEdges replaces id's adjacency in the invalidation graph.
func (c *Cache) UpdateEdges(id identity.NodeId, incoming, outgoing []identity.NodeId) {
	c.l1.UpdateEdges(id, incoming, outgoing)
}

// InvalidateNode removes id and, within depth hops, every node it
// reaches over either edge direction.
func (c *Cache) InvalidateNode(id identity.NodeId, depth int) {
	c.l1.InvalidateNode(id, depth)
}

// InvalidateFile removes every node belonging to file. Any cached
// enhancer results for symbols in that file are left to expire on
// their own TTL rather than being swept here.
func (c *Cache) InvalidateFile(file string) {
	c.l1.InvalidateFile(file)
}

// Clear drops all in-memory and graph state.
func (c *Cache) Clear() {
	c.l1.Clear()
}

// WarmFromPersistence loads nodes from the durable store into L1.
func (c *Cache) WarmFromPersistence(ctx context.Context) (int, error) {
	return c.l1.WarmFromPersistence(ctx)
}

// Merge runs the configured merge pipeline over structural and
// semantic relationship streams.
func (c *Cache) Merge(ctx context.Context, structural, semantic []merger.Relationship, mergeCtx merger.Context) ([]merger.Relationship, error) {
	return c.merger.Merge(ctx, structural, semantic, mergeCtx)
}

// IndexFile records file in the durable store's relational surface.
// A no-op when persistence is disabled or the configured backend has
// no relational surface (the embedded bbolt store).
func (c *Cache) IndexFile(rec l2store.FileRecord) {
	if c.scheduler == nil {
		return
	}
	c.scheduler.Enqueue(writeback.Message{Op: writeback.OpUpsertFile, FileRec: rec})
}

// IndexSymbol records rec in the durable store's relational surface,
// defaulting its git commit to the tracker's current commit when rec
// doesn't specify one.
func (c *Cache) IndexSymbol(rec l2store.SymbolRecord) {
	if c.scheduler == nil {
		return
	}
	if rec.GitCommitHash == "" {
		rec.GitCommitHash = c.git.Current().Commit
	}
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	c.scheduler.Enqueue(writeback.Message{Op: writeback.OpUpsertSymbol, SymbolRec: rec})
}

// PersistRelationships projects merger output onto the durable
// store's relational surface: call relationships become call_graph
// rows, everything else becomes symbol_references rows. A no-op when
// persistence is disabled.
func (c *Cache) PersistRelationships(workspaceID string, rels []merger.Relationship) {
	if c.scheduler == nil {
		return
	}
	commit := c.git.Current().Commit
	now := time.Now()

	for _, r := range rels {
		loc := relationshipLocation(r)
		id := fmt.Sprintf("%s->%s:%s", r.SourceUID, r.TargetUID, r.RelationType)
		if r.RelationType == merger.RelationCalls {
			c.scheduler.Enqueue(writeback.Message{Op: writeback.OpUpsertCallEdge, CallEdgeRec: l2store.CallEdgeRecord{
				CallID:         id,
				CallerSymbolID: r.SourceUID,
				CalleeSymbolID: r.TargetUID,
				Location:       loc,
				WorkspaceID:    workspaceID,
				GitCommitHash:  commit,
				IndexedAt:      now,
			}})
			continue
		}
		c.scheduler.Enqueue(writeback.Message{Op: writeback.OpUpsertReference, ReferenceRec: l2store.ReferenceRecord{
			ReferenceID:    id,
			SourceSymbolID: r.SourceUID,
			TargetSymbolID: r.TargetUID,
			Location:       loc,
			WorkspaceID:    workspaceID,
			GitCommitHash:  commit,
			IndexedAt:      now,
		}})
	}
}

func relationshipLocation(r merger.Relationship) string {
	if r.Location == nil {
		return ""
	}
	return fmt.Sprintf("%d:%d-%d:%d", r.Location.StartLine, r.Location.StartChar, r.Location.EndLine, r.Location.EndChar)
}

// CurrentSymbolsForFile returns fileID's current-view symbol set from
// the durable store's relational surface: the rows indexed at the
// tracker's current commit if any exist, else the most recently
// indexed revision.
func (c *Cache) CurrentSymbolsForFile(ctx context.Context, fileID string) ([]l2store.SymbolRecord, error) {
	if c.relational == nil {
		return nil, errs.New(errs.ConfigError, "cache: relational surface not available")
	}
	return c.relational.CurrentSymbolsForFile(ctx, fileID, c.git.Current().Commit)
}

// CurrentCallGraph returns workspaceID's current-view call edges,
// applying the same current-commit-else-latest rule as
// CurrentSymbolsForFile.
func (c *Cache) CurrentCallGraph(ctx context.Context, workspaceID string) ([]l2store.CallEdgeRecord, error) {
	if c.relational == nil {
		return nil, errs.New(errs.ConfigError, "cache: relational surface not available")
	}
	return c.relational.CurrentCallGraph(ctx, workspaceID, c.git.Current().Commit)
}

// Enhance fans a symbol out to the configured LSP operations, when an
// enhancer has been attached via WithEnhancer.
func (c *Cache) Enhance(ctx context.Context, req enhancer.SymbolRequest) (enhancer.Result, error) {
	if c.enhancer == nil {
		return enhancer.Result{}, errs.New(errs.ConfigError, "cache: no enhancer attached")
	}
	return c.enhancer.Enhance(ctx, req), nil
}

// SetGitContext feeds next through the git tracker, invalidating the
// cache as the transition requires.
func (c *Cache) SetGitContext(ctx context.Context, next gitcontext.Context) {
	c.git.SetContext(ctx, next)
}

// GetGitContext returns the tracker's last recorded context.
func (c *Cache) GetGitContext() gitcontext.Context {
	return c.git.Current()
}

// GetGitStats reports per-branch and per-commit cache activity for the
// context's branch and commit.
type GitStats struct {
	Branch *gitcontext.BranchStats
	Commit *gitcontext.CommitStats
}

func (c *Cache) GetGitStats() GitStats {
	cur := c.git.Current()
	c.git.RecordEntryCount(cur.Branch, cur.Commit, c.l1.Stats().TotalNodes, 0)
	return GitStats{
		Branch: c.git.BranchCacheStats(cur.Branch),
		Commit: c.git.CommitCacheStats(cur.Commit),
	}
}

// GetHistory returns one CallHierarchyInfo per recorded git-context
// transition. L1 holds no per-commit revision log, so every entry is
// the same value: the Info cached under id's NodeKey with an empty
// content hash, or an empty CallHierarchyInfo when that key is not in
// L1. Revisions of id cached under a non-empty content hash are not
// looked up, and no entry reflects id's shape at its own commit. See
// DESIGN.md's Open Question 3.
func (c *Cache) GetHistory(id identity.NodeId) []identity.CallHierarchyInfo {
	current, ok := c.l1.Get(identity.NewNodeKey(id.Symbol, id.File, ""))
	placeholder := identity.CallHierarchyInfo{}
	if ok {
		placeholder = current.Info
	}

	history := c.git.History()
	out := make([]identity.CallHierarchyInfo, len(history))
	for i := range history {
		out[i] = placeholder
	}
	return out
}

// GetForCommit returns the cached node for key if key was recorded in
// L1's commit index while commit was current, else a miss. This is a
// historical-membership check, not a live-commit comparison: it
// answers for any commit the cache has ever indexed, not only the one
// currently checked out.
func (c *Cache) GetForCommit(key identity.NodeKey, commit string) (*l1cache.CachedNode, bool) {
	return c.l1.GetForCommit(key, commit)
}

// Snapshot is a point-in-time view of everything L1 indexed while a
// given commit was current, paired with the git context recorded for
// that commit if the bounded history ring still holds it.
type Snapshot struct {
	CommitHash   string
	Entries      []identity.NodeKey
	GitContext   gitcontext.Context
	TotalEntries int
}

// SnapshotAtCommit returns the commit index's recorded entries for
// commit plus whatever git context the history ring still remembers
// for it, or false if the commit index never observed commit at all.
func (c *Cache) SnapshotAtCommit(commit string) (Snapshot, bool) {
	entries, ok := c.l1.CommitEntries(commit)
	if !ok {
		return Snapshot{}, false
	}

	gitCtx := gitcontext.Context{Commit: commit}
	history := c.git.History()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Commit == commit {
			gitCtx = history[i]
			break
		}
	}

	live := entries[:0:0]
	for _, key := range entries {
		if _, ok := c.l1.Get(key); ok {
			live = append(live, key)
		}
	}

	return Snapshot{
		CommitHash:   commit,
		Entries:      live,
		GitContext:   gitCtx,
		TotalEntries: len(entries),
	}, true
}

// DiffCommits compares L1's commit index for from and to, returning
// the NodeKeys added, removed, and common to both — a pure in-memory
// set difference, not a filesystem diff.
func (c *Cache) DiffCommits(from, to string) (added, removed, common []identity.NodeKey) {
	return c.l1.DiffCommits(from, to)
}

// Stats reports the counters named in the external interface.
type Stats struct {
	TotalNodes           int
	TotalIDs             int
	TotalFiles           int
	TotalEdges           int
	Inflight             int
	PersistenceEnabled   bool
	PersistentNodes      int
	PersistentSizeBytes  int64
	DiskSizeBytes        int64
}

func (c *Cache) Stats() (Stats, error) {
	l1 := c.l1.Stats()
	stats := Stats{
		TotalNodes:         l1.TotalNodes,
		TotalIDs:           l1.TotalIDs,
		TotalFiles:         l1.TotalFiles,
		TotalEdges:         c.graph.EdgeCount(),
		Inflight:           l1.Inflight,
		PersistenceEnabled: c.store != nil,
	}
	if c.store != nil {
		s, err := c.store.GetStats(context.Background())
		if err != nil {
			return stats, errs.Wrap(err, errs.Unavailable, "read durable store stats")
		}
		stats.PersistentNodes = s.TotalNodes
		stats.PersistentSizeBytes = s.TotalSizeBytes
		stats.DiskSizeBytes = s.DiskSizeBytes
	}
	return stats, nil
}

// MaybeEvict runs an eviction pass if the configured interval elapsed.
func (c *Cache) MaybeEvict() {
	c.l1.MaybeEvict()
}
