// Package l1cache implements the in-memory tier of the cache: a
// concurrent map of cached nodes with LRU/TTL eviction, a position
// index, and per-key single-flight deduplication of compute_fn calls.
package l1cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coderisk/cachecore/internal/identity"
	"github.com/coderisk/cachecore/internal/invalidation"
	"github.com/coderisk/cachecore/internal/l2store"
	"github.com/coderisk/cachecore/internal/writeback"
	"github.com/sirupsen/logrus"
)

// CachedNode is an immutable cached call-hierarchy result. Once
// produced it is never mutated — access bookkeeping lives separately
// in accessMeta so CachedNode itself stays safe to share by pointer
// across goroutines without locking.
type CachedNode struct {
	Key       identity.NodeKey
	Info      identity.CallHierarchyInfo
	CreatedAt time.Time
}

// accessMeta tracks recency/frequency for true LRU ranking, kept apart
// from CachedNode so inserting a node doesn't require rewriting it on
// every access.
type accessMeta struct {
	lastAccessed time.Time
	accessCount  int
}

// ComputeFunc produces the CallHierarchyInfo for a cache miss. It is
// invoked at most once per NodeKey across any number of concurrent
// GetOrCompute callers.
type ComputeFunc func(ctx context.Context) (identity.CallHierarchyInfo, error)

// Config tunes capacity, lifetime, and eviction cadence.
type Config struct {
	Capacity              int
	TTL                   time.Duration
	EvictionCheckInterval time.Duration
	InvalidationDepth     int
	TrackCommits          bool
}

// Cache is the in-memory tier. It is safe for concurrent use.
type Cache struct {
	mu             sync.RWMutex
	nodes          map[identity.NodeKey]*CachedNode
	idToKeys       map[identity.NodeId]map[identity.NodeKey]struct{}
	fileIndex      map[string]map[identity.NodeId]struct{}
	posIndex       map[identity.PosKey]identity.NodeKey
	keyToPositions map[identity.NodeKey]map[identity.PosKey]struct{}
	access         map[identity.NodeKey]*accessMeta

	// commitIndex records, per commit hash, every NodeKey inserted or
	// served from L1 by GetOrCompute while that commit was current —
	// the git-aware half of the cache
	// that survives Clear() so commit-scoped lookups keep working
	// across branch switches. currentCommit is set via SetCommit.
	commitIndex   map[string]map[identity.NodeKey]struct{}
	currentCommit string

	inflightMu sync.Mutex
	inflight   map[identity.NodeKey]*sync.Mutex

	config Config
	graph  *invalidation.Graph

	store     l2store.Store
	scheduler *writeback.Scheduler

	evictionMu   sync.Mutex
	lastEviction time.Time

	logger *logrus.Logger
}

// New creates a Cache with no durable tier; get_or_compute falls
// straight through to compute_fn on an L1 miss.
func New(cfg Config, graph *invalidation.Graph, logger *logrus.Logger) *Cache {
	return newCache(cfg, graph, nil, nil, logger)
}

// NewWithPersistence creates a Cache backed by store, with writes
// routed through scheduler. Both may be nil, in which case the cache
// behaves as if persistence were disabled.
func NewWithPersistence(cfg Config, graph *invalidation.Graph, store l2store.Store, scheduler *writeback.Scheduler, logger *logrus.Logger) *Cache {
	return newCache(cfg, graph, store, scheduler, logger)
}

func newCache(cfg Config, graph *invalidation.Graph, store l2store.Store, scheduler *writeback.Scheduler, logger *logrus.Logger) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.TTL < 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.EvictionCheckInterval <= 0 {
		cfg.EvictionCheckInterval = time.Minute
	}
	return &Cache{
		nodes:          make(map[identity.NodeKey]*CachedNode),
		idToKeys:       make(map[identity.NodeId]map[identity.NodeKey]struct{}),
		fileIndex:      make(map[string]map[identity.NodeId]struct{}),
		posIndex:       make(map[identity.PosKey]identity.NodeKey),
		keyToPositions: make(map[identity.NodeKey]map[identity.PosKey]struct{}),
		access:         make(map[identity.NodeKey]*accessMeta),
		commitIndex:    make(map[string]map[identity.NodeKey]struct{}),
		inflight:       make(map[identity.NodeKey]*sync.Mutex),
		config:         cfg,
		graph:          graph,
		store:          store,
		scheduler:      scheduler,
		lastEviction:   time.Now(),
		logger:         logger,
	}
}

// Get returns the cached node for key, touching its access metadata
// on a hit.
func (c *Cache) Get(key identity.NodeKey) (*CachedNode, bool) {
	c.mu.RLock()
	node, ok := c.nodes[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	if meta, ok := c.access[key]; ok {
		meta.lastAccessed = time.Now()
		meta.accessCount++
	}
	c.mu.Unlock()

	return node, true
}

// GetByPosition resolves an editor position to its cached node via
// the position index.
func (c *Cache) GetByPosition(file string, line, column uint32, contentHash string) (*CachedNode, bool) {
	pos := identity.NewPosKey(file, line, column, contentHash)

	c.mu.RLock()
	key, ok := c.posIndex[pos]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c.Get(key)
}

// IndexPosition associates an editor position with an already-cached
// NodeKey, maintaining the reverse key→positions index too.
func (c *Cache) IndexPosition(file string, line, column uint32, contentHash string, key identity.NodeKey) {
	pos := identity.NewPosKey(file, line, column, contentHash)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.posIndex[pos] = key
	if c.keyToPositions[key] == nil {
		c.keyToPositions[key] = make(map[identity.PosKey]struct{})
	}
	c.keyToPositions[key][pos] = struct{}{}
}

// GetOrCompute is the critical path: L1 hit, else per-key single
// flight guarding an L2 lookup and, on L2 miss, compute. Cancelling
// the caller's context still lets the guard release and other waiters
// proceed — the guard itself is acquired outside the caller's ctx.
func (c *Cache) GetOrCompute(ctx context.Context, key identity.NodeKey, compute ComputeFunc) (*CachedNode, error) {
	if node, ok := c.Get(key); ok {
		c.recordCommit(key)
		return node, nil
	}

	guard := c.acquireInflight(key)
	guard.Lock()
	defer func() {
		guard.Unlock()
		c.releaseInflight(key)
	}()

	if node, ok := c.Get(key); ok {
		c.recordCommit(key)
		return node, nil
	}

	if c.store != nil {
		if stored, err := c.store.Get(ctx, key); err == nil && stored != nil {
			node := c.insertNode(key, stored.Info)
			c.maybeEvict()
			return node, nil
		}
	}

	info, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	node := c.insertNode(key, info)

	if c.scheduler != nil {
		c.scheduler.Enqueue(writeback.Message{
			Op:   writeback.OpWrite,
			Key:  key,
			Info: info,
		})
	}

	c.maybeEvict()
	return node, nil
}

func (c *Cache) acquireInflight(key identity.NodeKey) *sync.Mutex {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if g, ok := c.inflight[key]; ok {
		return g
	}
	g := &sync.Mutex{}
	c.inflight[key] = g
	return g
}

func (c *Cache) releaseInflight(key identity.NodeKey) {
	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()
}

// InflightCount reports the number of keys currently being computed,
// surfaced via Stats().
func (c *Cache) InflightCount() int {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return len(c.inflight)
}

// recordCommit adds key to the current commit's commit-index entry
// when commit tracking is on and a current commit is known.
func (c *Cache) recordCommit(key identity.NodeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config.TrackCommits && c.currentCommit != "" {
		if c.commitIndex[c.currentCommit] == nil {
			c.commitIndex[c.currentCommit] = make(map[identity.NodeKey]struct{})
		}
		c.commitIndex[c.currentCommit][key] = struct{}{}
	}
}

func (c *Cache) insertNode(key identity.NodeKey, info identity.CallHierarchyInfo) *CachedNode {
	node := &CachedNode{Key: key, Info: info, CreatedAt: time.Now()}
	id := identity.ToNodeId(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes[key] = node
	c.access[key] = &accessMeta{lastAccessed: node.CreatedAt, accessCount: 1}

	if c.idToKeys[id] == nil {
		c.idToKeys[id] = make(map[identity.NodeKey]struct{})
	}
	c.idToKeys[id][key] = struct{}{}

	if c.fileIndex[id.File] == nil {
		c.fileIndex[id.File] = make(map[identity.NodeId]struct{})
	}
	c.fileIndex[id.File][id] = struct{}{}

	if c.config.TrackCommits && c.currentCommit != "" {
		if c.commitIndex[c.currentCommit] == nil {
			c.commitIndex[c.currentCommit] = make(map[identity.NodeKey]struct{})
		}
		c.commitIndex[c.currentCommit][key] = struct{}{}
	}

	return node
}

// SetCommit records the commit hash new cache entries should be
// attributed to in the commit index. The cache façade calls this from
// its git-context tracker whenever the current commit changes.
func (c *Cache) SetCommit(commit string) {
	c.mu.Lock()
	c.currentCommit = commit
	c.mu.Unlock()
}

// GetForCommit returns the cached node for key if key was recorded in
// the commit index while commit was current, else a miss. This
// reflects historical membership, not live-revision equality: a key
// can be indexed under commit but no longer present in c.nodes if it
// was since evicted or invalidated, in which case this still misses —
// the commit index tracks what existed, not a durable archive of it.
func (c *Cache) GetForCommit(key identity.NodeKey, commit string) (*CachedNode, bool) {
	c.mu.RLock()
	_, recorded := c.commitIndex[commit][key]
	c.mu.RUnlock()
	if !recorded {
		return nil, false
	}
	return c.Get(key)
}

// CommitEntries returns every NodeKey recorded against commit, and
// whether that commit has been observed at all (as opposed to having
// been observed with zero entries, which can't currently happen but
// is distinguished for callers like SnapshotAtCommit that need to
// report "no data for this commit" distinctly from "empty snapshot").
func (c *Cache) CommitEntries(commit string) ([]identity.NodeKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.commitIndex[commit]
	if !ok {
		return nil, false
	}
	out := make([]identity.NodeKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, true
}

// DiffCommits compares the commit index's recorded key sets for from
// and to, returning the NodeKeys added (present in to, not from),
// removed (present in from, not to), and common to both. A commit
// never observed is treated as an empty set.
func (c *Cache) DiffCommits(from, to string) (added, removed, common []identity.NodeKey) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fromSet := c.commitIndex[from]
	toSet := c.commitIndex[to]

	for k := range toSet {
		if _, ok := fromSet[k]; ok {
			common = append(common, k)
		} else {
			added = append(added, k)
		}
	}
	for k := range fromSet {
		if _, ok := toSet[k]; !ok {
			removed = append(removed, k)
		}
	}
	return added, removed, common
}

// UpdateEdges delegates to the invalidation graph; the cache itself
// holds no edge state.
func (c *Cache) UpdateEdges(id identity.NodeId, incoming, outgoing []identity.NodeId) {
	c.graph.UpdateEdges(id, incoming, outgoing)
}

// InvalidateNode removes node id and, when depth > 0, every node
// reachable from it within depth hops over either edge direction.
func (c *Cache) InvalidateNode(id identity.NodeId, depth int) {
	affected := c.graph.Affected(id, depth)

	c.mu.Lock()
	for _, aid := range affected {
		c.removeByIDLocked(aid)
	}
	c.mu.Unlock()

	for _, aid := range affected {
		c.graph.Remove(aid)
	}

	c.logger.WithFields(logrus.Fields{"node": id.String(), "depth": depth, "count": len(affected)}).Info("l1cache: invalidated nodes")
}

// removeByIDLocked removes every NodeKey belonging to id, purging
// secondary indexes and queuing durable removal. Caller holds c.mu.
func (c *Cache) removeByIDLocked(id identity.NodeId) {
	keys := c.idToKeys[id]
	delete(c.idToKeys, id)
	delete(c.fileIndex[id.File], id)
	if len(c.fileIndex[id.File]) == 0 {
		delete(c.fileIndex, id.File)
	}

	for key := range keys {
		c.removeKeyLocked(key)
		if c.scheduler != nil {
			c.scheduler.Enqueue(writeback.Message{Op: writeback.OpRemove, Key: key})
		}
	}
}

func (c *Cache) removeKeyLocked(key identity.NodeKey) {
	delete(c.nodes, key)
	delete(c.access, key)
	for pos := range c.keyToPositions[key] {
		delete(c.posIndex, pos)
	}
	delete(c.keyToPositions, key)
}

// InvalidateFile removes every node belonging to file and emits a
// single durable RemoveFile.
func (c *Cache) InvalidateFile(file string) {
	c.mu.Lock()
	ids := c.fileIndex[file]
	delete(c.fileIndex, file)

	count := 0
	for id := range ids {
		keys := c.idToKeys[id]
		delete(c.idToKeys, id)
		for key := range keys {
			c.removeKeyLocked(key)
			count++
		}
	}
	c.mu.Unlock()

	for id := range ids {
		c.graph.Remove(id)
	}

	if count > 0 && c.scheduler != nil {
		c.scheduler.Enqueue(writeback.Message{Op: writeback.OpRemoveFile, File: file})
	}

	c.logger.WithFields(logrus.Fields{"file": file, "count": count}).Info("l1cache: invalidated file")
}

// Clear drops all in-memory state and emits a durable Clear.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.nodes = make(map[identity.NodeKey]*CachedNode)
	c.idToKeys = make(map[identity.NodeId]map[identity.NodeKey]struct{})
	c.fileIndex = make(map[string]map[identity.NodeId]struct{})
	c.posIndex = make(map[identity.PosKey]identity.NodeKey)
	c.keyToPositions = make(map[identity.NodeKey]map[identity.PosKey]struct{})
	c.access = make(map[identity.NodeKey]*accessMeta)
	c.mu.Unlock()

	c.inflightMu.Lock()
	c.inflight = make(map[identity.NodeKey]*sync.Mutex)
	c.inflightMu.Unlock()

	c.graph.Clear()

	if c.scheduler != nil {
		c.scheduler.Enqueue(writeback.Message{Op: writeback.OpClear})
	}

	c.logger.Info("l1cache: cleared")
}

// MaybeEvict runs the eviction pass if EvictionCheckInterval has
// elapsed since the last run, guarded by a single mutex so concurrent
// callers don't stampede into redundant passes.
func (c *Cache) MaybeEvict() {
	c.maybeEvict()
}

func (c *Cache) maybeEvict() {
	c.evictionMu.Lock()
	if time.Since(c.lastEviction) < c.config.EvictionCheckInterval {
		c.evictionMu.Unlock()
		return
	}
	c.lastEviction = time.Now()
	c.evictionMu.Unlock()

	c.doEvict()
}

// ForceEvict runs the eviction pass unconditionally regardless of
// EvictionCheckInterval — exported for test use, mirroring the
// original's test-only force_evict.
func (c *Cache) ForceEvict() {
	c.doEvict()
}

type lruCandidate struct {
	key          identity.NodeKey
	lastAccessed time.Time
	accessCount  int
}

func (c *Cache) doEvict() {
	now := time.Now()

	c.mu.RLock()
	var expired []identity.NodeKey
	var candidates []lruCandidate
	for key, node := range c.nodes {
		if now.Sub(node.CreatedAt) > c.config.TTL {
			expired = append(expired, key)
			continue
		}
		if meta, ok := c.access[key]; ok {
			candidates = append(candidates, lruCandidate{key, meta.lastAccessed, meta.accessCount})
		} else {
			candidates = append(candidates, lruCandidate{key, node.CreatedAt, 1})
		}
	}
	total := len(c.nodes)
	c.mu.RUnlock()

	for _, key := range expired {
		c.removeExpired(key)
	}

	remaining := total - len(expired)
	if remaining <= c.config.Capacity {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastAccessed.Equal(candidates[j].lastAccessed) {
			return candidates[i].lastAccessed.Before(candidates[j].lastAccessed)
		}
		return candidates[i].accessCount < candidates[j].accessCount
	})

	toEvict := remaining - c.config.Capacity
	for i := 0; i < toEvict && i < len(candidates); i++ {
		c.removeLRU(candidates[i].key)
	}

	c.logger.WithFields(logrus.Fields{"expired": len(expired), "lru_evicted": toEvict}).Debug("l1cache: eviction pass")
}

// removeExpired removes a TTL-expired key from L1 only — TTL is an
// L1-only policy, so no durable removal is queued.
func (c *Cache) removeExpired(key identity.NodeKey) {
	c.mu.Lock()
	id := identity.ToNodeId(key)
	c.removeKeyLocked(key)
	if set := c.idToKeys[id]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(c.idToKeys, id)
			delete(c.fileIndex[id.File], id)
			if len(c.fileIndex[id.File]) == 0 {
				delete(c.fileIndex, id.File)
			}
		}
	}
	c.mu.Unlock()
}

// removeLRU removes a capacity-evicted key from L1 and queues its
// durable removal.
func (c *Cache) removeLRU(key identity.NodeKey) {
	c.removeExpired(key)
	if c.scheduler != nil {
		c.scheduler.Enqueue(writeback.Message{Op: writeback.OpRemove, Key: key})
	}
}

// Stats reports the counters exposed through the cache façade.
type Stats struct {
	TotalNodes int
	TotalIDs   int
	TotalFiles int
	Inflight   int
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		TotalNodes: len(c.nodes),
		TotalIDs:   len(c.idToKeys),
		TotalFiles: len(c.fileIndex),
		Inflight:   c.InflightCount(),
	}
}

// WarmFromPersistence loads nodes from the durable store up to
// Capacity, skipping NodeIds already represented by another revision,
// for startup cache warming.
func (c *Cache) WarmFromPersistence(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}

	nodes, err := c.store.IterNodes(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	seen := make(map[identity.NodeId]struct{})
	for _, n := range nodes {
		if loaded >= c.config.Capacity {
			break
		}
		id := identity.ToNodeId(n.Key)
		if _, ok := seen[id]; ok {
			continue
		}
		c.insertNode(n.Key, n.Info)
		seen[id] = struct{}{}
		loaded++
	}

	c.logger.WithField("loaded", loaded).Info("l1cache: warmed from persistence")
	return loaded, nil
}
