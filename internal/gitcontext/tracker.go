package gitcontext

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Invalidator is the slice of the cache façade the tracker drives:
// whole-file invalidation on detected changes, and a full wipe when a
// branch switch or an unreconcilable history rewrite demands one.
type Invalidator interface {
	InvalidateFile(file string)
	Clear()
	SetCommit(commit string)
}

// historyEntry is one ring-buffer slot recording a context transition.
type historyEntry struct {
	Context   Context
	Branch    bool
	NewCommit bool
	At        time.Time
}

// Config tunes tracker behavior, mirroring config.GitConfig.
type Config struct {
	TrackCommits           bool
	NamespaceByBranch      bool
	PreserveAcrossBranches bool
	AutoDetectChanges      bool
	MaxHistoryDepth        int
}

// Tracker observes workspace git-state transitions and turns them into
// cache invalidations. It holds no repository access itself — all git
// queries go through the injected Service.
type Tracker struct {
	mu sync.RWMutex

	cfg     Config
	svc     Service
	cache   Invalidator
	logger  *logrus.Logger
	current Context

	history    []historyEntry
	lastDigest string

	branchStats map[string]*BranchStats
	commitStats map[string]*CommitStats

	statsCache *cache.Cache
}

// New creates a Tracker with no prior context; the first SetContext
// call seeds current without triggering any invalidation.
func New(cfg Config, svc Service, inv Invalidator, logger *logrus.Logger) *Tracker {
	if cfg.MaxHistoryDepth <= 0 {
		cfg.MaxHistoryDepth = 100
	}
	return &Tracker{
		cfg:         cfg,
		svc:         svc,
		cache:       inv,
		logger:      logger,
		branchStats: make(map[string]*BranchStats),
		commitStats: make(map[string]*CommitStats),
		statsCache:  cache.New(5*time.Minute, 10*time.Minute),
	}
}

// Current returns the last context recorded by SetContext.
func (t *Tracker) Current() Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Refresh snapshots the injected Service and feeds the result to
// SetContext, the common case of polling the workspace for changes.
func (t *Tracker) Refresh(ctx context.Context) error {
	next, err := Snapshot(ctx, t.svc)
	if err != nil {
		return err
	}
	t.SetContext(ctx, next)
	return nil
}

// SetContext transitions the tracker to next, invalidating the cache
// as required by the kind of transition observed:
//   - branch switch with PreserveAcrossBranches=false clears the cache
//   - new commits on the same branch invalidate the changed files, or
//     the whole cache if the diff can't be computed
//   - a detected history rewrite (force-push) always clears the cache,
//     since per-file diffing against a rewritten history is unsound
func (t *Tracker) SetContext(ctx context.Context, next Context) {
	t.mu.Lock()
	prev := t.current
	first := prev == Context{}
	t.current = next
	t.mu.Unlock()

	t.cache.SetCommit(next.Commit)

	if first {
		t.checkHistoryRewrite(ctx)
		t.recordHistory(next, false, false)
		t.touchStats(next)
		return
	}

	branchChanged := prev.HasBranchChanged(next)
	newCommits := t.cfg.TrackCommits && prev.HasNewCommits(next)

	if branchChanged {
		t.logger.WithFields(logrus.Fields{"from": prev.Branch, "to": next.Branch}).Info("gitcontext: branch switch detected")
		if !t.cfg.PreserveAcrossBranches {
			// TODO: consider namespacing L1 entries by branch once a
			// content-hash comparison across branches is cheap enough
			// to avoid a false-stale/false-fresh trade-off.
			t.cache.Clear()
		}
	} else if newCommits && t.cfg.AutoDetectChanges {
		t.handleNewCommits(ctx, prev, next)
	}

	if rewritten := t.checkHistoryRewrite(ctx); rewritten {
		t.logger.Warn("gitcontext: history rewrite detected, clearing cache")
		t.cache.Clear()
	}

	t.recordHistory(next, branchChanged, newCommits)
	t.touchStats(next)
}

func (t *Tracker) handleNewCommits(ctx context.Context, prev, next Context) {
	files, err := t.svc.ChangedFiles(ctx, prev.Commit, next.Commit)
	if err != nil {
		t.logger.WithError(err).Warn("gitcontext: failed to diff commits, clearing cache")
		t.cache.Clear()
		return
	}
	for _, f := range files {
		t.cache.InvalidateFile(f)
	}
	t.logger.WithFields(logrus.Fields{"from": prev.Commit, "to": next.Commit, "files": len(files)}).Info("gitcontext: new commits invalidated changed files")
}

// checkHistoryRewrite compares the current parent-SHA digest against
// the last observed one. It never fails the transition: a query error
// is logged and treated as "no rewrite detected".
func (t *Tracker) checkHistoryRewrite(ctx context.Context) bool {
	digest, err := t.svc.ParentSHAsDigest(ctx)
	if err != nil {
		t.logger.WithError(err).Debug("gitcontext: could not compute parent digest")
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	prevDigest := t.lastDigest
	t.lastDigest = digest
	if prevDigest == "" {
		return false
	}
	return prevDigest != digest
}

func (t *Tracker) recordHistory(c Context, branch, newCommit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, historyEntry{Context: c, Branch: branch, NewCommit: newCommit, At: time.Now()})
	if overflow := len(t.history) - t.cfg.MaxHistoryDepth; overflow > 0 {
		t.history = t.history[overflow:]
	}
}

// History returns a copy of the bounded transition ring, oldest first.
func (t *Tracker) History() []Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Context, len(t.history))
	for i, e := range t.history {
		out[i] = e.Context
	}
	return out
}

func (t *Tracker) touchStats(c Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bs, ok := t.branchStats[c.Branch]
	if !ok {
		bs = &BranchStats{Branch: c.Branch}
		t.branchStats[c.Branch] = bs
	}
	bs.LastActive = time.Now().Format(time.RFC3339)

	cs, ok := t.commitStats[c.Commit]
	if !ok {
		cs = &CommitStats{Commit: c.Commit}
		t.commitStats[c.Commit] = cs
	}
	cs.LastActive = time.Now().Format(time.RFC3339)
}

// BranchCacheStats returns a snapshot of the named branch's tracked
// activity, or nil if no context has ever been set for it.
func (t *Tracker) BranchCacheStats(branch string) *BranchStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bs, ok := t.branchStats[branch]; ok {
		cp := *bs
		return &cp
	}
	return nil
}

// CommitCacheStats returns a snapshot of the named commit's tracked
// activity, or nil if no context has ever been set for it.
func (t *Tracker) CommitCacheStats(commit string) *CommitStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cs, ok := t.commitStats[commit]; ok {
		cp := *cs
		return &cp
	}
	return nil
}

// RecordEntryCount lets the cache façade report current entry counts
// per branch/commit namespace for stats surfacing. The count and hit
// rate are stored on the branch's and commit's stats entries; the count
// is also written to statsCache, which nothing in this package reads.
func (t *Tracker) RecordEntryCount(branch, commit string, count int, hitRate float64) {
	t.mu.Lock()
	if bs, ok := t.branchStats[branch]; ok {
		bs.TotalEntries = count
		bs.HitRate = hitRate
	}
	if cs, ok := t.commitStats[commit]; ok {
		cs.TotalEntries = count
		cs.HitRate = hitRate
	}
	t.mu.Unlock()

	t.statsCache.SetDefault(branch+":"+commit, count)
}
