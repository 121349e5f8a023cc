// Package gitcontext tracks the workspace's git state across calls:
// current commit/branch, a bounded history ring, and the transitions
// (branch switch, new commits, force-push/history-rewrite) that drive
// cache invalidation. Repository access itself is a collaborator
// (Service) so the tracker never shells out directly.
package gitcontext

// Context is a point-in-time snapshot of the workspace's git state.
type Context struct {
	Commit   string
	Branch   string
	Dirty    bool
	Remote   string
	RepoRoot string
}

// HasChanged reports whether other differs from c in any field.
func (c Context) HasChanged(other Context) bool {
	return c != other
}

// HasBranchChanged reports a branch-only transition.
func (c Context) HasBranchChanged(other Context) bool {
	return c.Branch != other.Branch
}

// HasNewCommits reports a commit transition on the same branch.
func (c Context) HasNewCommits(other Context) bool {
	return c.Branch == other.Branch && c.Commit != other.Commit
}

// BranchStats summarizes cache activity for one branch namespace.
type BranchStats struct {
	Branch       string
	TotalEntries int
	LastActive   string
	HitRate      float64
}

// CommitStats summarizes cache activity for one commit.
type CommitStats struct {
	Commit       string
	TotalEntries int
	LastActive   string
	HitRate      float64
}
