package gitcontext

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvalidator struct {
	cleared       bool
	invalidatedFn []string
	commits       []string
}

func (f *fakeInvalidator) InvalidateFile(file string) { f.invalidatedFn = append(f.invalidatedFn, file) }
func (f *fakeInvalidator) Clear()                     { f.cleared = true }
func (f *fakeInvalidator) SetCommit(commit string)    { f.commits = append(f.commits, commit) }

type fakeService struct {
	changedFiles map[string][]string
	digest       string
	changedErr   error
}

func (f *fakeService) CurrentBranch(ctx context.Context) (string, error) { return "", nil }
func (f *fakeService) CurrentCommit(ctx context.Context) (string, error) { return "", nil }
func (f *fakeService) IsDirty(ctx context.Context) (bool, error)         { return false, nil }
func (f *fakeService) RemoteURL(ctx context.Context) (string, error)     { return "", nil }
func (f *fakeService) RepoRoot(ctx context.Context) (string, error)      { return "", nil }
func (f *fakeService) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	if f.changedErr != nil {
		return nil, f.changedErr
	}
	return f.changedFiles[from+".."+to], nil
}
func (f *fakeService) ParentSHAsDigest(ctx context.Context) (string, error) { return f.digest, nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestBranchSwitchClearsWhenNotPreserved(t *testing.T) {
	inv := &fakeInvalidator{}
	svc := &fakeService{digest: "d1"}
	tr := New(Config{TrackCommits: true, PreserveAcrossBranches: false, AutoDetectChanges: true, MaxHistoryDepth: 10}, svc, inv, testLogger())

	tr.SetContext(context.Background(), Context{Commit: "c1", Branch: "main"})
	assert.False(t, inv.cleared)

	tr.SetContext(context.Background(), Context{Commit: "c1", Branch: "feature"})
	assert.True(t, inv.cleared)

	bs := tr.BranchCacheStats("feature")
	require.NotNil(t, bs)
	assert.Equal(t, 0, bs.TotalEntries)
}

func TestBranchSwitchPreservedDoesNotClear(t *testing.T) {
	inv := &fakeInvalidator{}
	svc := &fakeService{digest: "d1"}
	tr := New(Config{PreserveAcrossBranches: true, MaxHistoryDepth: 10}, svc, inv, testLogger())

	tr.SetContext(context.Background(), Context{Commit: "c1", Branch: "main"})
	tr.SetContext(context.Background(), Context{Commit: "c1", Branch: "feature"})
	assert.False(t, inv.cleared)
}

func TestNewCommitInvalidatesChangedFilesOnly(t *testing.T) {
	inv := &fakeInvalidator{}
	svc := &fakeService{
		digest:       "d1",
		changedFiles: map[string][]string{"c1..c2": {"/x"}},
	}
	tr := New(Config{TrackCommits: true, AutoDetectChanges: true, MaxHistoryDepth: 10}, svc, inv, testLogger())

	tr.SetContext(context.Background(), Context{Commit: "c1", Branch: "main"})
	tr.SetContext(context.Background(), Context{Commit: "c2", Branch: "main"})

	assert.Equal(t, []string{"/x"}, inv.invalidatedFn)
	assert.False(t, inv.cleared)
}

func TestNewCommitDiffFailureFallsBackToClear(t *testing.T) {
	inv := &fakeInvalidator{}
	svc := &fakeService{digest: "d1", changedErr: assertErr{}}
	tr := New(Config{TrackCommits: true, AutoDetectChanges: true, MaxHistoryDepth: 10}, svc, inv, testLogger())

	tr.SetContext(context.Background(), Context{Commit: "c1", Branch: "main"})
	tr.SetContext(context.Background(), Context{Commit: "c2", Branch: "main"})

	assert.True(t, inv.cleared)
}

type assertErr struct{}

func (assertErr) Error() string { return "diff failed" }

func TestHistoryRingBounded(t *testing.T) {
	inv := &fakeInvalidator{}
	svc := &fakeService{digest: "d1"}
	tr := New(Config{MaxHistoryDepth: 2}, svc, inv, testLogger())

	tr.SetContext(context.Background(), Context{Commit: "c1", Branch: "main"})
	tr.SetContext(context.Background(), Context{Commit: "c2", Branch: "main"})
	tr.SetContext(context.Background(), Context{Commit: "c3", Branch: "main"})

	h := tr.History()
	require.Len(t, h, 2)
	assert.Equal(t, "c2", h[0].Commit)
	assert.Equal(t, "c3", h[1].Commit)
}

func TestHistoryRewriteDetectedClears(t *testing.T) {
	inv := &fakeInvalidator{}
	svc := &fakeService{digest: "d1"}
	tr := New(Config{MaxHistoryDepth: 10}, svc, inv, testLogger())

	tr.SetContext(context.Background(), Context{Commit: "c1", Branch: "main"})
	svc.digest = "d2-rewritten"
	tr.SetContext(context.Background(), Context{Commit: "c1", Branch: "main"})

	assert.True(t, inv.cleared)
}

func TestHasChangedComparators(t *testing.T) {
	a := Context{Commit: "c1", Branch: "main"}
	b := Context{Commit: "c1", Branch: "main"}
	c := Context{Commit: "c2", Branch: "main"}
	d := Context{Commit: "c1", Branch: "feature"}

	assert.False(t, a.HasChanged(b))
	assert.True(t, a.HasChanged(c))
	assert.True(t, a.HasNewCommits(c))
	assert.False(t, a.HasBranchChanged(c))
	assert.True(t, a.HasBranchChanged(d))
}
