package gitcontext

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os/exec"
	"strings"

	"github.com/coderisk/cachecore/internal/errs"
)

// Service is the minimal capability the tracker needs from a
// repository; production code talks to a real checkout, tests supply
// a fake. Repository discovery and process supervision never live in
// this package.
type Service interface {
	CurrentBranch(ctx context.Context) (string, error)
	CurrentCommit(ctx context.Context) (string, error)
	IsDirty(ctx context.Context) (bool, error)
	RemoteURL(ctx context.Context) (string, error)
	RepoRoot(ctx context.Context) (string, error)
	ChangedFiles(ctx context.Context, fromCommit, toCommit string) ([]string, error)
	ParentSHAsDigest(ctx context.Context) (string, error)
}

// ExecService implements Service by shelling out to the git binary
// against a working directory, the same way a CLI collaborator would.
type ExecService struct {
	dir string
}

// NewExecService returns a Service rooted at dir.
func NewExecService(dir string) *ExecService {
	return &ExecService{dir: dir}
}

func (s *ExecService) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.dir
	out, err := cmd.Output()
	if err != nil {
		return "", errs.Wrapf(err, errs.Unavailable, "git %s", strings.Join(args, " "))
	}
	return strings.TrimSpace(string(out)), nil
}

func (s *ExecService) CurrentBranch(ctx context.Context) (string, error) {
	return s.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

func (s *ExecService) CurrentCommit(ctx context.Context) (string, error) {
	return s.run(ctx, "rev-parse", "HEAD")
}

func (s *ExecService) IsDirty(ctx context.Context) (bool, error) {
	out, err := s.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (s *ExecService) RemoteURL(ctx context.Context) (string, error) {
	return s.run(ctx, "config", "--get", "remote.origin.url")
}

func (s *ExecService) RepoRoot(ctx context.Context) (string, error) {
	return s.run(ctx, "rev-parse", "--show-toplevel")
}

// ChangedFiles lists the paths that differ between two commits,
// covering both the new-commit and the force-push invalidation paths.
func (s *ExecService) ChangedFiles(ctx context.Context, fromCommit, toCommit string) ([]string, error) {
	out, err := s.run(ctx, "diff", "--name-only", fromCommit, toCommit)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ParentSHAsDigest hashes the full commit/parent relationship table,
// used to detect history rewrites: an unchanged HEAD but a differing
// digest means history was rewritten underneath it.
func (s *ExecService) ParentSHAsDigest(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "log", "--format=%H:%P", "HEAD")
	cmd.Dir = s.dir
	out, err := cmd.Output()
	if err != nil {
		return "", errs.Wrap(err, errs.Unavailable, "git log")
	}
	sum := sha256.Sum256(out)
	return fmt.Sprintf("%x", sum), nil
}

// Snapshot builds a Context from the current state of svc.
func Snapshot(ctx context.Context, svc Service) (Context, error) {
	branch, err := svc.CurrentBranch(ctx)
	if err != nil {
		return Context{}, err
	}
	commit, err := svc.CurrentCommit(ctx)
	if err != nil {
		return Context{}, err
	}
	dirty, err := svc.IsDirty(ctx)
	if err != nil {
		return Context{}, err
	}
	remote, err := svc.RemoteURL(ctx)
	if err != nil {
		remote = ""
	}
	root, err := svc.RepoRoot(ctx)
	if err != nil {
		return Context{}, err
	}
	return Context{Commit: commit, Branch: branch, Dirty: dirty, Remote: remote, RepoRoot: root}, nil
}
