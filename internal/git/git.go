// Package git is the version-control adapter. It shells out to the git
// binary through a swappable executor.
package git

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zhubert/ensemble/internal/errors"
	"github.com/zhubert/ensemble/internal/logger"
)

// Adapter performs the branch operations sessions depend on.
type Adapter struct {
	executor CommandExecutor
}

// NewAdapter returns an adapter using the real git binary.
func NewAdapter() *Adapter {
	return &Adapter{executor: NewRealExecutor()}
}

// NewAdapterWithExecutor returns an adapter using the given executor.
// Intended for tests.
func NewAdapterWithExecutor(e CommandExecutor) *Adapter {
	return &Adapter{executor: e}
}

// IsRepo reports whether path is a directory inside a git repository.
func (a *Adapter) IsRepo(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, _, err = a.executor.Run(ctx, path, "git", "rev-parse", "--git-dir")
	return err == nil
}

// BranchExists reports whether the named branch exists in the
// repository at path.
func (a *Adapter) BranchExists(ctx context.Context, name, path string) bool {
	_, _, err := a.executor.Run(ctx, path, "git", "rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// CreateBranch creates a branch off baseBranch in the repository at
// path. Returns a branch-exists error when the name is taken so the
// caller can retry with a fresh name.
func (a *Adapter) CreateBranch(ctx context.Context, name, baseBranch, path string) error {
	if a.BranchExists(ctx, name, path) {
		return errors.BranchExists(name)
	}

	output, err := a.executor.CombinedOutput(ctx, path, "git", "branch", name, baseBranch)
	if err != nil {
		if strings.Contains(output, "already exists") {
			return errors.BranchExists(name)
		}
		return errors.GitOperationFailed("git.CreateBranch",
			fmt.Sprintf("create branch %s from %s: %s", name, baseBranch, strings.TrimSpace(output)), err)
	}
	logger.Debug("Git: created branch %s from %s in %s", name, baseBranch, path)
	return nil
}

// CheckoutBranch checks out the named branch in the repository at path.
func (a *Adapter) CheckoutBranch(ctx context.Context, name, path string) error {
	output, err := a.executor.CombinedOutput(ctx, path, "git", "checkout", name)
	if err != nil {
		return errors.GitOperationFailed("git.CheckoutBranch",
			fmt.Sprintf("checkout %s: %s", name, strings.TrimSpace(output)), err)
	}
	logger.Debug("Git: checked out %s in %s", name, path)
	return nil
}

// DeleteBranch force-deletes the named branch.
func (a *Adapter) DeleteBranch(ctx context.Context, name, path string) error {
	output, err := a.executor.CombinedOutput(ctx, path, "git", "branch", "-D", name)
	if err != nil {
		return errors.GitOperationFailed("git.DeleteBranch",
			fmt.Sprintf("delete branch %s: %s", name, strings.TrimSpace(output)), err)
	}
	return nil
}

// CurrentBranch returns the branch currently checked out at path.
func (a *Adapter) CurrentBranch(ctx context.Context, path string) (string, error) {
	output, err := a.executor.Output(ctx, path, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.GitOperationFailed("git.CurrentBranch", "rev-parse HEAD", err)
	}
	return strings.TrimSpace(output), nil
}

// Status returns a short-format status summary for the repository.
func (a *Adapter) Status(ctx context.Context, path string) (string, error) {
	output, err := a.executor.Output(ctx, path, "git", "status", "--porcelain")
	if err != nil {
		return "", errors.GitOperationFailed("git.Status", "status --porcelain", err)
	}
	return strings.TrimSpace(output), nil
}

// DefaultBranch returns the repository's default branch, falling back
// to master when main does not exist.
func (a *Adapter) DefaultBranch(ctx context.Context, path string) string {
	output, err := a.executor.Output(ctx, path, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(output)
		if i := strings.LastIndex(ref, "/"); i >= 0 {
			return ref[i+1:]
		}
	}

	if a.BranchExists(ctx, "main", path) {
		return "main"
	}
	return "master"
}
