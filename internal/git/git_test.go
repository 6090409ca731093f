package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/zhubert/ensemble/internal/errors"
)

var ctx = context.Background()

// createTestRepo creates a temporary git repository with one commit on
// a branch named main.
func createTestRepo(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	testFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("test content"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "Initial commit")

	return tmpDir
}

func TestIsRepo(t *testing.T) {
	a := NewAdapter()
	repo := createTestRepo(t)

	if !a.IsRepo(ctx, repo) {
		t.Error("IsRepo = false for a real repository")
	}
	if a.IsRepo(ctx, t.TempDir()) {
		t.Error("IsRepo = true for a plain directory")
	}
	if a.IsRepo(ctx, filepath.Join(repo, "does-not-exist")) {
		t.Error("IsRepo = true for a missing path")
	}
	// A file inside the repo is not a directory
	if a.IsRepo(ctx, filepath.Join(repo, "test.txt")) {
		t.Error("IsRepo = true for a regular file")
	}
}

func TestCreateBranch(t *testing.T) {
	a := NewAdapter()
	repo := createTestRepo(t)

	if err := a.CreateBranch(ctx, "session/test-1", "main", repo); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if !a.BranchExists(ctx, "session/test-1", repo) {
		t.Error("branch missing after CreateBranch")
	}
}

func TestCreateBranch_AlreadyExists(t *testing.T) {
	a := NewAdapter()
	repo := createTestRepo(t)

	if err := a.CreateBranch(ctx, "session/dup", "main", repo); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	err := a.CreateBranch(ctx, "session/dup", "main", repo)
	if !errors.Is(err, errors.KindBranchExists) {
		t.Errorf("expected KindBranchExists, got %v", err)
	}
}

func TestCreateBranch_BadBase(t *testing.T) {
	a := NewAdapter()
	repo := createTestRepo(t)

	err := a.CreateBranch(ctx, "session/orphan", "no-such-base", repo)
	if !errors.Is(err, errors.KindGit) {
		t.Errorf("expected KindGit, got %v", err)
	}
}

func TestCheckoutBranch(t *testing.T) {
	a := NewAdapter()
	repo := createTestRepo(t)

	if err := a.CreateBranch(ctx, "session/co", "main", repo); err != nil {
		t.Fatal(err)
	}
	if err := a.CheckoutBranch(ctx, "session/co", repo); err != nil {
		t.Fatalf("CheckoutBranch failed: %v", err)
	}

	current, err := a.CurrentBranch(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if current != "session/co" {
		t.Errorf("current branch = %q", current)
	}
}

func TestCheckoutBranch_Missing(t *testing.T) {
	a := NewAdapter()
	repo := createTestRepo(t)

	err := a.CheckoutBranch(ctx, "session/ghost", repo)
	if !errors.Is(err, errors.KindGit) {
		t.Errorf("expected KindGit, got %v", err)
	}
}

func TestDeleteBranch(t *testing.T) {
	a := NewAdapter()
	repo := createTestRepo(t)

	if err := a.CreateBranch(ctx, "session/gone", "main", repo); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteBranch(ctx, "session/gone", repo); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}
	if a.BranchExists(ctx, "session/gone", repo) {
		t.Error("branch still exists after delete")
	}
}

func TestStatus(t *testing.T) {
	a := NewAdapter()
	repo := createTestRepo(t)

	status, err := a.Status(ctx, repo)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != "" {
		t.Errorf("clean repo status = %q", status)
	}

	if err := os.WriteFile(filepath.Join(repo, "dirty.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	status, err = a.Status(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if status == "" {
		t.Error("dirty repo reported clean status")
	}
}

func TestDefaultBranch(t *testing.T) {
	a := NewAdapter()
	repo := createTestRepo(t)

	if got := a.DefaultBranch(ctx, repo); got != "main" {
		t.Errorf("DefaultBranch = %q, want main", got)
	}
}
