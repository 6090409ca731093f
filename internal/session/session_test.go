package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zhubert/ensemble/internal/errors"
	"github.com/zhubert/ensemble/internal/store"
)

// fakeVC is an in-memory version-control adapter.
type fakeVC struct {
	mu sync.Mutex

	notARepo      bool
	branches      map[string]bool
	checkoutErr   error
	deleteErr     error
	currentBranch string

	// collideCreates makes the first N CreateBranch calls fail with a
	// branch-exists error regardless of the name.
	collideCreates int

	createCalls   []string
	checkoutCalls []string
	deleteCalls   []string
}

func newFakeVC() *fakeVC {
	return &fakeVC{branches: make(map[string]bool)}
}

func (f *fakeVC) IsRepo(ctx context.Context, path string) bool {
	return !f.notARepo
}

func (f *fakeVC) CreateBranch(ctx context.Context, name, baseBranch, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, name)
	if f.collideCreates > 0 {
		f.collideCreates--
		return errors.BranchExists(name)
	}
	if f.branches[name] {
		return errors.BranchExists(name)
	}
	f.branches[name] = true
	return nil
}

func (f *fakeVC) CheckoutBranch(ctx context.Context, name, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkoutCalls = append(f.checkoutCalls, name)
	return f.checkoutErr
}

func (f *fakeVC) BranchExists(ctx context.Context, name, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[name]
}

func (f *fakeVC) DeleteBranch(ctx context.Context, name, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, name)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.branches, name)
	return nil
}

func (f *fakeVC) CurrentBranch(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentBranch, nil
}

func (f *fakeVC) Status(ctx context.Context, path string) (string, error) {
	return "M file.go", nil
}

func newTestManager(t *testing.T) (*Manager, *fakeVC, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 2, nil)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	vc := newFakeVC()
	return NewManager(st, vc), vc, st
}

func TestCreate(t *testing.T) {
	m, vc, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateParams{Title: "T1", RootDirectory: "/repo"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.BranchName != "session/"+sess.ID {
		t.Errorf("BranchName = %q", sess.BranchName)
	}
	if sess.BaseBranch != "main" {
		t.Errorf("BaseBranch = %q, want main", sess.BaseBranch)
	}
	if sess.IsActive {
		t.Error("new session should not be active")
	}
	if !vc.branches[sess.BranchName] {
		t.Error("branch was not created")
	}

	got, err := m.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != "T1" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestCreate_BlankFields(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateParams{Title: "  ", RootDirectory: "/repo"}); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("blank title: expected KindInvalid, got %v", err)
	}
	if _, err := m.Create(ctx, CreateParams{Title: "ok", RootDirectory: ""}); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("blank root: expected KindInvalid, got %v", err)
	}
}

func TestCreate_NotARepo(t *testing.T) {
	m, vc, _ := newTestManager(t)
	vc.notARepo = true

	_, err := m.Create(context.Background(), CreateParams{Title: "T", RootDirectory: "/not-repo"})
	if !errors.Is(err, errors.KindNotRepo) {
		t.Errorf("expected KindNotRepo, got %v", err)
	}
}

func TestCreate_RetriesOnCollision(t *testing.T) {
	m, vc, _ := newTestManager(t)
	vc.collideCreates = 2

	sess, err := m.Create(context.Background(), CreateParams{Title: "T", RootDirectory: "/repo"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(vc.createCalls) != 3 {
		t.Errorf("createCalls = %d, want 3", len(vc.createCalls))
	}
	// The id must have been regenerated each attempt
	if vc.createCalls[0] == vc.createCalls[2] {
		t.Error("branch name was not regenerated between attempts")
	}
	if sess.BranchName != vc.createCalls[2] {
		t.Errorf("session bound to %q, last attempt was %q", sess.BranchName, vc.createCalls[2])
	}
}

func TestCreate_CollisionExhaustion(t *testing.T) {
	m, vc, _ := newTestManager(t)
	vc.collideCreates = 3

	_, err := m.Create(context.Background(), CreateParams{Title: "T", RootDirectory: "/repo"})
	if !errors.Is(err, errors.KindGit) {
		t.Errorf("expected KindGit after exhausted retries, got %v", err)
	}
	if len(vc.createCalls) != 3 {
		t.Errorf("createCalls = %d, want exactly 3", len(vc.createCalls))
	}
}

func TestSwitch(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateParams{Title: "a", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Create(ctx, CreateParams{Title: "b", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Switch(ctx, a.ID)
	if err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if !got.IsActive {
		t.Error("switched session not active")
	}

	// Switching to b deactivates a
	if _, err := m.Switch(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	active, err := m.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != b.ID {
		t.Errorf("active = %v, want b", active)
	}
	gotA, err := m.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotA.IsActive {
		t.Error("previous session still active")
	}
}

func TestSwitch_Idempotent(t *testing.T) {
	m, vc, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateParams{Title: "a", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Switch(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	checkouts := len(vc.checkoutCalls)

	got, err := m.Switch(ctx, sess.ID)
	if err != nil {
		t.Fatalf("second Switch failed: %v", err)
	}
	if !got.IsActive {
		t.Error("session no longer active")
	}
	if len(vc.checkoutCalls) != checkouts {
		t.Error("second switch performed a git checkout")
	}
}

func TestSwitch_CheckoutFailureLeavesFlagsUntouched(t *testing.T) {
	m, vc, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateParams{Title: "a", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Create(ctx, CreateParams{Title: "b", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Switch(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	vc.checkoutErr = errors.GitOperationFailed("git.CheckoutBranch", "dirty worktree", nil)
	_, err = m.Switch(ctx, b.ID)
	if !errors.Is(err, errors.KindGit) {
		t.Fatalf("expected KindGit, got %v", err)
	}

	// a stays active, b stays inactive
	active, err := m.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != a.ID {
		t.Errorf("active = %v, want a", active)
	}
}

func TestSwitch_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Switch(context.Background(), "sess_00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, errors.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestActive_NoneActive(t *testing.T) {
	m, _, _ := newTestManager(t)

	active, err := m.Active(context.Background())
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active != nil {
		t.Errorf("active = %v, want nil", active)
	}
}

func TestDelete_WithBranch(t *testing.T) {
	m, vc, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateParams{Title: "doomed", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(ctx, sess.ID, DeleteOptions{DeleteGitBranch: true}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if vc.branches[sess.BranchName] {
		t.Error("branch still exists")
	}
	if _, err := m.Get(ctx, sess.ID); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("session still present: %v", err)
	}
}

func TestDelete_BranchAlreadyGone(t *testing.T) {
	m, vc, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateParams{Title: "gone", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}
	delete(vc.branches, sess.BranchName)

	if err := m.Delete(ctx, sess.ID, DeleteOptions{DeleteGitBranch: true}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(vc.deleteCalls) != 0 {
		t.Error("DeleteBranch called for a missing branch")
	}
}

func TestDelete_BranchFailureSwallowed(t *testing.T) {
	m, vc, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateParams{Title: "stuck", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}
	vc.deleteErr = errors.GitOperationFailed("git.DeleteBranch", "branch is checked out", nil)

	if err := m.Delete(ctx, sess.ID, DeleteOptions{DeleteGitBranch: true}); err != nil {
		t.Fatalf("Delete should swallow branch failure, got %v", err)
	}
	if _, err := m.Get(ctx, sess.ID); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("session still present: %v", err)
	}
}

func TestDelete_ActiveSessionDeactivatedFirst(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateParams{Title: "act", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Switch(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(ctx, sess.ID, DeleteOptions{}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	active, err := m.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Errorf("active = %v after deleting active session", active)
	}
}

func TestRefreshStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateParams{Title: "st", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.RefreshStatus(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RefreshStatus failed: %v", err)
	}
	if got.GitStatus != "M file.go" {
		t.Errorf("GitStatus = %q", got.GitStatus)
	}
}

func TestRefreshStatus_BranchDrift(t *testing.T) {
	m, vc, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateParams{Title: "drift", RootDirectory: "/repo"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Switch(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	// Repository was manually moved off the session branch; the refresh
	// still succeeds and records the status.
	vc.currentBranch = "main"
	got, err := m.RefreshStatus(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RefreshStatus failed: %v", err)
	}
	if got.GitStatus != "M file.go" {
		t.Errorf("GitStatus = %q", got.GitStatus)
	}
}
