// Package session implements the session lifecycle: create a branch,
// bind a session record to it, switch the active session, delete both.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/ensemble/internal/errors"
	"github.com/zhubert/ensemble/internal/ids"
	"github.com/zhubert/ensemble/internal/logger"
	"github.com/zhubert/ensemble/internal/store"
)

// branchCreateAttempts bounds the id-regeneration loop on branch name
// collisions.
const branchCreateAttempts = 3

// VersionControl is the git surface the manager needs.
type VersionControl interface {
	IsRepo(ctx context.Context, path string) bool
	CreateBranch(ctx context.Context, name, baseBranch, path string) error
	CheckoutBranch(ctx context.Context, name, path string) error
	BranchExists(ctx context.Context, name, path string) bool
	DeleteBranch(ctx context.Context, name, path string) error
	CurrentBranch(ctx context.Context, path string) (string, error)
	Status(ctx context.Context, path string) (string, error)
}

// CreateParams are the inputs for creating a session.
type CreateParams struct {
	Title         string
	RootDirectory string
	BaseBranch    string // defaults to main
	Metadata      map[string]string
}

// DeleteOptions control session deletion.
type DeleteOptions struct {
	// DeleteGitBranch requests best-effort removal of the session's
	// branch. Failures are logged, never fatal.
	DeleteGitBranch bool
}

// Manager owns session lifecycle operations.
type Manager struct {
	store *store.Store
	git   VersionControl
	log   *slog.Logger

	// switchMu serializes Switch calls so two sessions are never
	// activated concurrently.
	switchMu sync.Mutex
}

// NewManager returns a session manager.
func NewManager(st *store.Store, vc VersionControl) *Manager {
	return &Manager{
		store: st,
		git:   vc,
		log:   logger.ComponentLogger("Session"),
	}
}

// Create validates the repository, allocates a branch, and inserts the
// session record. On a branch-name collision the id is regenerated and
// creation retried up to three times. Branch creation is the
// irreversible step: if the record insert fails afterwards, the branch
// is left in place and logged as possibly orphaned.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*store.Session, error) {
	startTime := time.Now()

	if strings.TrimSpace(params.Title) == "" {
		return nil, errors.InvalidSessionData("title must not be blank")
	}
	if strings.TrimSpace(params.RootDirectory) == "" {
		return nil, errors.InvalidSessionData("rootDirectory must not be blank")
	}
	if !m.git.IsRepo(ctx, params.RootDirectory) {
		return nil, errors.NotGitRepo(params.RootDirectory)
	}

	baseBranch := params.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	var id, branch string
	var createErr error
	for attempt := 1; attempt <= branchCreateAttempts; attempt++ {
		id = ids.NewSessionID()
		branch = ids.BranchName(id)

		createErr = m.git.CreateBranch(ctx, branch, baseBranch, params.RootDirectory)
		if createErr == nil {
			break
		}
		if !errors.Is(createErr, errors.KindBranchExists) {
			return nil, createErr
		}
		m.log.Warn("branch name collision, regenerating id",
			"branch", branch, "attempt", attempt)
	}
	if createErr != nil {
		return nil, errors.GitOperationFailed("session.Create",
			fmt.Sprintf("exhausted %d attempts allocating a branch", branchCreateAttempts), createErr)
	}

	sess := &store.Session{
		ID:            id,
		Title:         params.Title,
		RootDirectory: params.RootDirectory,
		BranchName:    branch,
		BaseBranch:    baseBranch,
		Metadata:      params.Metadata,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		// The branch already exists; rolling it back could destroy
		// work if the name was reused, so leave it and report.
		m.log.Error("session insert failed, branch may be orphaned",
			"sessionID", id, "branch", branch, "error", err)
		return nil, err
	}

	m.log.Info("session created",
		"sessionID", id, "branch", branch, "base", baseBranch,
		"elapsed", time.Since(startTime))
	return sess, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns all sessions, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]*store.Session, error) {
	return m.store.ListSessions(ctx)
}

// Active returns the currently active session, or nil when none is.
// More than one active session violates the store invariant; it is
// logged and the most recently updated one wins.
func (m *Manager) Active(ctx context.Context) (*store.Session, error) {
	active, err := m.store.ActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	if len(active) > 1 {
		m.log.Warn("multiple active sessions found, using most recent",
			"count", len(active))
	}
	return active[0], nil
}

// Update merges the provided fields and bumps the update timestamp.
func (m *Manager) Update(ctx context.Context, id string, upd store.SessionUpdate) (*store.Session, error) {
	return m.store.UpdateSession(ctx, id, upd)
}

// Switch makes the target session active. Idempotent: switching to the
// already-active session performs no git or storage writes. Otherwise
// the target's branch is checked out first; only after checkout
// succeeds are the active flags swapped, in a single transaction.
func (m *Manager) Switch(ctx context.Context, id string) (*store.Session, error) {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsActive {
		m.log.Debug("switch target already active", "sessionID", id)
		return sess, nil
	}

	if err := m.git.CheckoutBranch(ctx, sess.BranchName, sess.RootDirectory); err != nil {
		return nil, err
	}

	if err := m.store.SetActive(ctx, id); err != nil {
		return nil, err
	}

	m.log.Info("switched active session", "sessionID", id, "branch", sess.BranchName)
	return m.store.GetSession(ctx, id)
}

// Delete removes a session and, on request, its branch. Branch cleanup
// is best-effort: failures are logged and the logical deletion
// proceeds regardless.
func (m *Manager) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if sess.IsActive {
		if err := m.store.Deactivate(ctx, id); err != nil {
			return err
		}
	}

	if opts.DeleteGitBranch {
		if m.git.BranchExists(ctx, sess.BranchName, sess.RootDirectory) {
			if err := m.git.DeleteBranch(ctx, sess.BranchName, sess.RootDirectory); err != nil {
				m.log.Warn("branch deletion failed, continuing with session delete",
					"sessionID", id, "branch", sess.BranchName, "error", err)
			}
		} else {
			m.log.Debug("branch already gone", "sessionID", id, "branch", sess.BranchName)
		}
	}

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}

	m.log.Info("session deleted", "sessionID", id, "branchDeleted", opts.DeleteGitBranch)
	return nil
}

// RefreshStatus captures the repository's current status string on the
// session record. An active session whose repository was manually moved
// off its branch is logged, not failed; the status still refreshes.
func (m *Manager) RefreshStatus(ctx context.Context, id string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.IsActive {
		if branch, err := m.git.CurrentBranch(ctx, sess.RootDirectory); err == nil && branch != sess.BranchName {
			m.log.Warn("active session repository is on a different branch",
				"sessionID", id, "expected", sess.BranchName, "actual", branch)
		}
	}

	status, err := m.git.Status(ctx, sess.RootDirectory)
	if err != nil {
		return nil, err
	}
	return m.store.UpdateSession(ctx, id, store.SessionUpdate{GitStatus: &status})
}
