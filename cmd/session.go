package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/ensemble/internal/git"
	"github.com/zhubert/ensemble/internal/logger"
	"github.com/zhubert/ensemble/internal/session"
	"github.com/zhubert/ensemble/internal/store"
)

var (
	createBaseBranch string
	createTitle      string
	deleteKeepBranch bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage chat sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *session.Manager) error {
			sessions, err := m.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tBRANCH\tACTIVE\tUPDATED")
			for _, s := range sessions {
				active := ""
				if s.IsActive {
					active = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Title, s.BranchName, active, s.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <repo-path>",
	Short: "Create a session on a new branch in the given repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		title := createTitle
		if title == "" {
			title = filepath.Base(root)
		}
		return withManager(func(ctx context.Context, m *session.Manager) error {
			base := createBaseBranch
			if base == "" {
				base = git.NewAdapter().DefaultBranch(ctx, root)
			}
			sess, err := m.Create(ctx, session.CreateParams{
				Title:         title,
				RootDirectory: root,
				BaseBranch:    base,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created %s on branch %s\n", sess.ID, sess.BranchName)
			return nil
		})
	},
}

var sessionSwitchCmd = &cobra.Command{
	Use:   "switch <session-id>",
	Short: "Make a session active and check out its branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *session.Manager) error {
			sess, err := m.Switch(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("switched to %s (%s)\n", sess.ID, sess.BranchName)
			return nil
		})
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *session.Manager) error {
			opts := session.DeleteOptions{DeleteGitBranch: !deleteKeepBranch}
			if err := m.Delete(ctx, args[0], opts); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&createTitle, "title", "", "Session title (default: repository directory name)")
	sessionCreateCmd.Flags().StringVar(&createBaseBranch, "base", "", "Base branch for the session branch (default main)")
	sessionDeleteCmd.Flags().BoolVar(&deleteKeepBranch, "keep-branch", false, "Leave the session's git branch in place")

	sessionCmd.AddCommand(sessionListCmd, sessionCreateCmd, sessionSwitchCmd, sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}

// withManager opens the store, runs fn against a session manager, and
// closes everything down.
func withManager(fn func(ctx context.Context, m *session.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	st, err := store.Open(cfg.DatabasePath(), 2, logger.Logger())
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(context.Background(), session.NewManager(st, git.NewAdapter()))
}
