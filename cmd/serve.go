package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhubert/ensemble/internal/chat"
	"github.com/zhubert/ensemble/internal/claude"
	"github.com/zhubert/ensemble/internal/git"
	"github.com/zhubert/ensemble/internal/logger"
	"github.com/zhubert/ensemble/internal/session"
	"github.com/zhubert/ensemble/internal/store"
	"github.com/zhubert/ensemble/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming gateway daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("error creating data directory: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath(), 4, logger.Logger())
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer st.Close()

	sessions := session.NewManager(st, git.NewAdapter())
	runner := claude.NewClient(claude.ClientConfig{
		Executable:  cfg.Claude.Executable,
		Model:       cfg.Claude.Model,
		APIKey:      cfg.Claude.APIKey,
		TurnTimeout: cfg.TurnTimeoutDuration(),
	})
	chatSvc := chat.NewService(st, runner)

	mux := http.NewServeMux()
	ws.NewServer(sessions, chatSvc).Routes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
