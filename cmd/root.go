package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zhubert/ensemble/internal/config"
	"github.com/zhubert/ensemble/internal/logger"
)

var (
	configPath            string
	debugMode             bool
	version, commit, date string
)

// SetVersionInfo sets version information from ldflags
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Daemon for git-branch-backed Claude chat sessions",
	Long: `Ensemble manages chat sessions that each live on a dedicated git branch.
Responses stream from the Claude CLI over a WebSocket gateway, and every
conversation is persisted alongside its branch so work can be resumed later.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.ensemble/config.json)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
}

// loadConfig loads and validates configuration, then wires the logger.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.LogFile); err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	if debugMode {
		logger.SetDebug(true)
	} else {
		logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	}
	return cfg, nil
}

// Execute runs the root command
func Execute() error {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())
	return rootCmd.Execute()
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("ensemble %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("ensemble %s\n", version)
}
