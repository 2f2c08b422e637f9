// Package main is the entry point for the forge CI server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"forge/internal/ci"
	ciruntime "forge/internal/ci/runtime"
	"forge/internal/ci/workspace"
	"forge/internal/config"
	"forge/internal/git"
	"forge/internal/logger"
	"forge/internal/observability"
	"forge/internal/realtime"
	"forge/internal/server"
	sqlitestore "forge/internal/store/sqlite"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge runs CI jobs for a single-tenant git host",
	Long: `forge is the CI server behind a self-hosted git forge.

It receives post-receive hooks from bare repositories, runs each
branch's pre-merge checks in an isolated workspace, merges branches
that pass and carry an auto-merge trailer, and runs post-merge jobs
against the default branch. Job logs stream live over SSE.

Configuration comes from FORGE_* environment variables or an optional
YAML file:
  FORGE_DATA_DIR       root for repos, logs, checkouts and the database
  FORGE_LISTEN_ADDR    HTTP listen address (default :3030)
  FORGE_JOB_TIMEOUT    wall-clock ceiling per job (default 1h)`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the forge CI server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := config.EnsureDataDirectories(cfg); err != nil {
			return err
		}
		st, err := sqlitestore.New(cfg.DBPath(), nil)
		if err != nil {
			return err
		}
		defer st.Close()
		return sqlitestore.Migrate(st.DB())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	log := logger.New(level)

	if err := config.EnsureDataDirectories(cfg); err != nil {
		return err
	}

	bus := realtime.NewEventBus()
	st, err := sqlitestore.New(cfg.DBPath(), bus)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	if err := sqlitestore.Migrate(st.DB()); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	hub := realtime.NewLogHub()
	metrics := observability.New()
	bus.OnDrop(metrics.EventDropped)

	gitClient := git.NewClient(cfg.DataDir)
	prov := workspace.NewProvisioner(gitClient, cfg.ReposPath(), cfg.WorkPath(), cfg.Container.Enabled, log)

	var rt ciruntime.Runtime
	if cfg.Container.Enabled {
		rt = ciruntime.NewPodmanRuntime(ciruntime.PodmanOptions{
			Image:       cfg.Container.Image,
			Network:     cfg.Container.Network,
			TmpfsSize:   cfg.Container.TmpfsSize,
			StorageRoot: cfg.Container.StorageRoot,
			RunRoot:     cfg.Container.RunRoot,
		})
		log.Info("container execution enabled", "image", cfg.Container.Image)
	} else {
		rt = ciruntime.NewDirectRuntime()
	}

	sup := ci.NewSupervisor(cfg, log, st, st, hub, rt, ci.NewWorkspaceProvisioner(prov), gitClient, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Jobs left pending or running by a previous process are dead; mark
	// them failed before accepting new work.
	if err := sup.RecoverOrphans(ctx); err != nil {
		log.Error("orphan recovery failed", "error", err)
	}

	sup.StartTimeoutMonitor(ctx)

	srv := server.New(server.Options{
		Config:  cfg,
		Log:     log,
		Jobs:    st,
		History: st,
		Hub:     hub,
		Bus:     bus,
		Ctl:     sup,
		Git:     gitClient,
		Health:  st,
		Metrics: metrics,
	})

	return srv.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
