package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/config"
	"github.com/deepnoodle-ai/runlog/pebblestore"
	"github.com/deepnoodle-ai/runlog/redislease"
	"github.com/deepnoodle-ai/runlog/retry"
	"github.com/deepnoodle-ai/runlog/sqlstore"
	"github.com/deepnoodle-ai/runlog/wire"
	"github.com/spf13/cobra"
)

// app holds the state shared by all subcommands.
type app struct {
	configPath string
	verbose    bool
	json       bool

	cfg     config.Config
	logger  *slog.Logger
	backend runlog.Backend
	leases  runlog.LeaseStore
	closers []func() error
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "runlog",
		Short:         "Inspect and maintain durable run logs",
		Long:          "runlog reads and maintains the operation logs, schedules and leases kept by a runlog backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().BoolVar(&a.json, "json", false, "Output results in JSON format")

	root.AddCommand(newRunsCommand(a))
	root.AddCommand(newSchedulesCommand(a))
	root.AddCommand(newLeasesCommand(a))
	return root
}

func (a *app) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = setupLogger(cfg, a.verbose)

	codec, err := wire.GetCodec(cfg.Backend.Codec)
	if err != nil {
		return err
	}
	if err := a.openBackend(ctx, codec); err != nil {
		return err
	}
	return a.openLeases(ctx)
}

func (a *app) openBackend(ctx context.Context, codec wire.Codec) error {
	cfg := a.cfg.Backend
	switch cfg.Kind {
	case config.BackendMemory:
		a.backend = runlog.NewMemoryBackend()

	case config.BackendFile:
		dir, err := a.cfg.DataDir()
		if err != nil {
			return err
		}
		backend, err := runlog.NewFileBackend(dir,
			runlog.WithFileCodec(codec), runlog.WithFileLogger(a.logger))
		if err != nil {
			return err
		}
		a.backend = backend

	case config.BackendSQLite:
		path, err := a.cfg.SQLitePath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := sqlstore.OpenSQLite(ctx, path,
			sqlstore.WithCodec(codec), sqlstore.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.backend = store
		a.closers = append(a.closers, store.Close)

	case config.BackendPostgres:
		var store *sqlstore.Store
		err := retry.Do(ctx, func() error {
			var err error
			store, err = sqlstore.OpenPostgres(ctx, cfg.DSN,
				sqlstore.WithCodec(codec), sqlstore.WithLogger(a.logger))
			return err
		})
		if err != nil {
			return err
		}
		a.backend = store
		a.closers = append(a.closers, store.Close)

	case config.BackendPebble:
		dir, err := a.cfg.DataDir()
		if err != nil {
			return err
		}
		store, err := pebblestore.Open(filepath.Join(dir, "pebble"),
			pebblestore.WithCodec(codec), pebblestore.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.backend = store
		a.closers = append(a.closers, store.Close)

	default:
		return fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
	a.logger.Debug("opened backend", "kind", cfg.Kind)
	return nil
}

func (a *app) openLeases(ctx context.Context) error {
	if a.cfg.Leases.Store == config.LeaseStoreRedis {
		store, client, err := redislease.Dial(ctx, a.cfg.Leases.RedisAddr,
			redislease.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.leases = store
		a.closers = append(a.closers, client.Close)
		return nil
	}
	store, ok := a.backend.(runlog.LeaseStore)
	if !ok {
		return fmt.Errorf("backend %q cannot store leases", a.cfg.Backend.Kind)
	}
	a.leases = store
	return nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) coordinator() (*runlog.Coordinator, error) {
	return runlog.NewCoordinator(runlog.CoordinatorOptions{
		Store:   a.leases,
		Backend: a.backend,
		Logger:  a.logger,
	})
}

// recoverRun loads a run from the configured backend, retrying transient
// storage failures.
func (a *app) recoverRun(ctx context.Context, runID string, opts ...runlog.RunOption) (*runlog.Run, error) {
	run := runlog.NewRun(runID, append([]runlog.RunOption{runlog.WithRunLogger(a.logger)}, opts...)...)
	err := retry.Do(ctx, func() error {
		return run.RecoverFrom(ctx, a.backend)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func setupLogger(cfg config.Config, verbose bool) *slog.Logger {
	level, err := cfg.LogLevel()
	if err != nil || verbose {
		level = slog.LevelDebug
	}
	if cfg.Log.Format == "json" {
		return runlog.NewJSONLoggerTo(os.Stderr, level)
	}
	return runlog.NewLoggerTo(os.Stderr, level)
}
