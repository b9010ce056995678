package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/mequeue/internal/api"
	"github.com/seantiz/mequeue/internal/backend"
	"github.com/seantiz/mequeue/internal/config"
	"github.com/seantiz/mequeue/internal/engine"
	"github.com/seantiz/mequeue/internal/store"
)

const drainTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command. Flags left unset keep the
// value from the config file or environment.
type ServeOptions struct {
	*RootOptions
	Name     string
	Listen   string
	Database string
	Capacity int
	Backend  string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the executor behind the HTTP API",
		Long: `Start the executor and its HTTP API.

Events are accepted on POST /v1/events and applied under the state published
on PUT /v1/state. Every run is journaled to SQLite.

Example:
  mequeue serve --listen :8080 --db ./mequeue.db --backend log
  mequeue serve --config ./mequeue.yaml --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, opts.Name)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "default", "executor name used in logs, metrics and the run journal")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite run journal")
	cmd.Flags().IntVar(&opts.Capacity, "capacity", 0, "bound on the event inbox and the pending log")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "backend that handles events (log|delay|webhook)")

	return cmd
}

// loadConfig layers defaults, the config file, the environment and finally
// any flags that were set explicitly.
func loadConfig(cmd *cobra.Command, opts *ServeOptions) (config.Config, error) {
	cfg := config.Load()
	if opts.ConfigPath != "" {
		var err error
		cfg, err = config.LoadFile(opts.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if opts.LogLevel != "" {
		cfg.LogLevel = config.ParseLogLevel(opts.LogLevel)
	}
	if flags.Changed("listen") {
		cfg.ListenAddr = opts.Listen
	}
	if flags.Changed("db") {
		cfg.DBPath = opts.Database
	}
	if flags.Changed("capacity") {
		cfg.Capacity = opts.Capacity
	}
	if flags.Changed("backend") {
		cfg.Backend = opts.Backend
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newRegistry registers the built-in backends. The webhook backend is only
// available when a target URL is configured.
func newRegistry(cfg config.Config) *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(backend.NameLog, backend.NewLog())
	reg.Register(backend.NameDelay, backend.NewDelay(cfg.Delay))
	if cfg.WebhookURL != "" {
		reg.Register(backend.NameWebhook, backend.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout, nil))
	}
	return reg
}

func runServe(ctx context.Context, cfg config.Config, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("mequeue: starting",
		"version", Version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backend", cfg.Backend,
		"capacity", cfg.Capacity,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("close database", "error", err)
		}
	}()

	rec := store.NewRecorder(db, logger)
	defer rec.Close()

	reg := newRegistry(cfg)
	svc, err := engine.NewService(reg, engine.ServiceConfig{
		Name:         name,
		Capacity:     cfg.Capacity,
		Backend:      cfg.Backend,
		RetryDelay:   cfg.RetryDelay,
		DrainOnClose: cfg.DrainOnClose,
		Observer:     rec,
	}, logger)
	if err != nil {
		return err
	}

	// The executor outlives the HTTP server so accepted events can drain
	// after a shutdown signal.
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()
	svc.Start(execCtx)

	srv := api.NewServer(cfg.ListenAddr, db, reg, svc, logger)
	serveErr := srv.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("executor did not drain", "error", err)
		cancelExec()
		if err := svc.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("executor stopped", "error", err)
		}
	}

	st := svc.Status()
	logger.Info("mequeue: stopped",
		"accepted", st.Accepted,
		"committed", st.Committed,
		"pending", st.Pending,
	)
	return serveErr
}
