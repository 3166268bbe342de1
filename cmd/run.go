package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wesm/action-status/config"
	"github.com/wesm/action-status/internal/collection"
	"github.com/wesm/action-status/internal/db"
	"github.com/wesm/action-status/internal/models"
	"github.com/wesm/action-status/internal/refresh"
	"github.com/wesm/action-status/internal/telemetry"
)

const (
	defaultGracefulTimeout = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the status of every tracked repository up to date",
		Long: `Run polls GitHub for workflow status until interrupted.

With an API token (config, ACTIONSTATUS_GITHUB_TOKEN or the system keyring)
each repository is followed through its event stream and workflow runs.
Without one, public workflow badges are swept instead.

SIGUSR1 pauses polling and SIGUSR2 resumes it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runRefresh(commandContext(cmd), cfg)
		},
	}
}

func runRefresh(ctx context.Context, cfg *config.Config) error {
	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	seedRepositories(ctx, logger, database, cfg)

	provider, err := telemetry.NewMeterProvider(ctx, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down meter provider", "error", err)
		}
	}()
	refreshMetrics, err := telemetry.NewRefreshMetrics(provider)
	if err != nil {
		return err
	}
	collectionMetrics, err := telemetry.NewCollectionMetrics(provider)
	if err != nil {
		return err
	}

	if cfg.MetricsAddress != "" {
		srv := startMetricsServer(logger, cfg.MetricsAddress, provider.Handler())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", "error", err)
			}
		}()
	}

	coll := collection.New(database, collection.Options{
		Logger:  logger,
		Metrics: collectionMetrics,
		OnChange: func(_ []models.Repository, counts models.Counts) {
			logger.Info("status summary",
				"passing", counts.Passing(),
				"failing", counts.Failing(),
				"unreachable", counts.Unreachable())
		},
	})

	ctrl, err := refresh.Select(tokenProvider(cfg), cfg.GitHubUser, cfg.KeyringServer,
		refresh.Endpoints{
			APIURL:       cfg.APIURL,
			WebURL:       cfg.WebURL,
			BadgeTimeout: cfg.Refresh.BadgeTimeout,
		},
		refresh.ControllerConfig{
			Source:  coll,
			Sink:    coll,
			Marks:   database,
			Logger:  logger,
			Metrics: refreshMetrics,
			Options: refresh.Options{
				EventsInterval:       cfg.Refresh.EventsInterval,
				WorkflowInterval:     cfg.Refresh.WorkflowInterval,
				SweepInterval:        cfg.Refresh.SweepInterval,
				Workers:              cfg.Refresh.Workers,
				KeepPollingCompleted: cfg.Refresh.KeepPollingCompleted,
			},
		})
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	changes, err := database.Watch(runCtx, cfg.Refresh.WatchInterval)
	if err != nil {
		return err
	}

	go handlePauseSignals(runCtx, logger, ctrl)

	logger.Info("starting refresh", "database", cfg.DatabasePath)
	if err := coll.Run(runCtx, ctrl, changes); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// seedRepositories tracks the repositories listed in the configuration
func seedRepositories(ctx context.Context, logger *slog.Logger, database *db.DB, cfg *config.Config) {
	if len(cfg.Repositories) == 0 {
		return
	}
	lookup, err := newLookup(cfg)
	if err != nil {
		logger.Warn("repository lookup unavailable", "error", err)
	}
	for _, fullName := range cfg.Repositories {
		repo, added, err := trackRepository(ctx, database, lookup, fullName, models.DefaultWorkflow, nil)
		if err != nil {
			logger.Warn("skipping configured repository", "repo", fullName, "error", err)
			continue
		}
		if added {
			logger.Info("tracking configured repository", "repo", repo.FullName())
		}
	}
}

// handlePauseSignals maps SIGUSR1 to Pause and SIGUSR2 to Resume
func handlePauseSignals(ctx context.Context, logger *slog.Logger, ctrl refresh.Controller) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				ctrl.Pause()
			case syscall.SIGUSR2:
				ctrl.Resume()
			}
			logger.Info("refresh state", "signal", sig.String(), "state", ctrl.State())
		}
	}
}

func startMetricsServer(logger *slog.Logger, address string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}
	go func() {
		logger.Info("serving metrics", "address", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
