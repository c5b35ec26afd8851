package main

import (
	"io"
	"log/slog"

	"github.com/vipul43/gitsync-worker/internal/clock"
	"github.com/vipul43/gitsync-worker/internal/config"
	"github.com/vipul43/gitsync-worker/internal/database"
	"github.com/vipul43/gitsync-worker/internal/gitclient"
	"github.com/vipul43/gitsync-worker/internal/logging"
	"github.com/vipul43/gitsync-worker/internal/repository"
	"github.com/vipul43/gitsync-worker/internal/service"
	"github.com/vipul43/gitsync-worker/internal/watcher"
)

// app holds the wired worker components
type app struct {
	cfg       *config.Config
	db        *database.DB
	logCloser io.Closer

	syncLoop       *watcher.SyncLoop
	artifactExpiry *watcher.ArtifactExpiry
	statusExpiry   *watcher.StatusExpiry
}

// newApp loads configuration, connects to the database, applies migrations and builds the loops
func newApp() (*app, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logCloser, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	slog.Info("database connected")

	if err := database.RunMigrations(db); err != nil {
		db.Close()
		logCloser.Close()
		return nil, err
	}
	slog.Info("migrations completed")

	a := &app{cfg: cfg, db: db, logCloser: logCloser}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build() error {
	cfg := a.cfg
	clk := clock.Real()

	// Initialize repositories
	changeSetRepo := repository.NewChangeSetRepository(a.db.DB)
	commitRepo := repository.NewGitCommitRepository(a.db.DB)
	activityRepo := repository.NewGitFileActivityRepository(a.db.DB)
	syncErrorRepo := repository.NewGitSyncErrorRepository(a.db.DB)
	connectorRepo := repository.NewGitConnectorRepository(a.db.DB)
	configFileRepo := repository.NewConfigFileRepository(a.db.DB)

	// Initialize services
	policy, err := service.ParseFetchPolicy(cfg.SyncFetchPolicy)
	if err != nil {
		return err
	}
	fetcher := service.NewChangeSetFetcher(changeSetRepo, policy, cfg.SyncBatchLimit)
	detector := service.NewStuckJobDetector(changeSetRepo, clk, cfg.StuckJobTimeout)

	gitClient := gitclient.NewClient(cfg.GitClientID, cfg.GitClientSecret, cfg.GitTokenURL)
	processor := service.NewGitProcessor(connectorRepo, commitRepo, activityRepo, syncErrorRepo, configFileRepo, gitClient,
		service.GitProcessorOptions{
			Timeout:     cfg.GitOperationTimeout,
			AuthorName:  cfg.GitAuthorName,
			AuthorEmail: cfg.GitAuthorEmail,
			Clock:       clk,
		})

	// Initialize loops
	a.syncLoop = watcher.NewSyncLoop(changeSetRepo, detector, fetcher, processor, clk, watcher.SyncLoopConfig{
		TickInterval:       cfg.SyncTickInterval,
		InitialJitter:      cfg.SyncInitialJitter,
		StuckCheckInterval: cfg.StuckCheckInterval,
		Concurrency:        cfg.SyncDispatchConcurrency,
	})
	a.artifactExpiry = watcher.NewArtifactExpiry(commitRepo, activityRepo, syncErrorRepo, clk, watcher.ArtifactExpiryConfig{
		Interval:           cfg.ArtifactExpiryInterval,
		Retention:          cfg.ArtifactRetention,
		SyncErrorRetention: cfg.SyncErrorRetention,
		PageSize:           cfg.ExpiryPageSize,
	})
	a.statusExpiry = watcher.NewStatusExpiry(syncErrorRepo, changeSetRepo, clk, watcher.StatusExpiryConfig{
		Interval:         cfg.StatusExpiryInterval,
		SyncErrorExpiry:  cfg.SyncErrorExpiry,
		MaxQueueDuration: cfg.MaxQueueDuration,
		BatchSize:        cfg.ExpiryPageSize,
	})

	slog.Info("worker configured",
		"fetch_policy", policy.String(),
		"batch_limit", cfg.SyncBatchLimit,
		"tick_interval", cfg.SyncTickInterval,
	)
	return nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
	a.logCloser.Close()
}
