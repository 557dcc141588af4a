package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database"
	dbmeta "github.com/supporttools/GoDRGuard/pkg/database/metadata"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/orchestrator"
	"github.com/supporttools/GoDRGuard/pkg/recovery"
	"github.com/supporttools/GoDRGuard/pkg/retention"
	"github.com/supporttools/GoDRGuard/pkg/retry"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
	"github.com/supporttools/GoDRGuard/pkg/storage/s3"
	"github.com/supporttools/GoDRGuard/pkg/verify"
	"github.com/supporttools/GoDRGuard/pkg/version"
)

func main() {
	if err := config.LoadConfiguration(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.ValidateConfig(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	if config.CFG.Debug {
		config.DisplayConfiguration()
	}

	logger := logging.New(config.CFG.Logging.Level, config.CFG.Logging.Format, os.Stdout)
	logger.Infof("Starting GoDRGuard %s", version.Get().Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo, err := openRepository(ctx, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize metadata store")
	}
	defer closeRepo()

	localClient := local.NewClient(config.CFG.Local.BackupDirectory)
	resolver := database.NewResolver(config.CFG.Tools)

	// Interfaces stay nil unless S3 is configured
	var uploader backup.Uploader
	var downloader recovery.Downloader
	var remote retention.RemoteDeleter
	if config.CFG.S3.Enabled {
		client, err := s3.NewClient(ctx, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize S3 client")
		}
		uploader, downloader, remote = client, client, client
	}

	bus := events.NewBus(logger)

	baseDir, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve working directory")
	}
	strategies := backup.NewRegistry(
		backup.NewDatabaseStrategy(resolver, logger),
		backup.NewFilesystemStrategy(baseDir, logger),
		backup.NewApplicationDataStrategy(dbmeta.OpenExporter, logger),
	)
	backups := backup.NewExecutor(backup.ExecutorOptions{
		Repository: repo,
		Registry:   strategies,
		Local:      localClient,
		Uploader:   uploader,
		Publisher:  bus,
		Timeout:    config.CFG.Orchestrator.Timeout(),
		Logger:     logger,
	})

	fetcher := recovery.NewFetcher(localClient, downloader, logger)
	recoveries := recovery.NewExecutor(repo, recovery.NewRegistry(
		recovery.NewFullRestoreStrategy(fetcher, resolver, dbmeta.OpenImporter, logger),
		recovery.NewPointInTimeStrategy(logger),
		recovery.NewSelectiveStrategy(logger),
	), bus, recovery.DefaultTimeout, logger)

	svc := orchestrator.New(orchestrator.Options{
		Repository:        repo,
		Strategies:        strategies,
		Backups:           backups,
		Recoveries:        recoveries,
		Verifier:          verify.NewVerifier(repo, resolver, config.CFG.RestoreTest, bus, logger),
		Cleaner:           retention.NewCleaner(repo, localClient, remote, logger),
		Bus:               bus,
		Retry:             retry.NewCoordinator(config.CFG.Orchestrator.RetryBase(), config.CFG.Orchestrator.RetryCap(), logger),
		MaxConcurrentJobs: int64(config.CFG.Orchestrator.MaxConcurrentJobs),
		RetentionSchedule: config.CFG.Orchestrator.RetentionSchedule,
		DefaultMaxRetries: config.CFG.Orchestrator.DefaultMaxRetries,
		RTOTarget:         config.CFG.Orchestrator.RTO(),
		RPOTarget:         config.CFG.Orchestrator.RPO(),
		Logger:            logger,
	})

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start orchestrator")
	}

	httpServer := metrics.StartMetricsServer(config.CFG.Metrics.Port)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	logger.Info("GoDRGuard is running. Press Ctrl+C to exit.")
	sig := <-c
	logger.Infof("Received signal %s, shutting down...", sig)

	if err := svc.Close(); err != nil {
		logger.WithError(err).Warn("Error closing event bus")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Error shutting down metrics server")
	}
}

// openRepository returns the relational store when the metadata database is enabled and the
// JSON file store otherwise. Records from an existing metadata file are copied into a fresh database.
func openRepository(ctx context.Context, logger *logrus.Logger) (types.Repository, func(), error) {
	fileStore := metadata.NewStore(config.CFG.Local.MetadataFile)

	if !config.CFG.MetadataDB.Enabled {
		if err := fileStore.Load(); err != nil {
			return nil, nil, err
		}
		return fileStore, func() {}, nil
	}

	db, err := dbmeta.Open(config.CFG.MetadataDB, config.CFG.Debug, logger)
	if err != nil {
		return nil, nil, err
	}
	repo := dbmeta.NewRepository(db)
	closeDB := func() {
		if err := dbmeta.Close(db); err != nil {
			logger.WithError(err).Warn("Failed to close metadata database")
		}
	}

	if _, statErr := os.Stat(config.CFG.Local.MetadataFile); statErr == nil {
		if err := fileStore.Load(); err != nil {
			logger.WithError(err).Warn("Skipping migration of unreadable metadata file")
			return repo, closeDB, nil
		}
		result, err := repo.MigrateFrom(ctx, fileStore)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		logger.Infof("Migrated %d configs and %d backup jobs from %s (%d already present)",
			result.Configs, result.Jobs, config.CFG.Local.MetadataFile, result.Skipped)
	}
	return repo, closeDB, nil
}
