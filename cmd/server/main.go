package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/rtt-pathway-engine/internal/api"
	"github.com/rtt-pathway-engine/internal/cache"
	"github.com/rtt-pathway-engine/internal/config"
	"github.com/rtt-pathway-engine/internal/database"
	"github.com/rtt-pathway-engine/internal/domain"
	"github.com/rtt-pathway-engine/internal/notify"
	"github.com/rtt-pathway-engine/internal/repository"
	"github.com/rtt-pathway-engine/internal/service"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, events, cleanup, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	defer cleanup()

	var notifier domain.Notifier
	if cfg.Notifier.BaseURL != "" {
		notifier = notify.NewBookingNotifier(cfg.Notifier, logger)
	}

	triage := service.NewTriageService(logger, store, events, notifier)

	var suggestionCache domain.SuggestionCache
	if cfg.Cache.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Cache)
		if err != nil {
			logger.WithError(err).Warn("Suggestion cache unavailable, continuing without it")
		} else {
			suggestionCache = redisCache
			defer redisCache.Close()
		}
	}

	engine := service.NewSuggestionEngine(logger)
	suggestions, err := service.NewSuggestionService(
		logger,
		service.NewEngineProvider(engine),
		suggestionCache,
		cfg.Suggestions,
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create suggestion service")
	}

	server := api.NewServer(cfg, logger, triage, store, events, suggestions)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"host":   cfg.Server.Host,
		"port":   cfg.Server.Port,
		"driver": cfg.Database.Driver,
	}).Info("Starting referral triage engine")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

// buildStores wires the referral store and audit log for the configured
// driver. PostgreSQL runs migrations first; SQLite creates its own schema.
func buildStores(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (domain.ReferralStore, domain.EventRecorder, func(), error) {
	if cfg.Database.Driver == "sqlite" {
		store, err := repository.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	}

	runner, err := database.NewMigrationRunner(cfg.Database.URL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := runner.Up(); err != nil {
		runner.Close()
		return nil, nil, nil, err
	}
	runner.Close()

	db, err := database.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	events, err := repository.NewEventStoreFromURL(cfg.Database.URL())
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	store := repository.NewReferralRepository(db.Pool, logger)
	cleanup := func() {
		events.Close()
		db.Close()
	}
	return store, events, cleanup, nil
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return logger
}
