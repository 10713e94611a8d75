package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/variant-annotator-server/internal/api"
	"github.com/variant-annotator-server/internal/config"
	"github.com/variant-annotator-server/internal/domain"
	"github.com/variant-annotator-server/internal/pipeline"
	"github.com/variant-annotator-server/internal/search"
	"github.com/variant-annotator-server/internal/store"
	"github.com/variant-annotator-server/pkg/external"
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

	variantStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	defer variantStore.Close()

	normalizer, annotator := newExternalClients(cfg, logger)

	pl := pipeline.New(variantStore, normalizer, annotator, pipeline.Config{
		Workers: cfg.Pipeline.Workers,
	}, logger)

	searchSvc := search.NewService(variantStore, logger)

	server := api.NewServer(cfg, pl, searchSvc, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"host":   cfg.Server.Host,
		"port":   cfg.Server.Port,
		"driver": cfg.Database.Driver,
	}).Info("Starting variant annotator server")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.ToLower(cfg.Format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if strings.ToLower(cfg.Output) == "stderr" {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return logger
}

// newStore builds the configured storage backend. Postgres runs its
// migrations on startup; the SQLite backend manages its schema inline.
func newStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (domain.VariantStore, error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres":
		pgConfig := store.PostgresConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			Database:    cfg.Database.Database,
			Username:    cfg.Database.Username,
			Password:    cfg.Database.Password,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnLife: cfg.Database.ConnMaxLifetime,
		}

		runner, err := store.NewMigrationRunner(pgConfig.URL(), cfg.Database.MigrationsPath, logger)
		if err != nil {
			return nil, err
		}
		defer runner.Close()
		if err := runner.Up(); err != nil {
			return nil, err
		}

		return store.NewPostgresStore(ctx, pgConfig, logger)
	default:
		return store.NewSQLiteStore(cfg.Database.Path, logger)
	}
}

// newExternalClients builds the normalization and annotation clients
// with the cache outside the circuit breaker, so cache hits never touch
// a tripped breaker. Errors are never cached, so an open breaker cannot
// poison the cache.
func newExternalClients(cfg *config.Config, logger *logrus.Logger) (domain.VariantNormalizer, domain.VariantAnnotator) {
	retry := external.RetryPolicy{
		MaxAttempts: cfg.ExternalAPI.VariantValidator.RetryCount,
		BaseDelay:   cfg.Pipeline.RetryBaseDelay,
		MaxDelay:    cfg.Pipeline.RetryMaxDelay,
		Retryable:   external.RetryOnServerError,
	}

	validator := external.NewVariantValidatorClient(external.VariantValidatorConfig{
		BaseURL:           cfg.ExternalAPI.VariantValidator.BaseURL,
		GenomeBuild:       cfg.ExternalAPI.VariantValidator.GenomeBuild,
		SelectTranscripts: cfg.ExternalAPI.VariantValidator.SelectTranscripts,
		Timeout:           cfg.ExternalAPI.VariantValidator.Timeout,
		RateLimit:         int(cfg.ExternalAPI.VariantValidator.RateLimit),
		Retry:             retry,
	})

	clinvarRetry := retry
	clinvarRetry.MaxAttempts = cfg.ExternalAPI.ClinVar.RetryCount

	clinvar := external.NewClinVarClient(external.ClinVarConfig{
		BaseURL:   cfg.ExternalAPI.ClinVar.BaseURL,
		APIKey:    cfg.ExternalAPI.ClinVar.APIKey,
		Email:     cfg.ExternalAPI.ClinVar.Email,
		Timeout:   cfg.ExternalAPI.ClinVar.Timeout,
		RateLimit: int(cfg.ExternalAPI.ClinVar.RateLimit),
		Retry:     clinvarRetry,
	})

	cacheCfg := external.CacheConfig{
		Size: cfg.Cache.Size,
		TTL:  cfg.Cache.TTL,
	}

	normalizer := external.NewCachedNormalizer(
		external.NewResilientNormalizer(validator, logger), cacheCfg)
	annotator := external.NewCachedAnnotator(
		external.NewResilientAnnotator(clinvar, logger), cacheCfg)

	return normalizer, annotator
}
