// Package bootstrap provides dependency initialization for the patina API.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maauso/patina-api/internal/config"
	"github.com/maauso/patina-api/internal/engine"
	"github.com/maauso/patina-api/internal/media"
	"github.com/maauso/patina-api/internal/metrics"
	"github.com/maauso/patina-api/internal/patina"
	"github.com/maauso/patina-api/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Service *patina.Service
	Metrics *metrics.Metrics
}

// workspaceStorage is a storage backend that also hands out engine
// namespace directories.
type workspaceStorage interface {
	storage.Storage
	Workspace(name string) (string, error)
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	orchestratorOpts := []patina.Option{
		patina.WithPrescale(cfg.Prescale),
	}
	if cfg.VerifyOutput {
		orchestratorOpts = append(orchestratorOpts, patina.WithVerifier(media.NewVerifier()))
	}

	svc := patina.NewService(
		patina.NewMemoryRepository(),
		store,
		engineFactory(cfg.FFmpegPath, store),
		logger,
		patina.WithServiceMetrics(m),
		patina.WithDefaultIterations(cfg.DefaultIterations),
		patina.WithOrchestratorOptions(orchestratorOpts...),
	)

	return &Dependencies{
		Service: svc,
		Metrics: m,
	}, nil
}

// engineFactory gives every session an ffmpeg engine rooted in its own
// workspace directory.
func engineFactory(ffmpegPath string, store workspaceStorage) patina.EngineFactory {
	return func(sessionID string) (engine.Engine, error) {
		dir, err := store.Workspace(sessionID)
		if err != nil {
			return nil, fmt.Errorf("session workspace: %w", err)
		}
		return engine.NewFFmpegEngine(ffmpegPath, dir), nil
	}
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (workspaceStorage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(ctx, cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", localStore.TempDir()),
	)
	return localStore, nil
}
