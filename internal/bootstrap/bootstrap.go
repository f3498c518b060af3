// Package bootstrap provides dependency initialization for smart mute.
package bootstrap

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/audioshaker/audioshake-smart-mute/internal/audioshake"
	"github.com/audioshaker/audioshake-smart-mute/internal/config"
	"github.com/audioshaker/audioshake-smart-mute/internal/job"
	"github.com/audioshaker/audioshake-smart-mute/internal/media"
	"github.com/audioshaker/audioshake-smart-mute/internal/storage"
)

// Dependencies holds all initialized dependencies for the CLI and server.
type Dependencies struct {
	MuteService *job.MuteService
	Storage     storage.Storage
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	if err := cfg.RequireToken(); err != nil {
		return nil, err
	}

	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := audioshake.NewClient(
		audioshake.WithToken(cfg.Token),
		audioshake.WithBaseURL(cfg.BaseURL),
		audioshake.WithCallbackURL(cfg.CallbackURL),
		audioshake.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		audioshake.WithMaxRetries(cfg.MaxRetries),
		audioshake.WithPollInterval(cfg.PollInterval),
		audioshake.WithJobTimeout(cfg.JobTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create AudioShake client: %w", err)
	}

	transcoder := media.NewFFmpegTranscoder(cfg.FFmpegPath, cfg.FFprobePath)

	svc := job.NewMuteService(
		job.NewMemoryRepository(),
		store,
		media.NewAdapter(transcoder, logger),
		audioshake.NewDetector(client, logger),
		audioshake.NewRemover(client, logger),
		logger,
	)
	svc.SetLengthTolerance(cfg.LengthTolerance)

	return &Dependencies{
		MuteService: svc,
		Storage:     store,
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Debug("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Debug("local storage configured",
		slog.String("temp_dir", localStore.TempDir()),
	)
	return localStore, nil
}
