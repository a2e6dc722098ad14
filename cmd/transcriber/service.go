package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"podscribe/transcriber/config"
	"podscribe/transcriber/internal/aiclient"
	"podscribe/transcriber/internal/db"
	"podscribe/transcriber/internal/fetch"
	"podscribe/transcriber/internal/ffmpeg"
	"podscribe/transcriber/internal/notify"
	"podscribe/transcriber/internal/pipeline"
	"podscribe/transcriber/models"
)

// jobStore is implemented by both store drivers.
type jobStore interface {
	pipeline.JobStatusReporter
	pipeline.TranscriptStore
	CreateJob(ctx context.Context, job models.TranscriptionJob) error
	GetJob(ctx context.Context, jobID string) (*models.TranscriptionJob, error)
}

// service bundles everything a job run needs.
type service struct {
	store        jobStore
	sqlite       *db.SQLiteStore
	orchestrator *pipeline.Orchestrator
	closers      []func() error
}

func (s *service) Close(logger logrus.FieldLogger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.WithError(err).Warn("Error during shutdown")
		}
	}
}

func openStore(cfg *config.Config, logger logrus.FieldLogger) (jobStore, *db.SQLiteStore, error) {
	switch cfg.Store.Driver {
	case config.StoreSQLite:
		store, err := db.OpenSQLite(cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		client, err := config.NewSupabaseClient(cfg.Supabase)
		if err != nil {
			return nil, nil, err
		}
		store := db.NewSupabaseStore(client, db.SupabaseOptions{
			JobsTable:         cfg.Supabase.JobsTable,
			TranscriptsTable:  cfg.Supabase.TranscriptsTable,
			UpsertTranscripts: cfg.Store.UpsertTranscripts,
		}, logger)
		return store, nil, nil
	}
}

func newService(cfg *config.Config, logger logrus.FieldLogger, observer pipeline.Observer) (*service, error) {
	svc := &service{}

	store, sqliteStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	svc.store = store
	svc.sqlite = sqliteStore
	if sqliteStore != nil {
		svc.closers = append(svc.closers, sqliteStore.Close)
	}

	client, err := aiclient.NewAIClient(cfg.ModelWorker.Address, logger)
	if err != nil {
		svc.Close(logger)
		return nil, fmt.Errorf("connect model worker: %w", err)
	}
	svc.closers = append(svc.closers, client.Close)

	worker := pipeline.WorkerFromClient(client)
	settings := pipeline.ModelSettings{
		Model:       cfg.ModelWorker.Model,
		Device:      cfg.ModelWorker.Device,
		ComputeType: cfg.ModelWorker.ComputeType,
		BatchSize:   cfg.ModelWorker.BatchSize,
	}
	token := cfg.Diarization.HuggingFaceToken

	deps := pipeline.Dependencies{
		Fetcher:     fetch.NewHTTPFetcher(cfg.Download.Timeout(), cfg.Download.UserAgent, logger),
		Probe:       ffmpeg.NewProber(cfg.FFprobe.Binary),
		Transcriber: pipeline.NewModelTranscriber(worker, settings, logger),
		Aligner:     pipeline.NewModelAligner(worker, settings, logger),
		Diarization: pipeline.NewDiarizationStage(pipeline.NewModelDiarizer(worker, settings, token, logger), token),
		Jobs:        store,
		Transcripts: store,
		Observer:    observer,
		Logger:      logger,
		TempDir:     cfg.Download.TempDir,
	}
	if cfg.Notify.Enabled {
		endpoint := cfg.Notify.URL
		if endpoint == "" {
			endpoint = notify.SummaryURL(cfg.Supabase.URL)
		}
		deps.Notifier = notify.NewNotifier(endpoint, cfg.Supabase.ServiceKey, cfg.Notify.Timeout(), logger)
	}
	if !cfg.DiarizationEnabled() {
		logger.Info("No diarization credential configured, speaker attribution disabled")
	}

	orchestrator, err := pipeline.NewOrchestrator(deps)
	if err != nil {
		svc.Close(logger)
		return nil, err
	}
	svc.orchestrator = orchestrator
	return svc, nil
}
