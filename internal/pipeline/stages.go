package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"podscribe/transcriber/internal/aiclient"
	"podscribe/transcriber/models"
)

// ModelLease is a model held in device memory for the duration of one stage.
type ModelLease interface {
	Transcribe(ctx context.Context, audioPath string, batchSize int) (models.TranscriptionResult, error)
	Align(ctx context.Context, audioPath string, segments []models.Segment, language string) ([]models.Segment, error)
	Diarize(ctx context.Context, audioPath string, segments []models.Segment) ([]models.Segment, error)
	Release() error
}

// ModelWorker loads models on the GPU worker.
type ModelWorker interface {
	Acquire(ctx context.Context, spec aiclient.ModelSpec) (ModelLease, error)
}

type clientWorker struct {
	client *aiclient.AIClient
}

// WorkerFromClient adapts an AIClient to the ModelWorker interface.
func WorkerFromClient(client *aiclient.AIClient) ModelWorker {
	return clientWorker{client: client}
}

func (w clientWorker) Acquire(ctx context.Context, spec aiclient.ModelSpec) (ModelLease, error) {
	lease, err := w.client.Acquire(ctx, spec)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ModelSettings are shared by the model-backed stages.
type ModelSettings struct {
	Model       string
	Device      string
	ComputeType string
	BatchSize   int
}

// withLease runs fn against a freshly loaded model and releases it on every exit path.
func withLease(ctx context.Context, worker ModelWorker, spec aiclient.ModelSpec, logger logrus.FieldLogger, fn func(ModelLease) error) (err error) {
	lease, err := worker.Acquire(ctx, spec)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lease.Release(); releaseErr != nil {
			logger.WithError(releaseErr).WithField("kind", spec.Kind).Warn("Failed to release model")
		}
	}()
	return fn(lease)
}

// ModelTranscriber is the transcription stage backed by the model worker.
type ModelTranscriber struct {
	worker   ModelWorker
	settings ModelSettings
	logger   logrus.FieldLogger
}

// NewModelTranscriber creates the transcription stage.
func NewModelTranscriber(worker ModelWorker, settings ModelSettings, logger logrus.FieldLogger) *ModelTranscriber {
	return &ModelTranscriber{worker: worker, settings: settings, logger: logger}
}

// Transcribe produces coarse segments and the detected language. The model is unloaded
// before returning.
func (t *ModelTranscriber) Transcribe(ctx context.Context, audioPath string) (models.TranscriptionResult, error) {
	spec := aiclient.ModelSpec{
		Kind:        aiclient.KindTranscription,
		Name:        t.settings.Model,
		Device:      t.settings.Device,
		ComputeType: t.settings.ComputeType,
	}
	var result models.TranscriptionResult
	err := withLease(ctx, t.worker, spec, t.logger, func(lease ModelLease) error {
		var err error
		result, err = lease.Transcribe(ctx, audioPath, t.settings.BatchSize)
		return err
	})
	if err != nil {
		return models.TranscriptionResult{}, &PipelineError{Stage: StageTranscribe, Err: err}
	}
	if result.Language == "" {
		return models.TranscriptionResult{}, &PipelineError{Stage: StageTranscribe, Err: errors.New("no language detected")}
	}
	return result, nil
}

// ModelAligner is the alignment stage backed by the model worker.
type ModelAligner struct {
	worker   ModelWorker
	settings ModelSettings
	logger   logrus.FieldLogger
}

// NewModelAligner creates the alignment stage.
func NewModelAligner(worker ModelWorker, settings ModelSettings, logger logrus.FieldLogger) *ModelAligner {
	return &ModelAligner{worker: worker, settings: settings, logger: logger}
}

// Align refines timestamps to word granularity with a model for the given language.
func (a *ModelAligner) Align(ctx context.Context, audioPath string, segments []models.Segment, language string) ([]models.Segment, error) {
	spec := aiclient.ModelSpec{
		Kind:     aiclient.KindAlignment,
		Language: language,
		Device:   a.settings.Device,
	}
	var aligned []models.Segment
	err := withLease(ctx, a.worker, spec, a.logger, func(lease ModelLease) error {
		var err error
		aligned, err = lease.Align(ctx, audioPath, models.CloneSegments(segments), language)
		return err
	})
	if err != nil {
		return nil, &PipelineError{Stage: StageAlign, Err: err}
	}
	if err := checkEnriched(segments, aligned); err != nil {
		return nil, &PipelineError{Stage: StageAlign, Err: err}
	}
	return aligned, nil
}

// ModelDiarizer assigns speakers through the model worker. It is wrapped by
// DiarizationStage, which owns the best-effort policy.
type ModelDiarizer struct {
	worker   ModelWorker
	settings ModelSettings
	token    string
	logger   logrus.FieldLogger
}

// NewModelDiarizer creates a diarizer authenticated with the given Hugging Face token.
func NewModelDiarizer(worker ModelWorker, settings ModelSettings, token string, logger logrus.FieldLogger) *ModelDiarizer {
	return &ModelDiarizer{worker: worker, settings: settings, token: token, logger: logger}
}

// Diarize returns segments with speaker labels attached.
func (d *ModelDiarizer) Diarize(ctx context.Context, audioPath string, segments []models.Segment) ([]models.Segment, error) {
	spec := aiclient.ModelSpec{
		Kind:      aiclient.KindDiarization,
		Device:    d.settings.Device,
		AuthToken: d.token,
	}
	var diarized []models.Segment
	err := withLease(ctx, d.worker, spec, d.logger, func(lease ModelLease) error {
		var err error
		diarized, err = lease.Diarize(ctx, audioPath, models.CloneSegments(segments))
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := checkEnriched(segments, diarized); err != nil {
		return nil, err
	}
	return diarized, nil
}

// checkEnriched rejects a stage output that dropped or reordered segments.
func checkEnriched(before, after []models.Segment) error {
	if len(before) != len(after) {
		return fmt.Errorf("segment count changed from %d to %d", len(before), len(after))
	}
	for i := 1; i < len(after); i++ {
		if after[i].Start < after[i-1].Start {
			return fmt.Errorf("segment %d starts before segment %d", i, i-1)
		}
	}
	return nil
}
