package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"podscribe/transcriber/models"
)

// Stage names used in logs, errors and metrics.
const (
	StageDownload   = "download"
	StageProbe      = "probe"
	StageTranscribe = "transcribe"
	StageAlign      = "align"
	StageDiarize    = "diarize"
	StagePersist    = "persist"
	StageNotify     = "notify"
)

// Progress checkpoints reported to the job record.
const (
	ProgressStarted     = 5
	ProgressPipeline    = 10
	ProgressTranscribed = 40
	ProgressAligned     = 70
	ProgressDiarized    = 90
	ProgressCompleted   = 100
)

const audioFileName = "audio.mp3"

// AudioFetcher downloads a remote audio file to dest.
type AudioFetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// AudioProbe reads the duration of a local audio file in seconds.
type AudioProbe interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Transcriber runs speech-to-text on a local audio file.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (models.TranscriptionResult, error)
}

// Aligner refines segment timestamps to word level.
type Aligner interface {
	Align(ctx context.Context, audioPath string, segments []models.Segment, language string) ([]models.Segment, error)
}

// JobStatusReporter applies sparse updates to the job record.
type JobStatusReporter interface {
	UpdateJob(ctx context.Context, jobID string, update models.JobUpdate) error
}

// TranscriptStore persists a finished transcript and returns its id.
type TranscriptStore interface {
	InsertTranscript(ctx context.Context, transcript models.Transcript) (string, error)
}

// SummaryNotifier triggers downstream summarization. Its result is advisory.
type SummaryNotifier interface {
	Notify(ctx context.Context, transcriptID string) Advisory
}

// Observer receives timing and outcome events. Implementations must be cheap.
type Observer interface {
	ObserveStage(stage string, elapsed time.Duration, err error)
	ObserveDiarization(result DiarizationResult)
	ObserveJob(outcome string)
}

type noopObserver struct{}

func (noopObserver) ObserveStage(string, time.Duration, error) {}
func (noopObserver) ObserveDiarization(DiarizationResult)      {}
func (noopObserver) ObserveJob(string)                         {}

// Request identifies one transcription job.
type Request struct {
	JobID     string `json:"job_id" validate:"required"`
	EpisodeID string `json:"episode_id" validate:"required"`
	AudioURL  string `json:"audio_url" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
}

// Normalize trims surrounding whitespace from every field.
func (r Request) Normalize() Request {
	return Request{
		JobID:     strings.TrimSpace(r.JobID),
		EpisodeID: strings.TrimSpace(r.EpisodeID),
		AudioURL:  strings.TrimSpace(r.AudioURL),
		UserID:    strings.TrimSpace(r.UserID),
	}
}

// Validate returns a ValidationError naming every empty field.
func (r Request) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"job_id", r.JobID},
		{"episode_id", r.EpisodeID},
		{"audio_url", r.AudioURL},
		{"user_id", r.UserID},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// Result is returned for a successful job.
type Result struct {
	Status       string `json:"status"`
	TranscriptID string `json:"transcript_id"`
}

// Dependencies wires the orchestrator's collaborators.
type Dependencies struct {
	Fetcher     AudioFetcher
	Probe       AudioProbe
	Transcriber Transcriber
	Aligner     Aligner
	Diarization *DiarizationStage
	Jobs        JobStatusReporter
	Transcripts TranscriptStore
	Notifier    SummaryNotifier
	Observer    Observer
	Logger      logrus.FieldLogger
	// TempDir is the parent for per-job scratch directories; empty means os.TempDir().
	TempDir string
	Now     func() time.Time
	// ReportTimeout bounds the failed-status update; zero means DefaultReportTimeout.
	ReportTimeout time.Duration
}

// DefaultReportTimeout bounds marking a job failed after its context is gone.
const DefaultReportTimeout = 30 * time.Second

// Orchestrator runs one job end to end. It holds no per-job state, so a single value
// may serve concurrent jobs and may be re-invoked for the same job id.
type Orchestrator struct {
	deps Dependencies
}

// NewOrchestrator validates the dependencies and returns an orchestrator.
func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: audio fetcher is required")
	case deps.Probe == nil:
		return nil, errors.New("pipeline: audio probe is required")
	case deps.Transcriber == nil:
		return nil, errors.New("pipeline: transcriber is required")
	case deps.Aligner == nil:
		return nil, errors.New("pipeline: aligner is required")
	case deps.Jobs == nil:
		return nil, errors.New("pipeline: job status reporter is required")
	case deps.Transcripts == nil:
		return nil, errors.New("pipeline: transcript store is required")
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ReportTimeout <= 0 {
		deps.ReportTimeout = DefaultReportTimeout
	}
	return &Orchestrator{deps: deps}, nil
}

// Run executes the job. On any failure after validation the job record is marked
// failed and the error is returned to the caller.
func (o *Orchestrator) Run(ctx context.Context, req Request) (result Result, err error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	logger := o.deps.Logger.WithFields(logrus.Fields{"job_id": req.JobID, "episode_id": req.EpisodeID})
	logger.Info("Transcription job started")
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", req.JobID, p)
		}
		if err == nil {
			o.deps.Observer.ObserveJob("completed")
			logger.WithFields(logrus.Fields{
				"transcript_id": result.TranscriptID,
				"elapsed_ms":    time.Since(started).Milliseconds(),
			}).Info("Transcription job completed")
			return
		}
		o.deps.Observer.ObserveJob("failed")
		logger.WithError(err).Error("Transcription job failed")
		// The job context may already be cancelled by the invoking layer's timeout.
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.deps.ReportTimeout)
		defer cancel()
		if reportErr := o.deps.Jobs.UpdateJob(reportCtx, req.JobID, models.FailedUpdate(err.Error())); reportErr != nil {
			logger.WithError(reportErr).Error("Failed to mark job as failed")
			err = errors.Join(err, reportErr)
		}
	}()

	return o.run(ctx, req, logger)
}

func (o *Orchestrator) run(ctx context.Context, req Request, logger logrus.FieldLogger) (Result, error) {
	if err := o.checkpoint(ctx, req.JobID, models.ProcessingUpdate(ProgressStarted)); err != nil {
		return Result{}, err
	}

	workDir, err := os.MkdirTemp(o.deps.TempDir, "podscribe-")
	if err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.WithError(rmErr).WithField("dir", workDir).Warn("Failed to remove work dir")
		}
	}()
	audioPath := filepath.Join(workDir, audioFileName)

	err = o.stage(StageDownload, func() error {
		if err := o.deps.Fetcher.Fetch(ctx, req.AudioURL, audioPath); err != nil {
			var dl *DownloadError
			if errors.As(err, &dl) {
				return err
			}
			return &DownloadError{URL: req.AudioURL, Err: err}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var duration float64
	err = o.stage(StageProbe, func() error {
		var err error
		duration, err = o.deps.Probe.Duration(ctx, audioPath)
		if err != nil {
			return fmt.Errorf("probe audio duration: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	logger.WithField("duration_seconds", duration).Info("Audio downloaded")

	if err := o.checkpoint(ctx, req.JobID, models.ProcessingUpdate(ProgressPipeline)); err != nil {
		return Result{}, err
	}

	var transcription models.TranscriptionResult
	err = o.stage(StageTranscribe, func() error {
		var err error
		transcription, err = o.deps.Transcriber.Transcribe(ctx, audioPath)
		return asPipelineError(StageTranscribe, err)
	})
	if err != nil {
		return Result{}, err
	}
	logger.WithFields(logrus.Fields{"language": transcription.Language, "segments": len(transcription.Segments)}).Info("Audio transcribed")
	if err := o.checkpoint(ctx, req.JobID, models.ProgressUpdate(ProgressTranscribed)); err != nil {
		return Result{}, err
	}

	err = o.stage(StageAlign, func() error {
		aligned, err := o.deps.Aligner.Align(ctx, audioPath, transcription.Segments, transcription.Language)
		if err != nil {
			return asPipelineError(StageAlign, err)
		}
		transcription.Segments = aligned
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if err := o.checkpoint(ctx, req.JobID, models.ProgressUpdate(ProgressAligned)); err != nil {
		return Result{}, err
	}

	if o.deps.Diarization.Enabled() {
		begin := time.Now()
		outcome := o.deps.Diarization.Run(ctx, audioPath, transcription.Segments)
		var reason error
		if outcome.Reason != nil {
			reason = outcome.Reason
		}
		o.deps.Observer.ObserveStage(StageDiarize, time.Since(begin), reason)
		o.deps.Observer.ObserveDiarization(outcome.Result)
		switch outcome.Result {
		case DiarizationFailed:
			logger.WithError(outcome.Reason).Warn("Diarization failed, continuing without speaker labels")
		case DiarizationAttempted:
			logger.Info("Speakers assigned")
		}
		transcription.Segments = outcome.Segments
	}
	if err := o.checkpoint(ctx, req.JobID, models.ProgressUpdate(ProgressDiarized)); err != nil {
		return Result{}, err
	}

	transcript := models.NewTranscript(req.JobID, req.EpisodeID, req.UserID, transcription, duration)
	var transcriptID string
	err = o.stage(StagePersist, func() error {
		var err error
		transcriptID, err = o.deps.Transcripts.InsertTranscript(ctx, transcript)
		if err != nil {
			return asPersistenceError("insert transcript", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if err := o.checkpoint(ctx, req.JobID, models.CompletedUpdate(o.deps.Now())); err != nil {
		return Result{}, err
	}

	if o.deps.Notifier != nil {
		begin := time.Now()
		advisory := o.deps.Notifier.Notify(ctx, transcriptID)
		o.deps.Observer.ObserveStage(StageNotify, time.Since(begin), advisory.Err)
		if !advisory.OK() {
			logger.WithError(advisory.Err).Warn("Summary trigger failed (non-fatal)")
		}
	}

	return Result{Status: "success", TranscriptID: transcriptID}, nil
}

func (o *Orchestrator) stage(name string, fn func() error) error {
	begin := time.Now()
	err := fn()
	o.deps.Observer.ObserveStage(name, time.Since(begin), err)
	return err
}

func (o *Orchestrator) checkpoint(ctx context.Context, jobID string, update models.JobUpdate) error {
	if err := o.deps.Jobs.UpdateJob(ctx, jobID, update); err != nil {
		return asPersistenceError("update job", err)
	}
	return nil
}

func asPipelineError(stage string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return err
	}
	return &PipelineError{Stage: stage, Err: err}
}

func asPersistenceError(op string, err error) error {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
