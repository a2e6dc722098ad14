package jobs

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"podscribe/transcriber/internal/pipeline"
	"podscribe/transcriber/internal/worker"
)

// Runner executes one transcription job end to end.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// TranscriptionJob defines a queued transcription request.
type TranscriptionJob struct {
	Request pipeline.Request
	runner  Runner
	logger  logrus.FieldLogger

	mu     sync.Mutex
	result pipeline.Result
}

// NewTranscriptionJob creates a new TranscriptionJob.
func NewTranscriptionJob(req pipeline.Request, runner Runner, logger logrus.FieldLogger) *TranscriptionJob {
	return &TranscriptionJob{
		Request: req.Normalize(),
		runner:  runner,
		logger:  logger,
	}
}

// ID returns the unique identifier of the job.
func (j *TranscriptionJob) ID() string {
	return j.Request.JobID
}

// Execute runs the whole pipeline. Each call starts from scratch.
func (j *TranscriptionJob) Execute(ctx context.Context) error {
	attempt := worker.AttemptFromContext(ctx)
	if attempt > 1 {
		j.logger.WithFields(logrus.Fields{"job_id": j.ID(), "attempt": attempt}).Info("Re-running transcription job from the start")
	}

	result, err := j.runner.Run(ctx, j.Request)
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.result = result
	j.mu.Unlock()
	return nil
}

// Result returns the result of the last successful run.
func (j *TranscriptionJob) Result() pipeline.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Retryable reports whether a failed job is worth running again. Invalid requests are not.
func Retryable(err error) bool {
	return err != nil && !pipeline.IsValidation(err)
}
