package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	postgrest "github.com/supabase-community/postgrest-go"

	"podscribe/transcriber/internal/pipeline"
	"podscribe/transcriber/models"
)

// Default table names in the Supabase schema.
const (
	DefaultJobsTable        = "transcription_jobs"
	DefaultTranscriptsTable = "transcripts"
)

// ErrJobNotFound is returned when a job record does not exist.
var ErrJobNotFound = errors.New("job not found")

// Querier is satisfied by both *postgrest.Client and *supabase.Client.
type Querier interface {
	From(table string) *postgrest.QueryBuilder
}

// SupabaseOptions configures table names and transcript write semantics.
type SupabaseOptions struct {
	JobsTable        string
	TranscriptsTable string
	// UpsertTranscripts keys transcript writes by job_id so a retried job overwrites
	// its earlier row. It needs a unique constraint on transcripts.job_id.
	UpsertTranscripts bool
}

// execute runs a PostgREST call and abandons it when ctx ends first.
// postgrest-go has no context support, so the call keeps running in the
// background until its HTTP request returns; the result channel is buffered
// so that goroutine never blocks.
func execute(ctx context.Context, call func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- call() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SupabaseStore keeps job records and transcripts in Supabase through PostgREST.
type SupabaseStore struct {
	client Querier
	opts   SupabaseOptions
	logger logrus.FieldLogger
}

// NewSupabaseStore creates a store over an already constructed client.
func NewSupabaseStore(client Querier, opts SupabaseOptions, logger logrus.FieldLogger) *SupabaseStore {
	if opts.JobsTable == "" {
		opts.JobsTable = DefaultJobsTable
	}
	if opts.TranscriptsTable == "" {
		opts.TranscriptsTable = DefaultTranscriptsTable
	}
	return &SupabaseStore{client: client, opts: opts, logger: logger}
}

// CreateJob inserts a queued job record with progress 0.
func (s *SupabaseStore) CreateJob(ctx context.Context, job models.TranscriptionJob) error {
	record := map[string]interface{}{
		"id":         job.ID,
		"episode_id": job.EpisodeID,
		"user_id":    job.UserID,
		"status":     models.JobStatusQueued,
		"progress":   0,
	}
	err := execute(ctx, func() error {
		_, _, err := s.client.From(s.opts.JobsTable).Insert(record, false, "", "minimal", "").Execute()
		return err
	})
	if err != nil {
		return &pipeline.PersistenceError{Op: "create job", Err: fmt.Errorf("failed to insert job record %s: %w", job.ID, err)}
	}
	s.logger.WithField("job_id", job.ID).Info("Created job record")
	return nil
}

// UpdateJob applies a sparse update to the job record identified by jobID.
func (s *SupabaseStore) UpdateJob(ctx context.Context, jobID string, update models.JobUpdate) error {
	if update.Empty() {
		return nil
	}
	// Only columns of transcription_jobs; the table has no updated_at.
	updateData := update.Fields()

	var body []byte
	err := execute(ctx, func() error {
		var err error
		body, _, err = s.client.From(s.opts.JobsTable).
			Update(updateData, "representation", "").
			Eq("id", jobID).
			Execute()
		return err
	})
	if err != nil {
		return &pipeline.PersistenceError{Op: "update job", Err: fmt.Errorf("failed to update job record %s: %w", jobID, err)}
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err == nil && len(rows) == 0 {
		s.logger.WithField("job_id", jobID).Warn("No job record matched update")
	}
	s.logger.WithFields(logrus.Fields(update.Fields())).WithField("job_id", jobID).Debug("Updated job record")
	return nil
}

// InsertTranscript stores the transcript and returns the id assigned by the database.
func (s *SupabaseStore) InsertTranscript(ctx context.Context, transcript models.Transcript) (string, error) {
	transcript.ID = ""

	onConflict := ""
	if s.opts.UpsertTranscripts {
		onConflict = "job_id"
	}

	var results []models.Transcript
	// Prefer: return=representation makes PostgREST return the inserted row with its id.
	err := execute(ctx, func() error {
		_, err := s.client.From(s.opts.TranscriptsTable).
			Insert(transcript, s.opts.UpsertTranscripts, onConflict, "representation", "").
			ExecuteTo(&results)
		return err
	})
	if err != nil {
		return "", &pipeline.PersistenceError{Op: "insert transcript", Err: err}
	}
	if len(results) == 0 || results[0].ID == "" {
		return "", &pipeline.PersistenceError{Op: "insert transcript", Err: fmt.Errorf("no record returned after insert, job_id: %s", transcript.JobID)}
	}

	s.logger.WithFields(logrus.Fields{"job_id": transcript.JobID, "transcript_id": results[0].ID}).Info("Saved transcript")
	return results[0].ID, nil
}

// GetJob reads a job record.
func (s *SupabaseStore) GetJob(ctx context.Context, jobID string) (*models.TranscriptionJob, error) {
	var jobs []models.TranscriptionJob
	var body []byte
	err := execute(ctx, func() error {
		var err error
		body, _, err = s.client.From(s.opts.JobsTable).
			Select("*", "", false).
			Eq("id", jobID).
			Limit(1, "").
			Execute()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	if err := json.Unmarshal(body, &jobs); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	if len(jobs) == 0 {
		return nil, ErrJobNotFound
	}
	return &jobs[0], nil
}
