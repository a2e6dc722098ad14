package models

import (
	"time"
)

// Job statuses stored in transcription_jobs.status.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// TranscriptionJob represents the structure of a transcription job in the database.
type TranscriptionJob struct {
	ID           string     `json:"id"`
	EpisodeID    string     `json:"episode_id"`
	UserID       string     `json:"user_id"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	ErrorMessage *string    `json:"error_message,omitempty"` // Nullable TEXT
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"` // Nullable TIMESTAMPTZ
}

// JobUpdate is a sparse update of a transcription job. Only non-nil fields are written.
type JobUpdate struct {
	Status       *string
	Progress     *int
	ErrorMessage *string
	CompletedAt  *time.Time
}

// Fields returns the column/value pairs carried by the update.
func (u JobUpdate) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, 4)
	if u.Status != nil {
		fields["status"] = *u.Status
	}
	if u.Progress != nil {
		fields["progress"] = *u.Progress
	}
	if u.ErrorMessage != nil {
		fields["error_message"] = *u.ErrorMessage
	}
	if u.CompletedAt != nil {
		fields["completed_at"] = u.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// Empty reports whether the update carries no fields.
func (u JobUpdate) Empty() bool {
	return u.Status == nil && u.Progress == nil && u.ErrorMessage == nil && u.CompletedAt == nil
}

// ProcessingUpdate marks the job as processing at the given progress.
func ProcessingUpdate(progress int) JobUpdate {
	status := JobStatusProcessing
	return JobUpdate{Status: &status, Progress: &progress}
}

// ProgressUpdate moves only the progress value.
func ProgressUpdate(progress int) JobUpdate {
	return JobUpdate{Progress: &progress}
}

// CompletedUpdate marks the job completed at 100%.
func CompletedUpdate(at time.Time) JobUpdate {
	status := JobStatusCompleted
	progress := 100
	at = at.UTC()
	return JobUpdate{Status: &status, Progress: &progress, CompletedAt: &at}
}

// FailedUpdate marks the job failed with the given message.
func FailedUpdate(message string) JobUpdate {
	status := JobStatusFailed
	return JobUpdate{Status: &status, ErrorMessage: &message}
}
