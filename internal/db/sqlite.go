package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"podscribe/transcriber/internal/pipeline"
	"podscribe/transcriber/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transcription_jobs (
    id TEXT PRIMARY KEY,
    episode_id TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'queued',
    progress INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    completed_at TEXT
);

CREATE TABLE IF NOT EXISTS transcripts (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL UNIQUE,
    episode_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    segments TEXT NOT NULL,
    language TEXT NOT NULL,
    duration_seconds INTEGER NOT NULL,
    word_count INTEGER NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcription_jobs_status ON transcription_jobs(status);
`

// columns a JobUpdate may write.
var jobUpdateColumns = map[string]bool{
	"status":        true,
	"progress":      true,
	"error_message": true,
	"completed_at":  true,
}

// SQLiteStore keeps job records and transcripts in a local SQLite database.
// Job updates create the record when it does not exist yet.
type SQLiteStore struct {
	db     *sql.DB
	logger logrus.FieldLogger
	now    func() time.Time
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string, logger logrus.FieldLogger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob inserts a queued job record with progress 0.
func (s *SQLiteStore) CreateJob(ctx context.Context, job models.TranscriptionJob) error {
	ts := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcription_jobs (id, episode_id, user_id, status, progress, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?)`,
		job.ID, job.EpisodeID, job.UserID, models.JobStatusQueued, ts, ts,
	)
	if err != nil {
		return &pipeline.PersistenceError{Op: "create job", Err: err}
	}
	return nil
}

// UpdateJob applies a sparse update, creating the job record if needed.
func (s *SQLiteStore) UpdateJob(ctx context.Context, jobID string, update models.JobUpdate) error {
	if update.Empty() {
		return nil
	}
	fields := update.Fields()
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !jobUpdateColumns[col] {
			return &pipeline.PersistenceError{Op: "update job", Err: fmt.Errorf("unknown column %q", col)}
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	ts := s.timestamp()
	insertCols := append([]string{"id", "created_at", "updated_at"}, cols...)
	args := []interface{}{jobID, ts, ts}
	sets := []string{"updated_at = excluded.updated_at"}
	for _, col := range cols {
		args = append(args, fields[col])
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(insertCols)), ", ")

	query := fmt.Sprintf(
		"INSERT INTO transcription_jobs (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		strings.Join(insertCols, ", "), placeholders, strings.Join(sets, ", "),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &pipeline.PersistenceError{Op: "update job", Err: err}
	}
	return nil
}

// InsertTranscript stores the transcript, replacing any earlier transcript for the same job.
// The id of the stored row is returned.
func (s *SQLiteStore) InsertTranscript(ctx context.Context, transcript models.Transcript) (string, error) {
	segments, err := json.Marshal(transcript.Segments)
	if err != nil {
		return "", &pipeline.PersistenceError{Op: "insert transcript", Err: fmt.Errorf("encode segments: %w", err)}
	}
	if transcript.Segments == nil {
		segments = []byte("[]")
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO transcripts (id, job_id, episode_id, user_id, segments, language, duration_seconds, word_count, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(job_id) DO UPDATE SET
            episode_id = excluded.episode_id,
            user_id = excluded.user_id,
            segments = excluded.segments,
            language = excluded.language,
            duration_seconds = excluded.duration_seconds,
            word_count = excluded.word_count
         RETURNING id`,
		uuid.NewString(), transcript.JobID, transcript.EpisodeID, transcript.UserID, string(segments),
		transcript.Language, transcript.DurationSeconds, transcript.WordCount, s.timestamp(),
	).Scan(&id)
	if err != nil {
		return "", &pipeline.PersistenceError{Op: "insert transcript", Err: err}
	}
	s.logger.WithFields(logrus.Fields{"job_id": transcript.JobID, "transcript_id": id}).Info("Saved transcript")
	return id, nil
}

// GetJob reads a job record.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*models.TranscriptionJob, error) {
	var (
		job         models.TranscriptionJob
		errMsg      sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, episode_id, user_id, status, progress, error_message, created_at, completed_at
         FROM transcription_jobs WHERE id = ?`, jobID,
	).Scan(&job.ID, &job.EpisodeID, &job.UserID, &job.Status, &job.Progress, &errMsg, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	job.CreatedAt = parseTimestamp(createdAt)
	if completedAt.Valid {
		job.CompletedAt = parseTimestamp(completedAt.String)
	}
	return &job, nil
}

// GetTranscriptByJob reads the transcript stored for a job.
func (s *SQLiteStore) GetTranscriptByJob(ctx context.Context, jobID string) (*models.Transcript, error) {
	var (
		t        models.Transcript
		segments string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, episode_id, user_id, segments, language, duration_seconds, word_count
         FROM transcripts WHERE job_id = ?`, jobID,
	).Scan(&t.ID, &t.JobID, &t.EpisodeID, &t.UserID, &segments, &t.Language, &t.DurationSeconds, &t.WordCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no transcript for job %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch transcript for job %s: %w", jobID, err)
	}
	if err := json.Unmarshal([]byte(segments), &t.Segments); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	return &t
}
