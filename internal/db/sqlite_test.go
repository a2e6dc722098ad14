package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podscribe/transcriber/models"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "transcriber.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, models.TranscriptionJob{ID: "job-1", EpisodeID: "ep-1", UserID: "user-1"}))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.NotNil(t, job.CreatedAt)

	require.NoError(t, store.UpdateJob(ctx, "job-1", models.ProcessingUpdate(5)))
	require.NoError(t, store.UpdateJob(ctx, "job-1", models.ProgressUpdate(40)))

	job, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, 40, job.Progress)
	assert.Equal(t, "ep-1", job.EpisodeID)

	done := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateJob(ctx, "job-1", models.CompletedUpdate(done)))

	job, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, done.Equal(*job.CompletedAt))
	assert.Nil(t, job.ErrorMessage)
}

func TestSQLiteStore_UpdateCreatesMissingJob(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.UpdateJob(ctx, "job-9", models.FailedUpdate("download failed")))

	job, err := store.GetJob(ctx, "job-9")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "download failed", *job.ErrorMessage)
}

func TestSQLiteStore_GetJobNotFound(t *testing.T) {
	store := openTestSQLite(t)
	_, err := store.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSQLiteStore_InsertTranscriptUpsertsByJob(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	first := models.Transcript{
		JobID:           "job-1",
		EpisodeID:       "ep-1",
		UserID:          "user-1",
		Segments:        []models.Segment{{Start: 0, End: 2, Text: "hello world", Speaker: "SPEAKER_00"}},
		Language:        "en",
		DurationSeconds: 120,
		WordCount:       2,
	}
	id, err := store.InsertTranscript(ctx, first)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	second := first
	second.Segments = []models.Segment{{Start: 0, End: 2, Text: "hello again world"}}
	second.WordCount = 3
	id2, err := store.InsertTranscript(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	stored, err := store.GetTranscriptByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, id, stored.ID)
	assert.Equal(t, 3, stored.WordCount)
	assert.Equal(t, 120, stored.DurationSeconds)
	require.Len(t, stored.Segments, 1)
	assert.Equal(t, "hello again world", stored.Segments[0].Text)
}

func TestSQLiteStore_EmptySegmentsStoredAsArray(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	_, err := store.InsertTranscript(ctx, models.Transcript{JobID: "job-2", EpisodeID: "ep", UserID: "u", Language: "en"})
	require.NoError(t, err)

	stored, err := store.GetTranscriptByJob(ctx, "job-2")
	require.NoError(t, err)
	assert.NotNil(t, stored.Segments)
	assert.Empty(t, stored.Segments)
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := OpenSQLite("  ", logger)
	assert.Error(t, err)
}
