package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podscribe/transcriber/models"
)

type harness struct {
	tempDir     string
	jobs        *recordingReporter
	fetcher     *fakeFetcher
	probe       fakeProbe
	transcriber fakeTranscriber
	aligner     *fakeAligner
	diarizer    *fakeDiarizer
	credential  string
	store       *fakeStore
	notifier    *fakeNotifier
	observer    *recordingObserver
	logs        *test.Hook
}

func newHarness(t *testing.T) *harness {
	return &harness{
		tempDir: t.TempDir(),
		jobs:    &recordingReporter{},
		fetcher: &fakeFetcher{},
		probe:   fakeProbe{seconds: 120.0},
		transcriber: fakeTranscriber{result: models.TranscriptionResult{
			Language: "en",
			Segments: []models.Segment{
				{Start: 0, End: 4.2, Text: " Welcome to the show."},
				{Start: 4.2, End: 9.8, Text: " Today we talk about Go."},
			},
		}},
		aligner:  &fakeAligner{},
		diarizer: &fakeDiarizer{},
		store:    &fakeStore{},
		notifier: &fakeNotifier{},
		observer: &recordingObserver{},
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger, hook := test.NewNullLogger()
	h.logs = hook
	o, err := NewOrchestrator(Dependencies{
		Fetcher:     h.fetcher,
		Probe:       h.probe,
		Transcriber: h.transcriber,
		Aligner:     h.aligner,
		Diarization: NewDiarizationStage(h.diarizer, h.credential),
		Jobs:        h.jobs,
		Transcripts: h.store,
		Notifier:    h.notifier,
		Observer:    h.observer,
		Logger:      logger,
		TempDir:     h.tempDir,
		Now:         func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return o
}

func (h *harness) assertNoTempFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	if h.fetcher.dest != "" {
		_, err := os.Stat(h.fetcher.dest)
		assert.True(t, os.IsNotExist(err), "audio asset should be removed")
	}
}

var validRequest = Request{JobID: "j1", EpisodeID: "e1", AudioURL: "https://x/a.mp3", UserID: "u1"}

func TestRunWithoutDiarizationCredential(t *testing.T) {
	h := newHarness(t)
	result, err := h.orchestrator(t).Run(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Equal(t, Result{Status: "success", TranscriptID: "t-1"}, result)
	assert.Equal(t, []int{5, 10, 40, 70, 90, 100}, h.jobs.progress())

	final := h.jobs.last()
	require.NotNil(t, final.Status)
	assert.Equal(t, models.JobStatusCompleted, *final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, time.UTC, final.CompletedAt.Location())
	assert.Nil(t, final.ErrorMessage)

	require.Len(t, h.store.saved, 1)
	saved := h.store.saved[0]
	assert.Equal(t, "j1", saved.JobID)
	assert.Equal(t, "e1", saved.EpisodeID)
	assert.Equal(t, "u1", saved.UserID)
	assert.Equal(t, 120, saved.DurationSeconds)
	assert.Equal(t, "en", saved.Language)
	assert.Equal(t, 9, saved.WordCount)
	assert.NotEmpty(t, saved.Segments)
	assert.False(t, models.HasSpeakers(saved.Segments))
	assert.Equal(t, "en", h.aligner.language)

	assert.Zero(t, h.diarizer.calls)
	assert.Empty(t, h.observer.diarization)
	assert.NotContains(t, h.observer.stages, StageDiarize)
	for _, entry := range h.logs.AllEntries() {
		assert.NotContains(t, strings.ToLower(entry.Message), "diariz")
	}

	assert.Equal(t, []string{"t-1"}, h.notifier.ids)
	assert.Equal(t, []string{"completed"}, h.observer.jobs)
	h.assertNoTempFiles(t)
}

func TestRunStatusSequence(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator(t).Run(context.Background(), validRequest)
	require.NoError(t, err)

	var statuses []string
	for _, u := range h.jobs.updates {
		if u.Status != nil {
			statuses = append(statuses, *u.Status)
		} else {
			statuses = append(statuses, "-")
		}
	}
	assert.Equal(t, []string{"processing", "processing", "-", "-", "-", "completed"}, statuses)
}

func TestRunAttachesSpeakersWhenDiarizationSucceeds(t *testing.T) {
	h := newHarness(t)
	h.credential = "hf_token"
	_, err := h.orchestrator(t).Run(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Equal(t, 1, h.diarizer.calls)
	assert.True(t, models.HasSpeakers(h.store.saved[0].Segments))
	assert.Equal(t, []DiarizationResult{DiarizationAttempted}, h.observer.diarization)
	assert.Equal(t, []int{5, 10, 40, 70, 90, 100}, h.jobs.progress())
}

func TestRunToleratesDiarizationFailure(t *testing.T) {
	for name, diarizer := range map[string]*fakeDiarizer{
		"error": {err: errors.New("401 gated model")},
		"panic": {panic: true},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.credential = "hf_token"
			h.diarizer = diarizer

			expected, err := h.aligner.Align(context.Background(), "", h.transcriber.result.Segments, "en")
			require.NoError(t, err)

			result, err := h.orchestrator(t).Run(context.Background(), validRequest)
			require.NoError(t, err)
			assert.Equal(t, "t-1", result.TranscriptID)

			saved := h.store.saved[0]
			assert.Equal(t, expected, saved.Segments)
			assert.False(t, models.HasSpeakers(saved.Segments))
			assert.Equal(t, []int{5, 10, 40, 70, 90, 100}, h.jobs.progress())
			assert.Equal(t, models.JobStatusCompleted, *h.jobs.last().Status)
			assert.Equal(t, []DiarizationResult{DiarizationFailed}, h.observer.diarization)
		})
	}
}

func TestRunMarksJobFailed(t *testing.T) {
	cases := map[string]struct {
		setup  func(h *harness)
		target interface{}
		text   string
	}{
		"download": {
			setup:  func(h *harness) { h.fetcher.err = errors.New("404 Not Found") },
			target: new(*DownloadError),
			text:   "download failed",
		},
		"transcribe": {
			setup:  func(h *harness) { h.transcriber.err = errors.New("CUDA out of memory") },
			target: new(*PipelineError),
			text:   "transcribe stage failed",
		},
		"align": {
			setup:  func(h *harness) { h.aligner.err = errors.New("no align model for xx") },
			target: new(*PipelineError),
			text:   "align stage failed",
		},
		"persist": {
			setup:  func(h *harness) { h.store.err = errors.New("connection reset") },
			target: new(*PersistenceError),
			text:   "insert transcript",
		},
		"probe": {
			setup:  func(h *harness) { h.probe.err = errors.New("invalid data found") },
			target: nil,
			text:   "probe audio duration",
		},
		"checkpoint": {
			setup:  func(h *harness) { h.jobs.failAt = 3 },
			target: new(*PersistenceError),
			text:   "connection refused",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)

			_, err := h.orchestrator(t).Run(context.Background(), validRequest)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.text)
			if tc.target != nil {
				assert.True(t, errors.As(err, tc.target), "unexpected error type %T", err)
			}

			final := h.jobs.last()
			require.NotNil(t, final.Status)
			assert.Equal(t, models.JobStatusFailed, *final.Status)
			require.NotNil(t, final.ErrorMessage)
			assert.NotEmpty(t, *final.ErrorMessage)
			assert.Contains(t, *final.ErrorMessage, tc.text)
			assert.Nil(t, final.CompletedAt)

			assert.Equal(t, []string{"failed"}, h.observer.jobs)
			assert.Empty(t, h.notifier.ids)
			h.assertNoTempFiles(t)
		})
	}
}

func TestRunDownloadFailureStopsBeforePipelineCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("dial tcp: no such host")
	_, err := h.orchestrator(t).Run(context.Background(), validRequest)
	require.Error(t, err)
	assert.Equal(t, []int{5}, h.jobs.progress())
	assert.Empty(t, h.store.saved)
}

func TestRunSucceedsWhenNotificationFails(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("dial tcp 127.0.0.1:1: connection refused")

	result, err := h.orchestrator(t).Run(context.Background(), validRequest)
	require.NoError(t, err)
	assert.Equal(t, "t-1", result.TranscriptID)
	assert.Equal(t, models.JobStatusCompleted, *h.jobs.last().Status)

	var warned bool
	for _, entry := range h.logs.AllEntries() {
		if strings.Contains(entry.Message, "Summary trigger failed") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRunRejectsInvalidRequestWithoutTouchingJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator(t).Run(context.Background(), Request{JobID: "j1", AudioURL: "  "})
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"episode_id", "audio_url", "user_id"}, verr.Fields)
	assert.True(t, IsValidation(err))
	assert.Empty(t, h.jobs.updates)
	assert.Empty(t, h.observer.jobs)
}

func TestRunFailureReportErrorIsJoined(t *testing.T) {
	h := newHarness(t)
	h.transcriber.err = errors.New("model crashed")
	h.jobs.failFrom = 3

	_, err := h.orchestrator(t).Run(context.Background(), validRequest)
	require.Error(t, err)

	var pipelineErr *PipelineError
	var persistErr *PersistenceError
	assert.True(t, errors.As(err, &pipelineErr))
	assert.True(t, errors.As(err, &persistErr))
	h.assertNoTempFiles(t)
}

func TestRunReportsFailureOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.fetcher.err = context.Canceled
	cancel()

	_, err := h.orchestrator(t).Run(ctx, validRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	last := len(h.jobs.updates) - 1
	assert.Equal(t, models.JobStatusFailed, *h.jobs.updates[last].Status)
	assert.NoError(t, h.jobs.ctxErrs[last])
}

func TestRunIsReinvocable(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	h.transcriber.err = nil

	_, err := o.Run(context.Background(), validRequest)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Len(t, h.store.saved, 2)
	assert.Equal(t, []int{5, 10, 40, 70, 90, 100, 5, 10, 40, 70, 90, 100}, h.jobs.progress())
	h.assertNoTempFiles(t)
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Dependencies{})
	assert.Error(t, err)
}

func TestRunMarksJobFailedWhenStagePanics(t *testing.T) {
	h := newHarness(t)
	h.transcriber.panic = true

	var (
		result Result
		err    error
	)
	require.NotPanics(t, func() {
		result, err = h.orchestrator(t).Run(context.Background(), validRequest)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Empty(t, result.TranscriptID)

	final := h.jobs.last()
	require.NotNil(t, final.Status)
	assert.Equal(t, models.JobStatusFailed, *final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "panicked")
	assert.Equal(t, []int{5, 10}, h.jobs.progress())
	assert.Equal(t, []string{"failed"}, h.observer.jobs)
	assert.Empty(t, h.store.saved)
	h.assertNoTempFiles(t)

	for _, e := range h.logs.AllEntries() {
		assert.NotEqual(t, "Transcription job completed", e.Message)
	}
}

func TestRunFailureReportIsBounded(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("404 Not Found")

	_, err := h.orchestrator(t).Run(context.Background(), validRequest)
	require.Error(t, err)

	require.Len(t, h.jobs.deadlines, 2)
	assert.False(t, h.jobs.deadlines[0], "checkpoint uses the job context")
	assert.True(t, h.jobs.deadlines[1], "failed-status update carries its own deadline")
}
