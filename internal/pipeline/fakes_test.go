package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"podscribe/transcriber/internal/aiclient"
	"podscribe/transcriber/models"
)

type recordingReporter struct {
	mu      sync.Mutex
	updates   []models.JobUpdate
	ctxErrs   []error
	deadlines []bool
	// failAt makes the n-th call (1-based) fail; failFrom fails every call from n on.
	failAt   int
	failFrom int
}

func (r *recordingReporter) UpdateJob(ctx context.Context, jobID string, update models.JobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	_, hasDeadline := ctx.Deadline()
	r.deadlines = append(r.deadlines, hasDeadline)
	n := len(r.updates)
	if n == r.failAt || (r.failFrom > 0 && n >= r.failFrom) {
		return &PersistenceError{Op: "update job", Err: errors.New("connection refused")}
	}
	return nil
}

func (r *recordingReporter) progress() []int {
	var out []int
	for _, u := range r.updates {
		if u.Progress != nil {
			out = append(out, *u.Progress)
		}
	}
	return out
}

func (r *recordingReporter) last() models.JobUpdate {
	return r.updates[len(r.updates)-1]
}

type fakeFetcher struct {
	dest string
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, dest string) error {
	f.dest = dest
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, []byte("ID3 fake audio"), 0o644)
}

type fakeProbe struct {
	seconds float64
	err     error
}

func (p fakeProbe) Duration(_ context.Context, path string) (float64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	return p.seconds, p.err
}

type fakeTranscriber struct {
	result models.TranscriptionResult
	err    error
	panic  bool
}

func (f fakeTranscriber) Transcribe(context.Context, string) (models.TranscriptionResult, error) {
	if f.panic {
		panic("whisper worker crashed")
	}
	return f.result, f.err
}

type fakeAligner struct {
	err      error
	language string
}

func (f *fakeAligner) Align(_ context.Context, _ string, segments []models.Segment, language string) ([]models.Segment, error) {
	f.language = language
	if f.err != nil {
		return nil, f.err
	}
	out := models.CloneSegments(segments)
	for i := range out {
		start, end := out[i].Start, out[i].End
		out[i].Words = []models.Word{{Word: out[i].Text, Start: &start, End: &end}}
	}
	return out, nil
}

type fakeDiarizer struct {
	calls int
	err   error
	panic bool
}

func (f *fakeDiarizer) Diarize(_ context.Context, _ string, segments []models.Segment) ([]models.Segment, error) {
	f.calls++
	if f.panic {
		panic("pyannote exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	for i := range segments {
		segments[i].Speaker = "SPEAKER_00"
		for j := range segments[i].Words {
			segments[i].Words[j].Speaker = "SPEAKER_00"
		}
	}
	return segments, nil
}

type fakeStore struct {
	saved []models.Transcript
	err   error
}

func (s *fakeStore) InsertTranscript(_ context.Context, t models.Transcript) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, t)
	return "t-1", nil
}

type fakeNotifier struct {
	ids []string
	err error
}

func (n *fakeNotifier) Notify(_ context.Context, id string) Advisory {
	n.ids = append(n.ids, id)
	if n.err != nil {
		return Advisory{Err: &NotificationError{Err: n.err}}
	}
	return Advisory{}
}

type fakeLease struct {
	worker *fakeModelWorker
	kind   string
}

func (l *fakeLease) Transcribe(context.Context, string, int) (models.TranscriptionResult, error) {
	if l.worker.err != nil {
		return models.TranscriptionResult{}, l.worker.err
	}
	return l.worker.transcription, nil
}

func (l *fakeLease) Align(_ context.Context, _ string, segments []models.Segment, _ string) ([]models.Segment, error) {
	if l.worker.err != nil {
		return nil, l.worker.err
	}
	if l.worker.dropSegment && len(segments) > 0 {
		return segments[1:], nil
	}
	return segments, nil
}

func (l *fakeLease) Diarize(_ context.Context, _ string, segments []models.Segment) ([]models.Segment, error) {
	if l.worker.err != nil {
		return nil, l.worker.err
	}
	for i := range segments {
		segments[i].Speaker = "SPEAKER_01"
	}
	return segments, nil
}

func (l *fakeLease) Release() error {
	l.worker.released = append(l.worker.released, l.kind)
	return nil
}

type fakeModelWorker struct {
	specs         []aiclient.ModelSpec
	released      []string
	transcription models.TranscriptionResult
	err           error
	acquireErr    error
	dropSegment   bool
}

func (w *fakeModelWorker) Acquire(_ context.Context, spec aiclient.ModelSpec) (ModelLease, error) {
	if w.acquireErr != nil {
		return nil, w.acquireErr
	}
	w.specs = append(w.specs, spec)
	return &fakeLease{worker: w, kind: spec.Kind}, nil
}

type recordingObserver struct {
	stages      []string
	diarization []DiarizationResult
	jobs        []string
}

func (r *recordingObserver) ObserveStage(stage string, _ time.Duration, _ error) {
	r.stages = append(r.stages, stage)
}
func (r *recordingObserver) ObserveDiarization(res DiarizationResult) {
	r.diarization = append(r.diarization, res)
}
func (r *recordingObserver) ObserveJob(outcome string) { r.jobs = append(r.jobs, outcome) }
