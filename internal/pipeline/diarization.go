package pipeline

import (
	"context"
	"fmt"
	"strings"

	"podscribe/transcriber/models"
)

// Diarizer assigns speaker labels to segments and words.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, segments []models.Segment) ([]models.Segment, error)
}

// DiarizationResult names the three ways a diarization step can end.
type DiarizationResult int

const (
	DiarizationSkipped DiarizationResult = iota
	DiarizationAttempted
	DiarizationFailed
)

func (r DiarizationResult) String() string {
	switch r {
	case DiarizationAttempted:
		return "attempted"
	case DiarizationFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// DiarizationOutcome carries the segments to continue with. For Skipped and Failed
// they are the input segments, untouched.
type DiarizationOutcome struct {
	Result   DiarizationResult
	Segments []models.Segment
	Reason   *DiarizationError
}

// DiarizationStage is the best-effort speaker attribution step. It needs a credential;
// without one it is never attempted.
type DiarizationStage struct {
	diarizer   Diarizer
	credential string
}

// NewDiarizationStage creates the stage. A blank credential disables it.
func NewDiarizationStage(diarizer Diarizer, credential string) *DiarizationStage {
	return &DiarizationStage{diarizer: diarizer, credential: strings.TrimSpace(credential)}
}

// Enabled reports whether a credential and a diarizer are configured.
func (s *DiarizationStage) Enabled() bool {
	return s != nil && s.diarizer != nil && s.credential != ""
}

// Run diarizes the segments. It never returns an error: failures come back as a Failed
// outcome carrying the original segments.
func (s *DiarizationStage) Run(ctx context.Context, audioPath string, segments []models.Segment) (outcome DiarizationOutcome) {
	if !s.Enabled() {
		return DiarizationOutcome{Result: DiarizationSkipped, Segments: segments}
	}
	defer func() {
		if r := recover(); r != nil {
			outcome = DiarizationOutcome{
				Result:   DiarizationFailed,
				Segments: segments,
				Reason:   &DiarizationError{Err: panicError{value: r}},
			}
		}
	}()
	diarized, err := s.diarizer.Diarize(ctx, audioPath, models.CloneSegments(segments))
	if err != nil {
		return DiarizationOutcome{Result: DiarizationFailed, Segments: segments, Reason: &DiarizationError{Err: err}}
	}
	return DiarizationOutcome{Result: DiarizationAttempted, Segments: diarized}
}

type panicError struct {
	value interface{}
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
