package models

import "strings"

// TranscriptionResult is the output of the transcription stage, enriched in place
// by alignment and diarization.
type TranscriptionResult struct {
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// Segment represents a single time-stamped segment of a transcription.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

// Word is a word-level timing produced by alignment. Start and End are absent for
// tokens the aligner could not place (digits, symbols).
type Word struct {
	Word    string   `json:"word"`
	Start   *float64 `json:"start,omitempty"`
	End     *float64 `json:"end,omitempty"`
	Score   *float64 `json:"score,omitempty"`
	Speaker string   `json:"speaker,omitempty"`
}

// CountWords sums whitespace-delimited tokens across all segment texts.
func CountWords(segments []Segment) int {
	count := 0
	for _, seg := range segments {
		count += len(strings.Fields(seg.Text))
	}
	return count
}

// CloneSegments returns a deep copy so later stages cannot mutate an earlier result.
func CloneSegments(segments []Segment) []Segment {
	if segments == nil {
		return nil
	}
	out := make([]Segment, len(segments))
	for i, seg := range segments {
		out[i] = seg
		if seg.Words != nil {
			out[i].Words = append([]Word(nil), seg.Words...)
		}
	}
	return out
}

// HasSpeakers reports whether any segment or word carries a speaker label.
func HasSpeakers(segments []Segment) bool {
	for _, seg := range segments {
		if seg.Speaker != "" {
			return true
		}
		for _, w := range seg.Words {
			if w.Speaker != "" {
				return true
			}
		}
	}
	return false
}
