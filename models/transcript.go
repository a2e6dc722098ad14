package models

// Transcript represents a persisted transcript row in the transcripts table.
// ID is assigned by the store on insert.
type Transcript struct {
	ID              string    `json:"id,omitempty"`
	JobID           string    `json:"job_id"`
	EpisodeID       string    `json:"episode_id"`
	UserID          string    `json:"user_id"`
	Segments        []Segment `json:"segments"`
	Language        string    `json:"language"`
	DurationSeconds int       `json:"duration_seconds"`
	WordCount       int       `json:"word_count"`
}

// NewTranscript builds the transcript row for a finished job. The duration is truncated
// to whole seconds.
func NewTranscript(jobID, episodeID, userID string, result TranscriptionResult, durationSeconds float64) Transcript {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	return Transcript{
		JobID:           jobID,
		EpisodeID:       episodeID,
		UserID:          userID,
		Segments:        result.Segments,
		Language:        result.Language,
		DurationSeconds: int(durationSeconds),
		WordCount:       CountWords(result.Segments),
	}
}
