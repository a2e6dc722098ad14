package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError reports missing invocation fields. It is raised before any job
// state is touched.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

// DownloadError reports that the audio source could not be retrieved.
type DownloadError struct {
	URL string
	Err error
}

// Error omits the URL's query string and fragment, which may carry access tokens.
func (e *DownloadError) Error() string {
	redacted := RedactURL(e.URL)
	cause := "<nil>"
	if e.Err != nil {
		cause = e.Err.Error()
		if redacted != e.URL && e.URL != "" {
			cause = strings.ReplaceAll(cause, e.URL, redacted)
		}
	}
	return fmt.Sprintf("download failed for %s: %s", redacted, cause)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// RedactURL strips credentials, query and fragment from raw. Unparseable input is
// cut at the first '?' or '#'.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// PipelineError is a stage-aware failure of transcription or alignment. It aborts the job.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// DiarizationError describes a failed diarization attempt. It only ever travels inside
// a DiarizationOutcome.
type DiarizationError struct {
	Err error
}

func (e *DiarizationError) Error() string {
	return fmt.Sprintf("diarization failed: %v", e.Err)
}

func (e *DiarizationError) Unwrap() error { return e.Err }

// PersistenceError reports that the job record or transcript store was unreachable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NotificationError describes a failed summary trigger. It only ever travels inside
// an Advisory.
type NotificationError struct {
	StatusCode int
	Err        error
}

func (e *NotificationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("summary notification failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("summary notification failed: %v", e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// Advisory is the result of a best-effort call. A non-nil Err is reported and ignored.
type Advisory struct {
	Err error
}

// OK reports whether the advisory call succeeded.
func (a Advisory) OK() bool { return a.Err == nil }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
