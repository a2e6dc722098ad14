package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"podscribe/transcriber/internal/pipeline"
)

// DefaultTimeout bounds a single summary trigger.
const DefaultTimeout = 10 * time.Second

// SummaryPath is the edge function path appended to the Supabase URL.
const SummaryPath = "/functions/v1/generate-summary"

// SummaryURL returns the summary endpoint for a Supabase project URL.
func SummaryURL(supabaseURL string) string {
	return strings.TrimRight(supabaseURL, "/") + SummaryPath
}

// Notifier triggers downstream summarization once a transcript is stored.
// It never retries and never fails the caller.
type Notifier struct {
	endpoint   string
	serviceKey string
	timeout    time.Duration
	logger     logrus.FieldLogger
}

// NewNotifier creates a notifier posting to endpoint with the service key as bearer token.
func NewNotifier(endpoint, serviceKey string, timeout time.Duration, logger logrus.FieldLogger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		endpoint:   endpoint,
		serviceKey: serviceKey,
		timeout:    timeout,
		logger:     logger,
	}
}

type summaryRequest struct {
	TranscriptID string `json:"transcript_id"`
}

// Notify posts {transcript_id} to the summary endpoint. Failures are returned inside the advisory.
func (n *Notifier) Notify(ctx context.Context, transcriptID string) pipeline.Advisory {
	if n.endpoint == "" {
		return pipeline.Advisory{Err: &pipeline.NotificationError{Err: errors.New("summary endpoint not configured")}}
	}
	if err := ctx.Err(); err != nil {
		return pipeline.Advisory{Err: &pipeline.NotificationError{Err: err}}
	}

	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return pipeline.Advisory{Err: &pipeline.NotificationError{Err: context.DeadlineExceeded}}
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	agent := fiber.Post(n.endpoint)
	agent.Set(fiber.HeaderAuthorization, "Bearer "+n.serviceKey)
	agent.JSON(summaryRequest{TranscriptID: transcriptID})
	agent.Timeout(timeout)
	if err := agent.Parse(); err != nil {
		return pipeline.Advisory{Err: &pipeline.NotificationError{Err: fmt.Errorf("build request: %w", err)}}
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return pipeline.Advisory{Err: &pipeline.NotificationError{Err: errors.Join(errs...)}}
	}
	if code < fiber.StatusOK || code >= fiber.StatusMultipleChoices {
		return pipeline.Advisory{Err: &pipeline.NotificationError{
			StatusCode: code,
			Err:        fmt.Errorf("unexpected response: %s", truncate(string(body), 200)),
		}}
	}

	n.logger.WithFields(logrus.Fields{"transcript_id": transcriptID, "status_code": code}).Debug("Summary triggered")
	return pipeline.Advisory{}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
