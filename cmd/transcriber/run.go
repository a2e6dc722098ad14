package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"podscribe/transcriber/internal/jobs"
	"podscribe/transcriber/internal/pipeline"
	"podscribe/transcriber/internal/worker"
	"podscribe/transcriber/models"
)

type runOptions struct {
	jobID     string
	episodeID string
	audioURL  string
	userID    string
	createJob bool
	jsonOut   bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Transcribe one episode in the foreground",
		Long: "Runs a single transcription job to completion with the same timeout and retry policy " +
			"as the server, then prints the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if opts.jobID == "" {
				opts.jobID = uuid.NewString()
			}
			req := pipeline.Request{
				JobID:     opts.jobID,
				EpisodeID: opts.episodeID,
				AudioURL:  opts.audioURL,
				UserID:    opts.userID,
			}.Normalize()
			if err := req.Validate(); err != nil {
				return err
			}

			svc, err := newService(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer svc.Close(logger)

			if opts.createJob {
				if err := svc.store.CreateJob(cmd.Context(), models.TranscriptionJob{
					ID: req.JobID, EpisodeID: req.EpisodeID, UserID: req.UserID,
				}); err != nil {
					return err
				}
			}

			job := jobs.NewTranscriptionJob(req, svc.orchestrator, logger)
			attempts, err := runToCompletion(cmd.Context(), job, worker.Options{
				MaxWorkers:  1,
				QueueSize:   1,
				JobTimeout:  cfg.Worker.JobTimeout(),
				MaxAttempts: cfg.Worker.MaxAttempts,
				RetryDelay:  cfg.Worker.RetryDelay(),
				ShouldRetry: jobs.Retryable,
				Logger:      logger,
			})
			if err != nil {
				return fmt.Errorf("job %s failed after %d attempt(s): %w", req.JobID, attempts, err)
			}

			result := job.Result()
			if opts.jsonOut {
				return writeJSON(cmd, result)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s %s (transcript %s)\n", req.JobID, result.Status, result.TranscriptID)
			if svc.sqlite != nil {
				transcript, err := svc.sqlite.GetTranscriptByJob(cmd.Context(), req.JobID)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderTranscriptSummary(transcript))
				fmt.Fprintln(out, renderSegments(transcript.Segments))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.jobID, "job-id", "", "Job id (generated when empty)")
	cmd.Flags().StringVar(&opts.episodeID, "episode-id", "", "Episode id")
	cmd.Flags().StringVar(&opts.audioURL, "audio-url", "", "URL of the audio file")
	cmd.Flags().StringVar(&opts.userID, "user-id", "", "Owning user id")
	cmd.Flags().BoolVar(&opts.createJob, "create-job", false, "Insert a queued job record before running")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the raw result as JSON")
	_ = cmd.MarkFlagRequired("episode-id")
	_ = cmd.MarkFlagRequired("audio-url")
	_ = cmd.MarkFlagRequired("user-id")

	return cmd
}

// runToCompletion runs job through a single-worker dispatcher and waits for its final outcome.
func runToCompletion(ctx context.Context, job worker.Job, opts worker.Options) (int, error) {
	type outcome struct {
		attempts int
		err      error
	}
	done := make(chan outcome, 1)
	opts.OnDone = func(_ worker.Job, attempts int, err error) {
		done <- outcome{attempts: attempts, err: err}
	}

	dispatcher := worker.NewDispatcher(opts)
	dispatcher.Run()
	if err := dispatcher.SubmitJob(job); err != nil {
		dispatcher.Stop()
		return 0, err
	}

	select {
	case res := <-done:
		dispatcher.Stop()
		return res.attempts, res.err
	case <-ctx.Done():
		_ = dispatcher.Shutdown(ctx)
		res := <-done
		return res.attempts, errors.Join(ctx.Err(), res.err)
	}
}

func renderTranscriptSummary(t *models.Transcript) string {
	return renderTable(
		[]string{"Transcript", "Language", "Duration", "Words", "Segments", "Speakers"},
		[][]string{{
			t.ID,
			t.Language,
			formatTimestamp(float64(t.DurationSeconds)),
			fmt.Sprintf("%d", t.WordCount),
			fmt.Sprintf("%d", len(t.Segments)),
			fmt.Sprintf("%t", models.HasSpeakers(t.Segments)),
		}},
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}

func renderSegments(segments []models.Segment) string {
	rows := make([][]string, 0, len(segments))
	for _, seg := range segments {
		rows = append(rows, []string{
			formatTimestamp(seg.Start),
			formatTimestamp(seg.End),
			seg.Speaker,
			strings.TrimSpace(seg.Text),
		})
	}
	return renderTable(
		[]string{"Start", "End", "Speaker", "Text"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft},
	)
}

// formatTimestamp renders seconds as H:MM:SS.mmm, dropping the hour when zero.
func formatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3_600_000
	m := (ms / 60_000) % 60
	s := (ms / 1000) % 60
	rem := ms % 1000
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, rem)
	}
	return fmt.Sprintf("%02d:%02d.%03d", m, s, rem)
}
