package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"podscribe/transcriber/internal/db"
	"podscribe/transcriber/utils"
)

// GetJobStatus retrieves the status of a specific transcription job.
// GET /api/v1/jobs/:jobId
func (h *ApplicationHandler) GetJobStatus(c *fiber.Ctx) error {
	jobID := strings.TrimSpace(c.Params("jobId"))
	if jobID == "" {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid job ID")
	}

	job, err := h.Jobs.GetJob(c.UserContext(), jobID)
	if errors.Is(err, db.ErrJobNotFound) {
		return utils.RespondWithError(c, fiber.StatusNotFound, "Job not found")
	}
	if err != nil {
		h.Logger.WithError(err).WithField("job_id", jobID).Error("Error fetching job")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not retrieve job status")
	}

	return utils.RespondWithJSON(c, fiber.StatusOK, job)
}

// Health reports liveness and queue state.
// GET /health
func (h *ApplicationHandler) Health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":      "ok",
		"message":     "Transcriber is healthy",
		"queue_depth": h.Queue.QueueDepth(),
		"in_flight":   h.Inflight.Count(),
	})
}
