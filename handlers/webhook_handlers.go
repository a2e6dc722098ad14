package handlers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"podscribe/transcriber/internal/pipeline"
	"podscribe/transcriber/internal/worker"
	"podscribe/transcriber/utils"
)

// HandleWebhook queues a transcription job.
// POST /webhook
func (h *ApplicationHandler) HandleWebhook(c *fiber.Ctx) error {
	var payload pipeline.Request
	if err := c.BodyParser(&payload); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, fmt.Sprintf("Cannot parse JSON: %v", err))
	}
	payload = payload.Normalize()

	if err := h.validate.Struct(payload); err != nil {
		return utils.RespondWithValidationError(c, "Missing required fields", utils.FormatValidationErrors(err))
	}

	logger := h.Logger.WithFields(logrus.Fields{"job_id": payload.JobID, "episode_id": payload.EpisodeID})

	if !h.Inflight.Claim(payload.JobID) {
		logger.Warn("Duplicate webhook for in-flight job")
		return utils.RespondWithError(c, fiber.StatusConflict, "Job is already queued or running")
	}

	if err := h.Queue.SubmitJob(h.NewJob(payload)); err != nil {
		h.Inflight.Release(payload.JobID)
		switch {
		case errors.Is(err, worker.ErrQueueFull):
			logger.Warn("Job queue full, rejecting webhook")
			return utils.RespondWithError(c, fiber.StatusServiceUnavailable, "Job queue is full, try again later")
		case errors.Is(err, worker.ErrStopped):
			return utils.RespondWithError(c, fiber.StatusServiceUnavailable, "Service is shutting down")
		default:
			logger.WithError(err).Error("Failed to queue job")
			return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not queue job")
		}
	}

	logger.Info("Transcription job queued")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "queued",
		"job_id": payload.JobID,
	})
}
