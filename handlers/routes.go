package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// RegisterRoutes mounts the trigger surface on app. metrics may be nil.
func (h *ApplicationHandler) RegisterRoutes(app *fiber.App, metrics http.Handler) {
	app.Get("/health", h.Health)
	app.Post("/webhook", h.HandleWebhook)

	apiV1 := app.Group("/api/v1")
	apiV1.Get("/jobs/:jobId", h.GetJobStatus)

	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics))
	}
}
