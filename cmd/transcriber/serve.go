package main

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"podscribe/transcriber/handlers"
	"podscribe/transcriber/internal/jobs"
	"podscribe/transcriber/internal/metrics"
	"podscribe/transcriber/internal/pipeline"
	"podscribe/transcriber/internal/worker"
	"podscribe/transcriber/middleware"
	"podscribe/transcriber/utils"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			recorder := metrics.NewRecorder()
			svc, err := newService(cfg, logger, recorder)
			if err != nil {
				return err
			}
			defer svc.Close(logger)

			// Entries outlive every attempt of a job plus the pauses between them.
			inflightTTL := time.Duration(cfg.Worker.MaxAttempts)*(cfg.Worker.JobTimeout()+cfg.Worker.RetryDelay()) + time.Minute
			inflight := handlers.NewInflightRegistry(inflightTTL)

			dispatcher := worker.NewDispatcher(worker.Options{
				MaxWorkers:  cfg.Worker.MaxWorkers,
				QueueSize:   cfg.Worker.QueueSize,
				JobTimeout:  cfg.Worker.JobTimeout(),
				MaxAttempts: cfg.Worker.MaxAttempts,
				RetryDelay:  cfg.Worker.RetryDelay(),
				ShouldRetry: jobs.Retryable,
				OnDone: func(job worker.Job, attempts int, err error) {
					inflight.Release(job.ID())
					recorder.ObserveAttempts(attempts)
				},
				Logger: logger,
			})
			recorder.RegisterQueueDepth(dispatcher.QueueDepth)
			dispatcher.Run()

			newJob := func(req pipeline.Request) worker.Job {
				return jobs.NewTranscriptionJob(req, svc.orchestrator, logger)
			}
			handler := handlers.NewApplicationHandler(logger, dispatcher, svc.store, newJob, inflight)

			app := newFiberApp(handler, recorder, logger)

			listenErr := make(chan error, 1)
			go func() {
				logger.WithField("addr", cfg.Server.Address()).Info("Starting transcriber")
				listenErr <- app.Listen(cfg.Server.Address())
			}()

			select {
			case err := <-listenErr:
				dispatcher.Stop()
				return err
			case <-cmd.Context().Done():
			}

			logger.Info("Shutting down transcriber")
			if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
				logger.WithError(err).Warn("HTTP server shutdown error")
			}

			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := dispatcher.Shutdown(drainCtx); err != nil {
				logger.WithError(err).Warn("Running jobs were cancelled during shutdown")
			}
			logger.Info("Transcriber shut down gracefully")
			return nil
		},
	}
}

func newFiberApp(handler *handlers.ApplicationHandler, recorder *metrics.Recorder, logger logrus.FieldLogger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "transcriber",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return utils.RespondWithError(c, code, err.Error())
		},
	})

	app.Use(recover.New())
	app.Use(middleware.RequestLogger(logger, recorder.ObserveHTTP))
	handler.RegisterRoutes(app, recorder.Handler())
	return app
}
