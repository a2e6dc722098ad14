package handlers

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"podscribe/transcriber/internal/pipeline"
	"podscribe/transcriber/internal/worker"
	"podscribe/transcriber/models"
)

// JobQueue accepts jobs for background execution.
type JobQueue interface {
	SubmitJob(job worker.Job) error
	QueueDepth() int
}

// JobReader reads job records for status lookups.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*models.TranscriptionJob, error)
}

// JobFactory turns a validated invocation into a queueable job.
type JobFactory func(req pipeline.Request) worker.Job

// InflightRegistry remembers job ids that are queued or running in this process.
// Entries expire after ttl in case a release is ever missed.
type InflightRegistry struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewInflightRegistry creates a registry whose entries expire after ttl.
func NewInflightRegistry(ttl time.Duration) *InflightRegistry {
	return &InflightRegistry{
		cache: gocache.New(ttl, ttl/2),
		ttl:   ttl,
	}
}

// Claim marks jobID as in flight. It returns false if it already was.
func (r *InflightRegistry) Claim(jobID string) bool {
	return r.cache.Add(jobID, time.Now(), r.ttl) == nil
}

// Release forgets jobID.
func (r *InflightRegistry) Release(jobID string) {
	r.cache.Delete(jobID)
}

// Count returns the number of jobs in flight.
func (r *InflightRegistry) Count() int {
	return r.cache.ItemCount()
}

// ApplicationHandler holds shared dependencies for handlers.
type ApplicationHandler struct {
	Logger   logrus.FieldLogger
	Queue    JobQueue
	Jobs     JobReader
	NewJob   JobFactory
	Inflight *InflightRegistry
	validate *validator.Validate
}

// NewApplicationHandler creates a new ApplicationHandler with the given dependencies.
func NewApplicationHandler(logger logrus.FieldLogger, queue JobQueue, jobs JobReader, newJob JobFactory, inflight *InflightRegistry) *ApplicationHandler {
	return &ApplicationHandler{
		Logger:   logger,
		Queue:    queue,
		Jobs:     jobs,
		NewJob:   newJob,
		Inflight: inflight,
		validate: newValidator(),
	}
}

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
