package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults for the invoking layer.
const (
	DefaultJobTimeout  = 3600 * time.Second
	DefaultMaxAttempts = 2
)

var (
	// ErrQueueFull is returned by SubmitJob when the job queue has no free slot.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by SubmitJob after Stop has been called.
	ErrStopped = errors.New("dispatcher is stopped")
)

// Job represents a unit of work to be executed.
type Job interface {
	Execute(ctx context.Context) error // The method that performs the actual work
	ID() string                        // A unique identifier for the job
}

// Options configures a Dispatcher.
type Options struct {
	MaxWorkers int
	QueueSize  int
	// JobTimeout bounds every attempt of a job.
	JobTimeout time.Duration
	// MaxAttempts counts the first run; 2 means one retry.
	MaxAttempts int
	RetryDelay  time.Duration
	// ShouldRetry decides whether a failed attempt is re-run. Nil retries every error.
	ShouldRetry func(error) bool
	// OnDone is called once per job after its last attempt.
	OnDone func(job Job, attempts int, err error)
	Logger logrus.FieldLogger
}

type attemptKey struct{}

// AttemptFromContext returns the 1-based attempt number of the running job, or 0.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// Worker is responsible for processing jobs.
// It runs in its own goroutine and registers its job channel with the dispatcher's pool.
type Worker struct {
	ID         int
	WorkerPool chan chan Job // A pool of channels, used to register this worker's job channel
	JobChannel chan Job      // A channel specific to this worker, to receive jobs
	quit       chan struct{}
	dispatcher *Dispatcher
}

// NewWorker creates a new Worker.
func NewWorker(id int, d *Dispatcher) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: d.WorkerPool,
		JobChannel: make(chan Job),
		quit:       make(chan struct{}),
		dispatcher: d,
	}
}

// Start makes the Worker listen for jobs on its JobChannel.
func (w *Worker) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			// Register the current worker's JobChannel to the worker pool.
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-w.quit:
				return
			}

			select {
			case job := <-w.JobChannel:
				w.process(job)
			case <-w.quit:
				return
			}
		}
	}()
}

func (w *Worker) process(job Job) {
	d := w.dispatcher
	logger := d.logger.WithFields(logrus.Fields{"worker": w.ID, "job_id": job.ID()})
	logger.Info("Started job")

	var (
		err      error
		attempts int
	)
	for attempts = 1; attempts <= d.opts.MaxAttempts; attempts++ {
		err = w.attempt(job, attempts)
		if err == nil {
			break
		}
		if attempts == d.opts.MaxAttempts || d.baseCtx.Err() != nil {
			break
		}
		if d.opts.ShouldRetry != nil && !d.opts.ShouldRetry(err) {
			break
		}
		logger.WithError(err).WithField("attempt", attempts).Warn("Job attempt failed, retrying")
		if d.opts.RetryDelay > 0 {
			select {
			case <-time.After(d.opts.RetryDelay):
			case <-d.baseCtx.Done():
			}
		}
	}
	if attempts > d.opts.MaxAttempts {
		attempts = d.opts.MaxAttempts
	}

	if err != nil {
		logger.WithError(err).WithField("attempts", attempts).Error("Error processing job")
	} else {
		logger.WithField("attempts", attempts).Info("Finished job")
	}
	if d.opts.OnDone != nil {
		d.opts.OnDone(job, attempts, err)
	}
}

func (w *Worker) attempt(job Job, n int) (err error) {
	d := w.dispatcher
	ctx, cancel := context.WithTimeout(context.WithValue(d.baseCtx, attemptKey{}, n), d.opts.JobTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID(), p)
		}
	}()
	return job.Execute(ctx)
}

// Dispatcher manages a pool of workers and dispatches jobs to them.
type Dispatcher struct {
	WorkerPool chan chan Job // A pool of worker job channels
	JobQueue   chan Job      // A buffered channel for incoming jobs

	opts    Options
	logger  logrus.FieldLogger
	workers []*Worker
	wg      sync.WaitGroup // To wait for all workers to finish
	done    chan struct{}  // Closed when the dispatch loop has handed out every queued job

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.RWMutex
	stopped  bool
	runOnce  sync.Once
	stopOnce sync.Once
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		WorkerPool: make(chan chan Job, opts.MaxWorkers),
		JobQueue:   make(chan Job, opts.QueueSize),
		opts:       opts,
		logger:     opts.Logger,
		workers:    make([]*Worker, 0, opts.MaxWorkers),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Run starts the dispatcher and its workers.
func (d *Dispatcher) Run() {
	d.runOnce.Do(func() {
		d.logger.WithField("workers", d.opts.MaxWorkers).Info("Dispatcher starting")
		for i := 1; i <= d.opts.MaxWorkers; i++ {
			worker := NewWorker(i, d)
			d.workers = append(d.workers, worker)
			worker.Start(&d.wg)
		}
		go d.dispatch()
	})
}

// dispatch hands queued jobs to available workers until the queue is closed and drained.
func (d *Dispatcher) dispatch() {
	defer close(d.done)
	for job := range d.JobQueue {
		// Wait for a worker to become available.
		jobChannel := <-d.WorkerPool
		jobChannel <- job
	}
	for _, worker := range d.workers {
		close(worker.quit)
	}
}

// SubmitJob adds a job to the job queue without blocking.
func (d *Dispatcher) SubmitJob(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.JobQueue <- job:
		d.logger.WithField("job_id", job.ID()).Debug("Job submitted to queue")
		return nil
	default:
		d.logger.WithField("job_id", job.ID()).Warn("Job queue full")
		return ErrQueueFull
	}
}

// QueueDepth returns the number of jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.JobQueue)
}

// Stop stops accepting jobs and waits until every queued and running job has finished.
func (d *Dispatcher) Stop() {
	_ = d.Shutdown(context.Background())
}

// Shutdown is Stop bounded by ctx. When ctx expires the running jobs are cancelled and
// Shutdown waits for the workers to return before reporting ctx's error.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.logger.Info("Dispatcher: initiating shutdown")
		d.mu.Lock()
		d.stopped = true
		close(d.JobQueue)
		d.mu.Unlock()
	})
	d.Run()

	finished := make(chan struct{})
	go func() {
		<-d.done
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.cancel()
		d.logger.Info("Dispatcher: shutdown complete")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-finished
		return ctx.Err()
	}
}
