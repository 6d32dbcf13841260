package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/aceteam-ai/tally/internal/usage"
)

// DefaultMaxAttempts is used when RunnerConfig.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// Runner orchestrates job processing from a source through handlers.
type Runner struct {
	source   JobSource
	handlers []JobHandler
	config   RunnerConfig

	activityFn  func(level, msg string)
	jobRecordFn func(record usage.AttemptRecord)

	// failures counts failed attempts per task when neither the source nor
	// the ledger can.
	mu       sync.Mutex
	failures map[string]int
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// WorkerID identifies this worker instance
	WorkerID string

	// NodeID identifies the host
	NodeID string

	// MaxAttempts is how many deliveries a task gets before it is rejected
	MaxAttempts int

	// ActivityFn is called for log messages (if nil, prints to stdout/stderr)
	ActivityFn func(level, msg string)

	// JobRecordFn is called after every attempt (for the usage ledger)
	JobRecordFn func(record usage.AttemptRecord)

	// PriorFailuresFn returns the recorded failed attempts of a job's task.
	// Consulted when the source does not report delivery counts.
	PriorFailuresFn func(job *Job) (int, error)

	// ServingFn is told when the runner starts and stops consuming
	ServingFn func(serving bool)

	// HandleSignals makes Run stop on SIGINT/SIGTERM
	HandleSignals bool
}

// NewRunner creates a new job runner.
func NewRunner(source JobSource, handlers []JobHandler, config RunnerConfig) *Runner {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	return &Runner{
		source:      source,
		handlers:    handlers,
		config:      config,
		activityFn:  config.ActivityFn,
		jobRecordFn: config.JobRecordFn,
		failures:    make(map[string]int),
	}
}

// log outputs a message - uses activity callback if set, otherwise prints to stdout/stderr
func (r *Runner) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if r.activityFn != nil {
		r.activityFn(level, msg)
	} else {
		if level == "error" || level == "warning" {
			fmt.Fprintf(os.Stderr, "%s\n", msg)
		} else {
			fmt.Printf("%s\n", msg)
		}
	}
}

// recordJob records an attempt for usage tracking
func (r *Runner) recordJob(record usage.AttemptRecord) {
	if r.jobRecordFn != nil {
		r.jobRecordFn(record)
	}
}

func (r *Runner) setServing(serving bool) {
	if r.config.ServingFn != nil {
		r.config.ServingFn(serving)
	}
}

// RegisterHandler adds a handler to the runner.
func (r *Runner) RegisterHandler(handler JobHandler) {
	r.handlers = append(r.handlers, handler)
}

// Run starts the job processing loop. It returns nil when ctx is cancelled
// or a signal is received, and an error when the source cannot be connected
// or its connection is lost.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	if r.config.HandleSignals {
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
	}

	r.log("info", "Starting worker (%s)", r.source.Name())
	if err := r.source.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", r.source.Name(), err)
	}
	defer r.source.Close()

	r.log("info", "Worker %s started with %d handler(s), max %d attempts per task",
		r.config.WorkerID, len(r.handlers), r.config.MaxAttempts)
	r.setServing(true)
	defer r.setServing(false)

	// Main processing loop with exponential backoff on errors
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case sig := <-sigs:
			r.log("info", "Received signal %v, shutting down...", sig)
			return nil
		case <-ctx.Done():
			r.log("info", "Worker shutdown complete")
			return nil
		default:
		}

		job, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, ErrSourceClosed) {
				r.log("error", "Lost connection to %s: %v", r.source.Name(), err)
				return err
			}
			r.log("warning", "Error fetching job: %v (retry in %s)", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		if job == nil {
			continue
		}

		r.processJob(ctx, job)
	}
}

// processJob dispatches a job to its handler and settles the delivery.
func (r *Runner) processJob(ctx context.Context, job *Job) {
	startTime := time.Now()
	r.log("info", "Received job %s (pipeline: %s, message: %s)", job.ID, job.Type, job.MessageID)

	var handler JobHandler
	for _, h := range r.handlers {
		if h.CanHandle(job.Type) {
			handler = h
			break
		}
	}

	if handler == nil {
		err := fmt.Errorf("no handler for pipeline: %s", job.Type)
		r.log("error", "No handler: %v", err)
		r.reject(ctx, job, startTime, &JobResult{Status: JobStatusFailure, Error: err})
		return
	}

	result := r.execute(ctx, handler, job)

	if result.Status == JobStatusSuccess {
		if err := r.source.Publish(ctx, job, result.Output); err != nil {
			// Never ack a task whose result is not on the results queue.
			r.log("error", "Job %s: publish failed, requeueing: %v", job.ID, err)
			result.Error = fmt.Errorf("publish result: %w", err)
			r.requeue(ctx, job, startTime, result)
			return
		}
		if err := r.source.Ack(ctx, job); err != nil {
			r.log("warning", "Job %s: ack failed after publish, result may be delivered twice: %v", job.ID, err)
		}
		r.forget(job)
		r.log("success", "Job %s completed (%v, %d items)", job.ID, time.Since(startTime).Round(time.Millisecond), result.Items)
		r.recordJob(buildAttemptRecord(job, r.config, usage.StatusSuccess, startTime, time.Now(), result))
		return
	}

	if result.Status == JobStatusFailure {
		r.log("error", "Job %s failed permanently: %v", job.ID, result.Error)
		r.reject(ctx, job, startTime, result)
		return
	}

	attempt := r.attempt(job)
	if attempt >= r.config.MaxAttempts {
		r.log("error", "Job %s failed on attempt %d of %d, giving up: %v", job.ID, attempt, r.config.MaxAttempts, result.Error)
		r.reject(ctx, job, startTime, result)
		return
	}
	r.log("warning", "Job %s failed on attempt %d of %d, requeueing: %v", job.ID, attempt, r.config.MaxAttempts, result.Error)
	r.requeue(ctx, job, startTime, result)
}

// execute runs the handler and turns panics and handler errors into a
// retryable failure.
func (r *Runner) execute(ctx context.Context, handler JobHandler, job *Job) (result *JobResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log("error", "Job %s: handler panic: %v\n%s", job.ID, p, debug.Stack())
			result = &JobResult{Status: JobStatusRetry, Error: fmt.Errorf("handler panic: %v", p)}
		}
	}()

	result, err := handler.Execute(ctx, job)
	if err != nil {
		return &JobResult{Status: JobStatusRetry, Error: err}
	}
	if result == nil {
		return &JobResult{Status: JobStatusRetry, Error: errors.New("handler returned no result")}
	}
	if result.Status == JobStatusSuccess && len(result.Output) == 0 {
		result.Status = JobStatusRetry
		result.Error = errors.New("handler returned an empty result")
	}
	return result
}

func (r *Runner) requeue(ctx context.Context, job *Job, startTime time.Time, result *JobResult) {
	if err := r.source.Nack(ctx, job, true, result.Error); err != nil {
		r.log("warning", "Job %s: nack failed: %v", job.ID, err)
	}
	r.remember(job)
	r.recordJob(buildAttemptRecord(job, r.config, usage.StatusRequeued, startTime, time.Now(), result))
}

func (r *Runner) reject(ctx context.Context, job *Job, startTime time.Time, result *JobResult) {
	if err := r.source.Nack(ctx, job, false, result.Error); err != nil {
		r.log("warning", "Job %s: reject failed: %v", job.ID, err)
	}
	r.forget(job)
	r.recordJob(buildAttemptRecord(job, r.config, usage.StatusRejected, startTime, time.Now(), result))
}

// attempt returns the delivery number of job, preferring the source's count,
// then the ledger, then this process's own memory.
func (r *Runner) attempt(job *Job) int {
	if job.Metadata.Attempts > 0 {
		return job.Metadata.Attempts
	}
	if r.config.PriorFailuresFn != nil && job.ID != "" {
		n, err := r.config.PriorFailuresFn(job)
		if err == nil {
			return n + 1
		}
		r.log("warning", "Job %s: attempt lookup failed: %v", job.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[failureKey(job)] + 1
}

func failureKey(job *Job) string {
	if job.ID != "" {
		return job.Type + "/" + job.ID
	}
	return job.Type + "/msg/" + job.MessageID
}

func (r *Runner) remember(job *Job) {
	r.mu.Lock()
	r.failures[failureKey(job)]++
	r.mu.Unlock()
}

func (r *Runner) forget(job *Job) {
	r.mu.Lock()
	delete(r.failures, failureKey(job))
	r.mu.Unlock()
}

// buildAttemptRecord constructs an AttemptRecord from job execution context.
func buildAttemptRecord(job *Job, cfg RunnerConfig, status string, started, completed time.Time, result *JobResult) usage.AttemptRecord {
	rec := usage.AttemptRecord{
		TaskID:      job.ID,
		Pipeline:    job.Type,
		Broker:      job.Source,
		MessageID:   job.MessageID,
		Status:      status,
		Attempt:     job.Metadata.Attempts,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
		WorkerID:    cfg.WorkerID,
		NodeID:      cfg.NodeID,
	}

	if result != nil {
		rec.Items = result.Items
		rec.Model = result.Usage.Model
		rec.InferenceCalls = result.Usage.Calls
		rec.PromptTokens = result.Usage.PromptTokens
		rec.CompletionTokens = result.Usage.CompletionTokens
		rec.RequestBytes = result.Usage.RequestBytes
		rec.ResponseBytes = result.Usage.ResponseBytes

		if result.Error != nil {
			msg := result.Error.Error()
			if len(msg) > 1024 {
				msg = msg[:1024]
			}
			rec.ErrorMessage = msg
		}
	}

	return rec
}
