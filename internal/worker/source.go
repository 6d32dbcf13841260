package worker

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by Next when the broker connection is gone.
// The Runner stops instead of retrying.
var ErrSourceClosed = errors.New("job source closed")

// JobSource defines the interface for fetching jobs from a queue/stream.
type JobSource interface {
	// Name returns the source identifier (e.g., "amqp", "redis")
	Name() string

	// Connect establishes connection to the job source.
	// This should be called before Next().
	Connect(ctx context.Context) error

	// Next blocks until a job is available or context is cancelled.
	// Returns nil job (no error) if no job is available within timeout.
	// The job is "claimed" by this worker and should be Ack'd or Nack'd.
	Next(ctx context.Context) (*Job, error)

	// Publish durably delivers a job's result to the results queue.
	Publish(ctx context.Context, job *Job, result []byte) error

	// Ack acknowledges successful job completion.
	// The job will be removed from the queue.
	Ack(ctx context.Context, job *Job) error

	// Nack indicates job failure. With requeue the job is delivered again;
	// without it the job is dead-lettered if the source has a DLQ and dropped
	// otherwise.
	Nack(ctx context.Context, job *Job, requeue bool, reason error) error

	// Close cleanly disconnects from the job source.
	Close() error
}

// SourceConfig is the configuration shared by every job source.
type SourceConfig struct {
	// Pipeline is the job type every delivery is tagged with
	Pipeline string

	// Queue is the queue/stream to consume from
	Queue string

	// ResultQueue is where results are published
	ResultQueue string

	// DeadLetterQueue receives rejected jobs (optional)
	DeadLetterQueue string

	// WorkerID names this consumer
	WorkerID string

	// LogFn is an optional callback for logging (if nil, prints to stdout)
	LogFn func(level, msg string)
}

func (c SourceConfig) log(level, msg string) {
	if c.LogFn != nil {
		c.LogFn(level, msg)
	}
}
