// Package worker runs the tally consumption loop.
//
// It hides the differences between brokers (RabbitMQ, Redis Streams) behind
// JobSource and hands each task to the JobHandler registered for its
// pipeline.
//
// Architecture:
//
//	JobSource (amqp/redis) → Runner → JobHandler → JobSource.Publish
//
// The Runner processes one task at a time:
//  1. Connect to job source
//  2. Fetch next job (blocking)
//  3. Dispatch to the handler for its pipeline
//  4. On success publish the result, then Ack
//  5. On failure Nack, requeueing only transient failures under the attempt limit
//  6. Repeat
package worker

import "time"

// Job is one task delivery. The same task redelivered is a new Job.
type Job struct {
	// ID is the task_id carried by the message, if any.
	ID string

	// Type is the pipeline that handles this job.
	Type string

	// Body is the raw task message.
	Body []byte

	// Source identifies where this job came from (for logging/debugging)
	Source string

	// MessageID is the source-specific message identifier (for ack/nack)
	MessageID string

	// Metadata contains additional source-specific information
	Metadata JobMetadata
}

// JobMetadata contains optional job metadata.
type JobMetadata struct {
	// ReceivedAt is when the worker received the delivery
	ReceivedAt time.Time

	// Attempts is the delivery number of this attempt, starting at 1.
	// Zero means the source cannot tell.
	Attempts int
}

// JobResult contains the outcome of job processing.
type JobResult struct {
	// Status is the job outcome (success, failure, retry)
	Status JobStatus

	// Output is the encoded result message to publish on success
	Output []byte

	// Error contains error details if status is not success
	Error error

	// Duration is how long the job took to process
	Duration time.Duration

	// Items is the number of items the result carries
	Items int

	// Usage is the inference accounting for this attempt
	Usage JobUsage
}

// JobUsage is the inference accounting reported by a handler.
type JobUsage struct {
	Model            string
	Calls            int
	PromptTokens     int64
	CompletionTokens int64
	RequestBytes     int64
	ResponseBytes    int64
}

// JobStatus represents the outcome of job processing.
type JobStatus string

const (
	// JobStatusSuccess indicates the job completed successfully
	JobStatusSuccess JobStatus = "success"

	// JobStatusFailure indicates the job failed and would fail again
	JobStatusFailure JobStatus = "failure"

	// JobStatusRetry indicates the job failed but may succeed on redelivery
	JobStatusRetry JobStatus = "retry"
)
