package usage

import "time"

// Attempt statuses.
const (
	// StatusSuccess means the result was published and the task acked.
	StatusSuccess = "success"

	// StatusRequeued means the attempt failed and the task went back on the queue.
	StatusRequeued = "requeued"

	// StatusRejected means the task was dropped or dead-lettered.
	StatusRejected = "rejected"
)

// AttemptRecord captures one processing attempt of one task.
type AttemptRecord struct {
	// Database ID (set after insert)
	ID int64 `json:"-"`

	// Task identification
	TaskID    string `json:"task_id"`
	Pipeline  string `json:"pipeline"`
	Broker    string `json:"broker"`
	MessageID string `json:"message_id"`
	Model     string `json:"model"`

	// Outcome
	Status       string `json:"status"`
	ErrorMessage string `json:"error,omitempty"`
	Attempt      int    `json:"attempt"`
	Items        int    `json:"items"`

	// Timing
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`

	// Inference usage summed over every call of the attempt
	InferenceCalls   int   `json:"inference_calls"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	RequestBytes     int64 `json:"request_bytes"`
	ResponseBytes    int64 `json:"response_bytes"`

	// Worker identification
	WorkerID string `json:"worker_id"`
	NodeID   string `json:"node_id"`

	// Sync status
	Synced bool `json:"-"`
}
