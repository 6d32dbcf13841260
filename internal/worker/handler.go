package worker

import (
	"context"
	"time"

	"github.com/aceteam-ai/tally/internal/pipeline"
)

// JobHandler processes jobs of a specific type.
// Handlers are registered with the Runner and dispatched based on CanHandle().
type JobHandler interface {
	// CanHandle returns true if this handler can process the given job type.
	CanHandle(jobType string) bool

	// Execute processes the job. Failures are reported in the JobResult;
	// the returned error is reserved for faults outside the task itself.
	Execute(ctx context.Context, job *Job) (*JobResult, error)
}

// PipelineHandler runs a pipeline.Processor as a JobHandler.
type PipelineHandler struct {
	processor pipeline.Processor
}

// NewPipelineHandler wraps a processor.
func NewPipelineHandler(p pipeline.Processor) *PipelineHandler {
	return &PipelineHandler{processor: p}
}

// CanHandle matches the processor's pipeline name.
func (h *PipelineHandler) CanHandle(jobType string) bool {
	return h.processor.Name() == jobType
}

// Execute processes the job body and classifies the outcome.
func (h *PipelineHandler) Execute(ctx context.Context, job *Job) (*JobResult, error) {
	start := time.Now()
	out := h.processor.Process(ctx, job.Body)

	if job.ID == "" {
		job.ID = out.TaskID
	}

	result := &JobResult{
		Duration: time.Since(start),
		Items:    out.Items,
		Usage: JobUsage{
			Model:            out.Usage.Model,
			Calls:            out.Usage.Calls,
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			RequestBytes:     out.Usage.RequestBytes,
			ResponseBytes:    out.Usage.ResponseBytes,
		},
	}
	switch {
	case out.OK():
		result.Status = JobStatusSuccess
		result.Output = out.Result
	case out.Permanent():
		result.Status = JobStatusFailure
		result.Error = out.Err
	default:
		result.Status = JobStatusRetry
		result.Error = out.Err
	}
	return result, nil
}

// Ensure PipelineHandler implements JobHandler
var _ JobHandler = (*PipelineHandler)(nil)
