// Package pipeline turns one task message into one result message.
//
// Each Processor validates its task, drives the inference client and builds
// the result. It keeps no state between tasks and never retries; retries are
// decided by the queue worker from the Outcome's classification.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aceteam-ai/tally/internal/config"
	"github.com/aceteam-ai/tally/internal/inference"
	"github.com/aceteam-ai/tally/internal/schema"
)

// Processor handles the tasks of one pipeline.
type Processor interface {
	// Name is the pipeline name (ocr, advice, budget).
	Name() string

	// Process runs one task to completion.
	Process(ctx context.Context, body []byte) Outcome
}

// Usage accumulates inference accounting across the calls of one task.
type Usage struct {
	Model            string
	Calls            int
	PromptTokens     int64
	CompletionTokens int64
	RequestBytes     int64
	ResponseBytes    int64
}

func (u *Usage) add(resp *inference.Response) {
	if resp == nil {
		return
	}
	u.Calls++
	u.PromptTokens += resp.PromptTokens
	u.CompletionTokens += resp.CompletionTokens
	u.RequestBytes += resp.RequestBytes
	u.ResponseBytes += resp.ResponseBytes
}

// Outcome is the terminal state of one task: either a result to publish or
// the error that stopped it.
type Outcome struct {
	TaskID string

	// Result is the encoded result message. Set only on success.
	Result []byte

	// Err is set only on failure.
	Err error

	// Items is the number of items or advice entries produced.
	Items int

	Usage Usage
}

// OK reports whether the task succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Permanent reports whether the failure would repeat on every redelivery.
func (o Outcome) Permanent() bool { return IsPermanent(o.Err) }

func failed(taskID string, err error, usage Usage) Outcome {
	return Outcome{TaskID: taskID, Err: err, Usage: usage}
}

// Models names the model used by each inference stage.
type Models struct {
	OCR        string
	Categorize string
	Advice     string
	Budget     string
}

// Deps is what every processor needs.
type Deps struct {
	Client inference.Client
	Store  *schema.Store
	Models Models
	Logger zerolog.Logger

	// BudgetTimeout bounds the budget analysis call. Zero keeps the client default.
	BudgetTimeout time.Duration

	// Now is used for the analysis date. Defaults to time.Now.
	Now func() time.Time
}

// New returns the processor for a pipeline.
func New(name string, deps Deps) (Processor, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	switch name {
	case config.PipelineOCR:
		return NewOCRProcessor(deps)
	case config.PipelineAdvice:
		return NewAdviceProcessor(deps)
	case config.PipelineBudget:
		return NewBudgetProcessor(deps)
	default:
		return nil, fmt.Errorf("unknown pipeline: %s", name)
	}
}

// stageAssets loads the schema and prompt of a stage.
func stageAssets(store *schema.Store, stage string) ([]byte, string, error) {
	s, err := store.Schema(stage)
	if err != nil {
		return nil, "", err
	}
	p, err := store.Prompt(stage)
	if err != nil {
		return nil, "", err
	}
	return s, p, nil
}

// ModelsFromConfig maps the configured model names.
func ModelsFromConfig(m config.ModelsConfig) Models {
	return Models{OCR: m.OCR, Categorize: m.Categorize, Advice: m.Advice, Budget: m.Budget}
}

// indentJSON pretty-prints a document for inclusion in a prompt.
func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
