package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aceteam-ai/tally/assets"
	"github.com/aceteam-ai/tally/internal/config"
	"github.com/aceteam-ai/tally/internal/inference"
	"github.com/aceteam-ai/tally/internal/schema"
)

const categorizeSystemPrompt = "You are a categorization assistant."

// OCRProcessor reads a receipt image, categorizes every line item and merges
// the two results.
type OCRProcessor struct {
	client inference.Client
	models Models
	logger zerolog.Logger

	ocrSchema      []byte
	ocrPrompt      string
	categoryTmpl   []byte
	categoryPrompt string
}

// NewOCRProcessor loads the extraction and categorization assets once.
func NewOCRProcessor(deps Deps) (*OCRProcessor, error) {
	p := &OCRProcessor{
		client: deps.Client,
		models: deps.Models,
		logger: deps.Logger.With().Str("pipeline", config.PipelineOCR).Logger(),
	}
	var err error
	if p.ocrSchema, p.ocrPrompt, err = stageAssets(deps.Store, assets.StageOCR); err != nil {
		return nil, err
	}
	if p.categoryTmpl, p.categoryPrompt, err = stageAssets(deps.Store, assets.StageCategorize); err != nil {
		return nil, err
	}
	// Fail at startup rather than on the first task if the template is unusable.
	if _, err := schema.BuildCategorySchema(p.categoryTmpl, nil); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *OCRProcessor) Name() string { return config.PipelineOCR }

// Process runs validate, extract, categorize and merge.
func (p *OCRProcessor) Process(ctx context.Context, body []byte) Outcome {
	var usage Usage

	task, err := DecodeOCRTask(body)
	if err != nil {
		return failed(task.TaskID, err, usage)
	}
	log := p.logger.With().Str("task_id", task.TaskID).Logger()
	log.Info().Strs("categories", task.Categories).Msg("using categories")

	usage.Model = p.models.OCR
	resp, err := p.client.Infer(ctx, inference.Request{
		Model:  p.models.OCR,
		User:   p.ocrPrompt,
		Images: [][]byte{task.Image},
		Schema: p.ocrSchema,
	})
	usage.add(resp)
	if err != nil {
		return failed(task.TaskID, fmt.Errorf("extract: %w", err), usage)
	}
	var extraction ItemList
	if err := json.Unmarshal(resp.Content, &extraction); err != nil {
		return failed(task.TaskID, fmt.Errorf("extract: %w: %v", inference.ErrMalformedResponse, err), usage)
	}
	log.Debug().RawJSON("extraction", resp.Content).Int("items", len(extraction.Items)).Msg("extraction complete")

	categorySchema, err := schema.BuildCategorySchema(p.categoryTmpl, task.Categories)
	if err != nil {
		return failed(task.TaskID, err, usage)
	}
	resp, err = p.client.Infer(ctx, inference.Request{
		Model:  p.models.Categorize,
		System: categorizeSystemPrompt,
		User:   categorizePrompt(p.categoryPrompt, task.Categories, resp.Content),
		Schema: categorySchema,
	})
	usage.add(resp)
	if err != nil {
		return failed(task.TaskID, fmt.Errorf("categorize: %w", err), usage)
	}
	var categorization ItemList
	if err := json.Unmarshal(resp.Content, &categorization); err != nil {
		return failed(task.TaskID, fmt.Errorf("categorize: %w: %v", inference.ErrMalformedResponse, err), usage)
	}
	log.Debug().RawJSON("categorization", resp.Content).Msg("categorization complete")

	merged, err := Merge(extraction, categorization)
	if err != nil {
		return failed(task.TaskID, err, usage)
	}

	out, err := json.Marshal(OCRResult{TaskID: task.TaskID, Status: StatusSuccess, Data: &merged})
	if err != nil {
		return failed(task.TaskID, fmt.Errorf("encode result: %w", err), usage)
	}
	return Outcome{TaskID: task.TaskID, Result: out, Items: len(merged.Items), Usage: usage}
}

// categorizePrompt appends the allowed categories and the extracted items to
// the categorization prompt.
func categorizePrompt(prompt string, categories []string, extraction json.RawMessage) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nAvailable categories: ")
	quoted, _ := json.Marshal(categories)
	b.Write(quoted)
	b.WriteString("\n\nItems:\n")
	b.WriteString(indentJSON(extraction))
	return b.String()
}
