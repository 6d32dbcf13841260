package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aceteam-ai/tally/assets"
	"github.com/aceteam-ai/tally/internal/config"
	"github.com/aceteam-ai/tally/internal/inference"
)

const adviceSystemPrompt = "You are a personal finance assistant."

// AdviceProcessor turns a savings goal and monthly statistics into advice.
type AdviceProcessor struct {
	client inference.Client
	model  string
	logger zerolog.Logger
	schema []byte
	prompt string
}

func NewAdviceProcessor(deps Deps) (*AdviceProcessor, error) {
	s, prompt, err := stageAssets(deps.Store, assets.StageAdvice)
	if err != nil {
		return nil, err
	}
	return &AdviceProcessor{
		client: deps.Client,
		model:  deps.Models.Advice,
		logger: deps.Logger.With().Str("pipeline", config.PipelineAdvice).Logger(),
		schema: s,
		prompt: prompt,
	}, nil
}

func (p *AdviceProcessor) Name() string { return config.PipelineAdvice }

func (p *AdviceProcessor) Process(ctx context.Context, body []byte) Outcome {
	usage := Usage{Model: p.model}

	task, err := DecodeAdviceTask(body)
	if err != nil {
		return failed(task.TaskID, err, usage)
	}

	input, _ := json.Marshal(map[string]json.RawMessage{
		"goal":          task.Goal,
		"monthly_stats": task.MonthlyStats,
	})
	resp, err := p.client.Infer(ctx, inference.Request{
		Model:  p.model,
		System: adviceSystemPrompt,
		User:   p.prompt + "\n\nContext:\n" + indentJSON(input),
		Schema: p.schema,
	})
	usage.add(resp)
	if err != nil {
		return failed(task.TaskID, fmt.Errorf("advice: %w", err), usage)
	}

	var out struct {
		Advice json.RawMessage `json:"advice"`
	}
	if err := json.Unmarshal(resp.Content, &out); err != nil || len(out.Advice) == 0 || string(out.Advice) == "null" {
		return failed(task.TaskID, fmt.Errorf("advice: %w: response has no advice field", inference.ErrMalformedResponse), usage)
	}
	var entries []json.RawMessage
	_ = json.Unmarshal(out.Advice, &entries)

	p.logger.Info().Str("task_id", task.TaskID).Int("advice", len(entries)).Msg("advice generated")

	result, err := json.Marshal(AdviceResult{
		TaskID: task.TaskID,
		Status: StatusSuccess,
		Goal:   task.Goal,
		Advice: out.Advice,
	})
	if err != nil {
		return failed(task.TaskID, fmt.Errorf("encode result: %w", err), usage)
	}
	return Outcome{TaskID: task.TaskID, Result: result, Items: len(entries), Usage: usage}
}
