package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to an OpenAI-compatible chat completions API such as
// vLLM or a llama.cpp server. BaseURL must include the API prefix (".../v1").
type OpenAIClient struct {
	base
	client *openai.Client
}

// NewOpenAIClient creates a client for the API at opts.BaseURL.
func NewOpenAIClient(opts Options) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return &OpenAIClient{
		base:   newBase(opts),
		client: openai.NewClientWithConfig(cfg),
	}
}

// Infer sends one chat completion with a JSON-schema response format.
func (c *OpenAIClient) Infer(ctx context.Context, req Request) (*Response, error) {
	callCtx, cancel, err := c.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: buildOpenAIMessages(req),
	}
	if len(req.Schema) > 0 {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "result",
				Schema: req.Schema,
			},
		}
	}

	resp, err := c.client.CreateChatCompletion(callCtx, chatReq)
	if err != nil {
		c.logger.Error().Err(err).Str("model", req.Model).Msg("chat completion failed")
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, malformed("chat completion returned no choices")
	}

	content, err := structuredContent(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return &Response{
		Content:          content,
		Model:            resp.Model,
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &StatusError{Code: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &StatusError{Code: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return unavailable(err)
}

func buildOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	if len(req.Images) == 0 {
		return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})
	}

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.User}}
	for _, img := range req.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img),
			},
		})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
}
