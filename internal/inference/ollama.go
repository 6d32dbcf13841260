package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaURL is where a local Ollama listens.
const DefaultOllamaURL = "http://localhost:11434"

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool  `json:"done"`
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// OllamaClient talks to Ollama's /api/chat endpoint.
type OllamaClient struct {
	base
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a client for the Ollama at opts.BaseURL.
func NewOllamaClient(opts Options) *OllamaClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OllamaClient{
		base:       newBase(opts),
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// Infer sends one non-streaming chat request constrained by req.Schema.
func (c *OllamaClient) Infer(ctx context.Context, req Request) (*Response, error) {
	payload := ollamaChatRequest{
		Model:    req.Model,
		Messages: buildOllamaMessages(req),
		Stream:   false,
		Format:   req.Schema,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	callCtx, cancel, err := c.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error().Err(err).Str("model", req.Model).Msg("ollama request failed")
		return nil, unavailable(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(fmt.Errorf("read ollama response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		var ollamaErr ollamaErrorResponse
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &ollamaErr) == nil && ollamaErr.Error != "" {
			msg = ollamaErr.Error
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}

	var chat ollamaChatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, malformed("decode ollama envelope: %v", err)
	}
	if chat.Message == nil {
		return nil, malformed("ollama envelope has no message")
	}
	content, err := structuredContent(chat.Message.Content)
	if err != nil {
		c.logger.Warn().Str("model", req.Model).Str("raw_content", chat.Message.Content).Msg("ollama returned unstructured content")
		return nil, err
	}

	c.logger.Debug().
		Str("model", req.Model).
		Dur("elapsed", time.Since(start)).
		Int64("prompt_tokens", chat.PromptEvalCount).
		Int64("completion_tokens", chat.EvalCount).
		Msg("ollama call complete")

	return &Response{
		Content:          content,
		Model:            chat.Model,
		PromptTokens:     chat.PromptEvalCount,
		CompletionTokens: chat.EvalCount,
		RequestBytes:     int64(len(reqBody)),
		ResponseBytes:    int64(len(respBody)),
	}, nil
}

func buildOllamaMessages(req Request) []ollamaMessage {
	msgs := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.System})
	}
	user := ollamaMessage{Role: "user", Content: req.User}
	for _, img := range req.Images {
		user.Images = append(user.Images, base64.StdEncoding.EncodeToString(img))
	}
	return append(msgs, user)
}
