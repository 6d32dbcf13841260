// Package inference sends schema-constrained prompts, optionally with images,
// to a model backend and returns the structured JSON it produced.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Request is one schema-constrained inference call.
type Request struct {
	Model  string
	System string
	User   string

	// Images are raw image bytes; only the extraction stage sends one.
	Images [][]byte

	// Schema restricts the output shape. It is passed through as-is.
	Schema json.RawMessage

	// Timeout overrides the client default for this call when non-zero.
	Timeout time.Duration
}

// Response is the structured output of a successful call.
type Response struct {
	Content          json.RawMessage
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	RequestBytes     int64
	ResponseBytes    int64
}

// Client is implemented by every inference backend.
type Client interface {
	Infer(ctx context.Context, req Request) (*Response, error)
}

// Options configures a backend client.
type Options struct {
	BaseURL string
	APIKey  string

	// Timeout bounds a single call. Zero means no client-side bound.
	Timeout time.Duration

	// RateLimit is calls per second; zero disables limiting.
	RateLimit float64
	RateBurst int

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// New returns the client for the named backend ("ollama" or "openai").
func New(backend string, opts Options) (Client, error) {
	switch backend {
	case "ollama":
		return NewOllamaClient(opts), nil
	case "openai":
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unsupported inference backend: %s", backend)
	}
}

// base holds what every backend shares: timeouts and the rate limiter.
type base struct {
	timeout time.Duration
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func newBase(opts Options) base {
	b := base{timeout: opts.Timeout, logger: opts.Logger}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return b
}

// begin waits for the rate limiter and derives the per-call context.
func (b base) begin(ctx context.Context, req Request) (context.Context, context.CancelFunc, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, nil, unavailable(err)
		}
	}
	timeout := b.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		return callCtx, cancel, nil
	}
	callCtx, cancel := context.WithCancel(ctx)
	return callCtx, cancel, nil
}

// structuredContent checks that the model output is a JSON document.
func structuredContent(content string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(content))
	if len(trimmed) == 0 {
		return nil, malformed("empty content")
	}
	if !json.Valid(trimmed) {
		return nil, malformed("content is not valid JSON: %.200s", trimmed)
	}
	return json.RawMessage(trimmed), nil
}
