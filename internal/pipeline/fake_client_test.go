package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aceteam-ai/tally/internal/inference"
	"github.com/aceteam-ai/tally/internal/schema"
)

// scriptedClient answers Infer calls in order from a fixed script.
type scriptedClient struct {
	mu       sync.Mutex
	replies  []reply
	requests []inference.Request
}

type reply struct {
	content string
	err     error
}

func (c *scriptedClient) Infer(ctx context.Context, req inference.Request) (*inference.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.replies) == 0 {
		return nil, inference.ErrBackendUnavailable
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &inference.Response{Content: json.RawMessage(r.content), Model: req.Model, PromptTokens: 10, CompletionTokens: 5}, nil
}

func testDeps(client inference.Client) Deps {
	return Deps{
		Client: client,
		Store:  schema.NewStore(""),
		Models: Models{OCR: "vision", Categorize: "text", Advice: "small", Budget: "large"},
		Logger: zerolog.Nop(),
	}
}

func newTestProcessor(t *testing.T, name string, client inference.Client) Processor {
	t.Helper()
	p, err := New(name, testDeps(client))
	require.NoError(t, err)
	return p
}

func writeOverride(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
