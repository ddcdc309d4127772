// Package perception is the model-call boundary. It turns a prompt, a model
// id and an API key into text, either whole or as a stream of chunks, and
// classifies provider failures into typed errors.
package perception

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"legion/internal/logging"
	"legion/internal/types"

	"google.golang.org/genai"
)

// =============================================================================
// GOOGLE GENAI (GEMINI) MODEL CLIENT
// =============================================================================

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	// Timeout bounds a single call. Zero leaves deadlines to the caller.
	Timeout time.Duration
	// BaseURL overrides the API endpoint.
	BaseURL string
	// ChunkBuffer is the capacity of stream channels.
	ChunkBuffer int
	// HTTPClient is used for every request when set.
	HTTPClient *http.Client
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		Timeout:     2 * time.Minute,
		ChunkBuffer: 64,
	}
}

// GeminiClient implements types.ModelClient over the google genai SDK. One
// SDK client is kept per API key since keys are chosen per call.
type GeminiClient struct {
	cfg GeminiConfig

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = DefaultGeminiConfig().ChunkBuffer
	}
	return &GeminiClient{
		cfg:     cfg,
		clients: make(map[string]*genai.Client),
	}
}

func (c *GeminiClient) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, &types.ModelCallError{Kind: types.ModelCallAuth, Err: errors.New("empty API key")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[apiKey]; ok {
		return cl, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.cfg.HTTPClient,
	}
	if c.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.cfg.BaseURL}
	}
	cl, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	c.clients[apiKey] = cl
	return cl, nil
}

func generationConfig(req types.CompletionRequest) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}
	return gc
}

func (c *GeminiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Complete performs a single non-streaming call.
func (c *GeminiClient) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "Gemini.Complete "+req.Model)
	defer timer.Stop()

	cl, err := c.clientFor(ctx, req.APIKey)
	if err != nil {
		return nil, classify(ctx, req.Model, err)
	}

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := cl.Models.GenerateContent(callCtx, req.Model, genai.Text(req.Prompt), generationConfig(req))
	if err != nil {
		return nil, classify(ctx, req.Model, err)
	}

	out := &types.Completion{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	logging.APIDebug("Gemini %s returned %d chars, %d tokens", req.Model, len(out.Text), out.TokensUsed)
	return out, nil
}

// Stream starts a streaming call. Chunks arrive in order on the returned
// channel, which is closed when the stream ends. A failure is delivered as a
// final chunk with Err set. The last TokensUsed seen is the call's total.
func (c *GeminiClient) Stream(ctx context.Context, req types.CompletionRequest) (<-chan types.StreamChunk, error) {
	cl, err := c.clientFor(ctx, req.APIKey)
	if err != nil {
		return nil, classify(ctx, req.Model, err)
	}

	out := make(chan types.StreamChunk, c.cfg.ChunkBuffer)
	go func() {
		defer close(out)

		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()

		start := time.Now()
		var chars, tokens int
		send := func(chunk types.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for resp, err := range cl.Models.GenerateContentStream(callCtx, req.Model, genai.Text(req.Prompt), generationConfig(req)) {
			if err != nil {
				send(types.StreamChunk{Err: classify(ctx, req.Model, err)})
				return
			}
			if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
				tokens = int(resp.UsageMetadata.TotalTokenCount)
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			chars += len(text)
			if !send(types.StreamChunk{Text: text, TokensUsed: tokens}) {
				return
			}
		}
		// Usage metadata commonly arrives with the final, text-less response.
		send(types.StreamChunk{TokensUsed: tokens})
		logging.APIDebug("Gemini %s streamed %d chars, %d tokens in %v", req.Model, chars, tokens, time.Since(start))
	}()
	return out, nil
}

// classify maps SDK and transport failures to *types.ModelCallError.
// Cancellation by the caller is returned as the context's error.
func classify(ctx context.Context, model string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var mce *types.ModelCallError
	if errors.As(err, &mce) {
		if mce.Model == "" {
			mce.Model = model
		}
		return mce
	}

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	kind := types.ModelCallTransport
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = types.ModelCallAuth
	case code == http.StatusTooManyRequests:
		kind = types.ModelCallRateLimit
	case code == http.StatusBadRequest && strings.Contains(strings.ToLower(err.Error()), "api key"):
		kind = types.ModelCallAuth
	}

	logging.Get(logging.CategoryAPI).Warn("Gemini call to %s failed (%s, status %d): %v", model, kind, code, err)
	return &types.ModelCallError{Kind: kind, Model: model, StatusCode: code, Err: err}
}

var _ types.ModelClient = (*GeminiClient)(nil)
