package types

import (
	"context"
	"encoding/json"
)

// CompletionRequest is one model call.
type CompletionRequest struct {
	Prompt      string
	Model       string
	APIKey      string
	Temperature float32
	// JSON asks the provider for a JSON response body when it supports it.
	JSON bool
}

// Completion is a non-streamed model response.
type Completion struct {
	Text       string
	TokensUsed int
}

// StreamChunk is one piece of a streamed response. A chunk with Err set is
// the last one sent; TokensUsed is reported on the final chunk when known.
// The channel being closed is the only completion signal.
type StreamChunk struct {
	Text       string
	TokensUsed int
	Err        error
}

// ModelClient is the provider boundary. Failures are *ModelCallError.
type ModelClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// ToolInfo describes a tool a minion may call.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	ServerID    string          `json:"serverId"`
}

// ToolResult is the output of a successful tool call.
type ToolResult struct {
	Text       string
	Structured json.RawMessage
}

// ToolBridge enumerates and executes external tools. CallTool fails with an
// error wrapping ErrToolNotFound or ErrServerUnreachable when applicable.
type ToolBridge interface {
	ListTools(ctx context.Context, minion *Minion) ([]ToolInfo, error)
	CallTool(ctx context.Context, call ToolCall) (*ToolResult, error)
}

// KVStore is the opaque persistence boundary. Get returns ErrNotFound for
// missing keys. Reads observe prior writes; there are no cross-key transactions.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
