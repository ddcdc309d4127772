package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"legion/internal/logging"
)

// HTTPTransport implements Transport over HTTP POST JSON-RPC.
type HTTPTransport struct {
	mu sync.RWMutex

	baseURL   string
	client    *http.Client
	connected bool
	caps      Capabilities
	nextID    atomic.Int64
}

// NewHTTPTransport creates a new HTTP transport for MCP communication.
// A zero timeout leaves request deadlines entirely to the caller's context.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Connect performs the initialize handshake.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	resp, err := t.call(ctx, "initialize", initializeParams())
	if err != nil {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		return fmt.Errorf("failed to connect to MCP server at %s: %w", t.baseURL, err)
	}

	var result struct {
		Capabilities Capabilities `json:"capabilities"`
	}
	_ = json.Unmarshal(resp.Result, &result)

	t.mu.Lock()
	t.caps = result.Capabilities
	t.connected = true
	t.mu.Unlock()

	logging.Tools("MCP HTTP transport connected to %s", t.baseURL)
	return nil
}

// Disconnect marks the transport closed. HTTP is stateless.
func (t *HTTPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	t.caps = Capabilities{}
	t.client.CloseIdleConnections()
	logging.Tools("MCP HTTP transport disconnected from %s", t.baseURL)
	return nil
}

// ListTools retrieves available tools from the server.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if !t.IsConnected() {
		return nil, fmt.Errorf("not connected to MCP server")
	}

	resp, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools response: %w", err)
	}

	logging.ToolsDebug("MCP server %s returned %d tools", t.baseURL, len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool on the MCP server.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	if !t.IsConnected() {
		return nil, fmt.Errorf("not connected to MCP server")
	}

	start := time.Now()
	resp, err := t.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	res := decodeCallResult(resp.Result)
	res.LatencyMs = time.Since(start).Milliseconds()
	return res, nil
}

// Capabilities returns what the server advertised during initialize.
func (t *HTTPTransport) Capabilities() Capabilities {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.caps
}

// IsConnected returns current connection status.
func (t *HTTPTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// call makes a JSON-RPC call to the MCP server.
func (t *HTTPTransport) call(ctx context.Context, method string, params interface{}) (*jsonrpcResponse, error) {
	req := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("server returned status %d: %s", httpResp.StatusCode, string(bodyBytes))
	}

	var resp jsonrpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != nil {
		return &resp, resp.Error
	}
	return &resp, nil
}

var _ Transport = (*HTTPTransport)(nil)
