// Package mcp provides the tool bridge: MCP (Model Context Protocol) client
// connections to tool servers over HTTP or stdio, tool discovery, per-minion
// tool filtering and tool invocation.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ServerStatus represents the connection status of an MCP server.
type ServerStatus string

const (
	ServerStatusUnknown      ServerStatus = "unknown"
	ServerStatusConnecting   ServerStatus = "connecting"
	ServerStatusConnected    ServerStatus = "connected"
	ServerStatusDisconnected ServerStatus = "disconnected"
	ServerStatusError        ServerStatus = "error"
)

// Protocol represents the MCP transport protocol.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolStdio Protocol = "stdio"
)

// ServerConfig represents configuration for one MCP server.
type ServerConfig struct {
	ID          string `yaml:"id" json:"id"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Protocol    string `yaml:"protocol" json:"protocol"`
	BaseURL     string `yaml:"base_url" json:"base_url"`
	Endpoint    string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"` // command line for stdio
	Timeout     string `yaml:"timeout" json:"timeout"`
	AutoConnect bool   `yaml:"auto_connect" json:"auto_connect"`
}

// ToolSchema represents the raw tool schema from an MCP server.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// CallResult is the decoded result of a tools/call request.
type CallResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`

	// Raw holds the undecoded result for servers that return custom shapes.
	Raw       json.RawMessage `json:"-"`
	LatencyMs int64           `json:"-"`
}

// ContentBlock is one item of a tools/call content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Capabilities represents server capabilities from the initialize handshake.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
	Prompts   bool `json:"prompts"`
}

// Transport defines the interface for MCP protocol transports.
type Transport interface {
	// Connect establishes connection to the MCP server.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// ListTools retrieves available tools from the server.
	ListTools(ctx context.Context) ([]ToolSchema, error)

	// CallTool invokes a tool on the MCP server. Transport and protocol
	// failures are returned as errors; a tool that ran and reported failure
	// comes back as a CallResult with IsError set.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error)

	// IsConnected returns current connection status.
	IsConnected() bool
}

// Server is the runtime record of a configured server.
type Server struct {
	ID            string       `json:"server_id"`
	Endpoint      string       `json:"endpoint"`
	Protocol      Protocol     `json:"protocol"`
	Status        ServerStatus `json:"status"`
	LastConnected time.Time    `json:"last_connected"`
}

// jsonrpcRequest is a JSON-RPC 2.0 request.
type jsonrpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// jsonrpcResponse is a JSON-RPC 2.0 response.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

const protocolVersion = "2024-11-05"

func initializeParams() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    "legion",
			"version": "1.0.0",
		},
	}
}

// decodeCallResult decodes a tools/call result, keeping the raw payload.
func decodeCallResult(raw json.RawMessage) *CallResult {
	res := &CallResult{Raw: raw}
	if err := json.Unmarshal(raw, res); err != nil {
		res.Content = nil
	}
	return res
}
