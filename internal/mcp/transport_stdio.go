package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"legion/internal/logging"
)

// StdioTransport implements Transport over a subprocess speaking
// newline-delimited JSON-RPC on stdin/stdout.
type StdioTransport struct {
	mu sync.Mutex

	command string
	args    []string
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	connected bool
	pending   map[int64]chan *jsonrpcResponse
	nextID    int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewStdioTransport creates a new stdio transport. endpoint is a command line.
func NewStdioTransport(endpoint string) *StdioTransport {
	parts := strings.Fields(endpoint)
	t := &StdioTransport{pending: make(map[int64]chan *jsonrpcResponse)}
	if len(parts) > 0 {
		t.command = parts[0]
		t.args = parts[1:]
	}
	return t
}

// Connect starts the subprocess, the reader loops and the initialize handshake.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.command == "" {
		t.mu.Unlock()
		return fmt.Errorf("empty command for stdio transport")
	}

	cmd := exec.Command(t.command, t.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to start command %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.done = make(chan struct{})
	t.connected = true

	t.wg.Add(2)
	go t.readStderr(stderr)
	go t.readStdout(stdout)
	t.mu.Unlock()

	// The lock must be released here: the stdout reader needs it to deliver
	// the initialize response.
	if _, err := t.call(ctx, "initialize", initializeParams()); err != nil {
		_ = t.Disconnect()
		return fmt.Errorf("initialize failed: %w", err)
	}
	_ = t.notify("notifications/initialized")

	logging.Tools("MCP stdio transport started %s", t.command)
	return nil
}

// Disconnect kills the process and cleans up.
func (t *StdioTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	close(t.done)
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	cmd := t.cmd
	t.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		t.wg.Wait()
		if cmd != nil {
			_ = cmd.Wait()
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		logging.ToolsWarn("Timeout waiting for stdio transport %s to exit", t.command)
	}

	logging.Tools("MCP stdio transport %s disconnected", t.command)
	return nil
}

func (t *StdioTransport) readStderr(r io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.ToolsDebug("[%s stderr] %s", t.command, scanner.Text())
	}
}

func (t *StdioTransport) readStdout(r io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp jsonrpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.ToolsWarn("Failed to parse JSON from %s stdout: %v", t.command, err)
			continue
		}
		if resp.ID == 0 {
			// Server notification
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()

		if ok {
			ch <- &resp
		} else {
			logging.ToolsDebug("Dropping response for unknown or abandoned id %d", resp.ID)
		}
	}
}

// call sends a request and waits for its response or ctx cancellation.
func (t *StdioTransport) call(ctx context.Context, method string, params interface{}) (*jsonrpcResponse, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("not connected to MCP server")
	}
	t.nextID++
	id := t.nextID
	ch := make(chan *jsonrpcResponse, 1)
	t.pending[id] = ch
	done := t.done

	data, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err == nil {
		_, err = t.stdin.Write(append(data, '\n'))
	}
	if err != nil {
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	t.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("transport closed while waiting for %s", method)
		}
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-done:
		return nil, fmt.Errorf("transport closed while waiting for %s", method)
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *StdioTransport) notify(method string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("not connected to MCP server")
	}
	data, err := json.Marshal(map[string]string{"jsonrpc": "2.0", "method": method})
	if err != nil {
		return err
	}
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// ListTools retrieves available tools from the server.
func (t *StdioTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
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
	return result.Tools, nil
}

// CallTool invokes a tool on the MCP server.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
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

// IsConnected returns current connection status.
func (t *StdioTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

var _ Transport = (*StdioTransport)(nil)
