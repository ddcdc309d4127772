package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"legion/internal/mcp"
	"legion/internal/types"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

// memKV is an in-memory types.KVStore.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Close() error { return nil }

type ToolBridgeSuite struct {
	suite.Suite
	server  *httptest.Server
	cache   *memKV
	manager *mcp.Manager
	calls   atomic.Int32
	block   chan struct{}
}

func TestToolBridgeSuite(t *testing.T) {
	suite.Run(t, new(ToolBridgeSuite))
}

func (s *ToolBridgeSuite) SetupTest() {
	s.calls.Store(0)
	s.block = make(chan struct{})

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      int             `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp := struct {
			JSONRPC string      `json:"jsonrpc"`
			ID      int         `json:"id"`
			Result  interface{} `json:"result,omitempty"`
			Error   interface{} `json:"error,omitempty"`
		}{JSONRPC: "2.0", ID: req.ID}

		switch req.Method {
		case "initialize":
			resp.Result = map[string]interface{}{
				"capabilities": map[string]bool{"tools": true},
				"serverInfo":   map[string]string{"name": "mock-server", "version": "1.0.0"},
			}
		case "tools/list":
			resp.Result = map[string]interface{}{
				"tools": []map[string]interface{}{
					{"name": "list_files", "description": "Lists files in a directory",
						"inputSchema": map[string]interface{}{"type": "object"}},
					{"name": "calculator", "description": "Adds two numbers"},
					{"name": "explode", "description": "Always fails"},
					{"name": "slow", "description": "Never answers in time"},
				},
			}
		case "tools/call":
			s.calls.Add(1)
			var params struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			}
			if err := json.Unmarshal(req.Params, &params); err != nil {
				resp.Error = map[string]interface{}{"code": -32700, "message": "Parse error"}
				break
			}
			switch params.Name {
			case "list_files":
				resp.Result = map[string]interface{}{
					"content": []map[string]string{{"type": "text", "text": "Button.tsx\nHeader.tsx"}},
				}
			case "calculator":
				a, _ := params.Arguments["a"].(float64)
				b, _ := params.Arguments["b"].(float64)
				resp.Result = map[string]interface{}{
					"content":           []map[string]string{},
					"structuredContent": map[string]float64{"sum": a + b},
				}
			case "explode":
				resp.Result = map[string]interface{}{
					"content": []map[string]string{{"type": "text", "text": "disk on fire"}},
					"isError": true,
				}
			case "slow":
				select {
				case <-s.block:
				case <-r.Context().Done():
				}
				return
			default:
				resp.Error = map[string]interface{}{"code": -32602, "message": "Unknown tool"}
			}
		default:
			resp.Error = map[string]interface{}{"code": -32601, "message": "Method not found"}
		}

		_ = json.NewEncoder(w).Encode(resp)
	}))

	s.cache = newMemKV()
	s.manager = mcp.NewManager(map[string]mcp.ServerConfig{
		"files": {
			Enabled:     true,
			Protocol:    "http",
			BaseURL:     s.server.URL,
			AutoConnect: true,
		},
		"offline": {
			Enabled:  true,
			Protocol: "http",
			BaseURL:  "http://127.0.0.1:1",
		},
	}, s.cache)
}

func (s *ToolBridgeSuite) TearDownTest() {
	close(s.block)
	s.NoError(s.manager.Close())
	s.server.Close()
	goleak.VerifyNone(s.T())
}

func (s *ToolBridgeSuite) connect() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.T().Cleanup(cancel)
	s.Require().NoError(s.manager.ConnectAll(ctx))
	return ctx
}

func (s *ToolBridgeSuite) TestConnectAllDiscoversAndCaches() {
	ctx := s.connect()

	servers := s.manager.Servers()
	s.Require().Len(servers, 1)
	s.Equal("files", servers[0].ID)
	s.Equal(mcp.ServerStatusConnected, servers[0].Status)

	cached, err := s.manager.CachedTools(ctx, "files")
	s.Require().NoError(err)
	s.Len(cached, 4)
}

func (s *ToolBridgeSuite) TestListToolsFiltersByMinion() {
	ctx := s.connect()

	minion := &types.Minion{Name: "Alpha", Tools: []string{"list_files", "not_served"}}
	tools, err := s.manager.ListTools(ctx, minion)
	s.Require().NoError(err)
	s.Require().Len(tools, 1)
	s.Equal("list_files", tools[0].Name)
	s.Equal("files", tools[0].ServerID)
	s.JSONEq(`{"type":"object"}`, string(tools[0].InputSchema))

	all, err := s.manager.ListTools(ctx, nil)
	s.Require().NoError(err)
	s.Len(all, 4)
	s.Equal("calculator", all[0].Name)
}

func (s *ToolBridgeSuite) TestCallToolText() {
	ctx := s.connect()

	res, err := s.manager.CallTool(ctx, types.ToolCall{
		Name:      "list_files",
		Arguments: map[string]interface{}{"path": "components/"},
	})
	s.Require().NoError(err)
	s.Equal("Button.tsx\nHeader.tsx", res.Text)
}

func (s *ToolBridgeSuite) TestCallToolStructuredByQualifiedName() {
	ctx := s.connect()

	res, err := s.manager.CallTool(ctx, types.ToolCall{
		Name:      "files/calculator",
		Arguments: map[string]interface{}{"a": 5.0, "b": 3.0},
	})
	s.Require().NoError(err)
	s.JSONEq(`{"sum":8}`, string(res.Structured))
	s.JSONEq(`{"sum":8}`, res.Text)
}

func (s *ToolBridgeSuite) TestCallToolErrors() {
	ctx := s.connect()

	_, err := s.manager.CallTool(ctx, types.ToolCall{Name: "teleport"})
	s.True(errors.Is(err, types.ErrToolNotFound), "got %v", err)

	_, err = s.manager.CallTool(ctx, types.ToolCall{Name: "offline/anything"})
	s.True(errors.Is(err, types.ErrServerUnreachable), "got %v", err)

	_, err = s.manager.CallTool(ctx, types.ToolCall{Name: "explode"})
	s.Require().Error(err)
	s.Contains(err.Error(), "disk on fire")
}

func (s *ToolBridgeSuite) TestCallToolHonorsCallerCancellation() {
	ctx := s.connect()

	callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.manager.CallTool(callCtx, types.ToolCall{Name: "slow"})
	s.Require().Error(err)
	s.True(errors.Is(err, context.DeadlineExceeded), "got %v", err)
	s.EqualValues(1, s.calls.Load(), "the bridge must not retry a call")
}

func (s *ToolBridgeSuite) TestConnectUnreachable() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.manager.Connect(ctx, "offline")
	s.True(errors.Is(err, types.ErrServerUnreachable), "got %v", err)
	s.Error(s.manager.Connect(ctx, "nope"))
}

func TestStdioTransportRejectsEmptyCommand(t *testing.T) {
	tr := mcp.NewStdioTransport("   ")
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected error for empty command")
	}
	if tr.IsConnected() {
		t.Fatal("transport must not report connected")
	}
}
