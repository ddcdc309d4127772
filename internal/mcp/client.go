package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"legion/internal/logging"
	"legion/internal/types"

	"go.uber.org/multierr"
)

// Manager manages connections to multiple MCP servers and implements
// types.ToolBridge over them.
type Manager struct {
	mu sync.RWMutex

	servers map[string]*serverConn
	config  map[string]ServerConfig
	// index maps a bare tool name to the server that exposes it.
	index map[string]string
	cache types.KVStore

	newTransport   func(cfg ServerConfig) (Transport, error)
	onServerStatus func(serverID string, status ServerStatus)
}

// serverConn holds the connection state for a single MCP server.
type serverConn struct {
	Server    *Server
	Transport Transport
	Tools     []ToolSchema
}

// NewManager creates a manager for the configured servers. cache may be nil;
// when set, discovered catalogs are stored under catalogKey(serverID).
func NewManager(config map[string]ServerConfig, cache types.KVStore) *Manager {
	cfg := make(map[string]ServerConfig, len(config))
	for id, c := range config {
		if c.ID == "" {
			c.ID = id
		}
		cfg[id] = c
	}
	return &Manager{
		servers:      make(map[string]*serverConn),
		config:       cfg,
		index:        make(map[string]string),
		cache:        cache,
		newTransport: defaultTransport,
	}
}

func defaultTransport(cfg ServerConfig) (Transport, error) {
	var timeout time.Duration
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q for server %s: %w", cfg.Timeout, cfg.ID, err)
		}
		timeout = d
	}

	switch Protocol(cfg.Protocol) {
	case ProtocolHTTP, "":
		return NewHTTPTransport(cfg.BaseURL, timeout), nil
	case ProtocolStdio:
		return NewStdioTransport(cfg.Endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", cfg.Protocol)
	}
}

func catalogKey(serverID string) string {
	return "mcp/catalog/" + serverID
}

// SetOnServerStatus sets the callback for server status changes.
func (m *Manager) SetOnServerStatus(fn func(serverID string, status ServerStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onServerStatus = fn
}

// ConnectAll connects to every enabled server with auto_connect set and
// discovers its tools. Failures are combined; healthy servers stay connected.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.config))
	for id, cfg := range m.config {
		if cfg.AutoConnect && cfg.Enabled {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var errs error
	for _, id := range ids {
		if err := m.Connect(ctx, id); err != nil {
			logging.ToolsWarn("Failed to connect to MCP server %s: %v", id, err)
			errs = multierr.Append(errs, err)
			continue
		}
		if err := m.DiscoverTools(ctx, id); err != nil {
			logging.ToolsWarn("Failed to discover tools from %s: %v", id, err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Connect establishes connection to a specific MCP server.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	m.mu.RLock()
	cfg, ok := m.config[serverID]
	conn, exists := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown MCP server: %s", serverID)
	}
	if exists && conn.Transport.IsConnected() {
		return nil
	}

	transport, err := m.newTransport(cfg)
	if err != nil {
		return err
	}

	m.updateServerStatus(serverID, ServerStatusConnecting)
	if err := transport.Connect(ctx); err != nil {
		m.updateServerStatus(serverID, ServerStatusError)
		return fmt.Errorf("%w: %s: %v", types.ErrServerUnreachable, serverID, err)
	}

	endpoint := cfg.BaseURL
	if Protocol(cfg.Protocol) == ProtocolStdio {
		endpoint = cfg.Endpoint
	}
	m.mu.Lock()
	m.servers[serverID] = &serverConn{
		Server: &Server{
			ID:            serverID,
			Endpoint:      endpoint,
			Protocol:      Protocol(cfg.Protocol),
			Status:        ServerStatusConnected,
			LastConnected: time.Now(),
		},
		Transport: transport,
	}
	m.mu.Unlock()

	m.updateServerStatus(serverID, ServerStatusConnected)
	logging.Tools("Connected to MCP server %s at %s", serverID, endpoint)
	return nil
}

// Disconnect closes connection to a specific MCP server.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	conn, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("server not connected: %s", serverID)
	}
	delete(m.servers, serverID)
	m.rebuildIndexLocked()
	m.mu.Unlock()

	if err := conn.Transport.Disconnect(); err != nil {
		return err
	}

	m.updateServerStatus(serverID, ServerStatusDisconnected)
	logging.Tools("Disconnected from MCP server %s", serverID)
	return nil
}

// Close disconnects every server.
func (m *Manager) Close() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, m.Disconnect(id))
	}
	return errs
}

// DiscoverTools lists tools from a connected server, indexes them by name
// and caches the catalog.
func (m *Manager) DiscoverTools(ctx context.Context, serverID string) error {
	m.mu.RLock()
	conn, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server not connected: %s", serverID)
	}

	schemas, err := conn.Transport.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	logging.Tools("Discovered %d tools from %s", len(schemas), serverID)

	m.mu.Lock()
	if c, ok := m.servers[serverID]; ok {
		c.Tools = schemas
	}
	m.rebuildIndexLocked()
	m.mu.Unlock()

	if m.cache != nil {
		data, err := json.Marshal(schemas)
		if err == nil {
			err = m.cache.Set(ctx, catalogKey(serverID), data)
		}
		if err != nil {
			logging.ToolsWarn("Failed to cache tool catalog for %s: %v", serverID, err)
		}
	}
	return nil
}

// rebuildIndexLocked recomputes the name index. When two servers expose the
// same name, the lexically first server wins; the other stays reachable as
// "server/name".
func (m *Manager) rebuildIndexLocked() {
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	m.index = make(map[string]string)
	for _, id := range ids {
		for _, t := range m.servers[id].Tools {
			if owner, dup := m.index[t.Name]; dup {
				logging.ToolsDebug("Tool %s on %s shadowed by %s", t.Name, id, owner)
				continue
			}
			m.index[t.Name] = id
		}
	}
}

// CachedTools returns the last catalog cached for a server, for servers that
// are currently offline.
func (m *Manager) CachedTools(ctx context.Context, serverID string) ([]ToolSchema, error) {
	if m.cache == nil {
		return nil, types.ErrNotFound
	}
	data, err := m.cache.Get(ctx, catalogKey(serverID))
	if err != nil {
		return nil, err
	}
	var schemas []ToolSchema
	if err := json.Unmarshal(data, &schemas); err != nil {
		return nil, fmt.Errorf("failed to decode cached catalog for %s: %w", serverID, err)
	}
	return schemas, nil
}

// ListTools returns the tools available to minion, sorted by name. A nil
// minion sees every tool.
func (m *Manager) ListTools(ctx context.Context, minion *types.Minion) ([]types.ToolInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tools := make([]types.ToolInfo, 0)
	for name, serverID := range m.index {
		if minion != nil && !minion.HasTool(name) {
			continue
		}
		conn := m.servers[serverID]
		if !conn.Transport.IsConnected() {
			continue
		}
		for _, s := range conn.Tools {
			if s.Name == name {
				tools = append(tools, types.ToolInfo{
					Name:        s.Name,
					Description: s.Description,
					InputSchema: s.InputSchema,
					ServerID:    serverID,
				})
				break
			}
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// CallTool invokes a tool by bare name or "server/name".
func (m *Manager) CallTool(ctx context.Context, call types.ToolCall) (*types.ToolResult, error) {
	timer := logging.StartTimer(logging.CategoryTools, "CallTool "+call.Name)
	defer timer.Stop()

	serverID, toolName := parseToolID(call.Name)

	m.mu.RLock()
	if serverID == "" {
		serverID = m.index[toolName]
	}
	conn, ok := m.servers[serverID]
	known := ok && hasSchema(conn.Tools, toolName)
	m.mu.RUnlock()

	if !known {
		if _, configured := m.config[serverID]; serverID != "" && configured && !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrServerUnreachable, serverID)
		}
		return nil, fmt.Errorf("%w: %s", types.ErrToolNotFound, call.Name)
	}
	if !conn.Transport.IsConnected() {
		return nil, fmt.Errorf("%w: %s", types.ErrServerUnreachable, serverID)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	res, err := conn.Transport.CallTool(ctx, toolName, args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("tool %s aborted: %w", toolName, ctxErr)
		}
		var rpcErr *jsonrpcError
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("tool %s rejected call: %w", toolName, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", types.ErrServerUnreachable, serverID, err)
	}

	text := resultText(res)
	if res.IsError {
		return nil, fmt.Errorf("tool %s reported an error: %s", toolName, truncate(text, 500))
	}

	logging.ToolsDebug("Tool %s/%s returned %d bytes in %dms", serverID, toolName, len(text), res.LatencyMs)
	return &types.ToolResult{Text: text, Structured: res.StructuredContent}, nil
}

// Servers returns the runtime records of connected servers.
func (m *Manager) Servers() []Server {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Server, 0, len(m.servers))
	for _, conn := range m.servers {
		out = append(out, *conn.Server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) updateServerStatus(serverID string, status ServerStatus) {
	m.mu.Lock()
	if conn, ok := m.servers[serverID]; ok {
		conn.Server.Status = status
	}
	cb := m.onServerStatus
	m.mu.Unlock()

	if cb != nil {
		cb(serverID, status)
	}
}

func hasSchema(tools []ToolSchema, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// resultText joins the text content blocks. Servers that return no text get
// their structured content, or the raw result, as text.
func resultText(res *CallResult) string {
	var parts []string
	for _, b := range res.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	if len(res.StructuredContent) > 0 {
		return string(res.StructuredContent)
	}
	return string(res.Raw)
}

// parseToolID parses a tool ID into server ID and tool name.
func parseToolID(toolID string) (serverID, toolName string) {
	for i := len(toolID) - 1; i >= 0; i-- {
		if toolID[i] == '/' {
			return toolID[:i], toolID[i+1:]
		}
	}
	return "", toolID
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

var _ types.ToolBridge = (*Manager)(nil)
