// Package mcp is a minimal Model Context Protocol client: JSON-RPC 2.0
// over HTTP, enough to list a connected server's tools and invoke them.
// Hand-rolled rather than pulling in a full MCP SDK, since a node only
// ever acts as an MCP client against a small, operator-configured set of
// servers.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ServerConfig describes one MCP server reachable over HTTP JSON-RPC.
type ServerConfig struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// ToolSummary is one tool a connected server exposes.
type ToolSummary struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Client is a connection to a single MCP server.
type Client struct {
	cfg    ServerConfig
	http   *http.Client
	nextID int64
}

func newClient(cfg ServerConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	c.nextID++
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("mcp: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("mcp: server error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// ListTools fetches the server's current tool list.
func (c *Client) ListTools(ctx context.Context) ([]ToolSummary, error) {
	var out struct {
		Tools []ToolSummary `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// CallTool invokes name with args and returns its raw JSON result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	var out json.RawMessage
	params := map[string]any{"name": name, "arguments": args}
	if err := c.call(ctx, "tools/call", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Manager tracks the set of connected MCP servers.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	configs map[string]ServerConfig
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{clients: make(map[string]*Client), configs: make(map[string]ServerConfig)}
}

// Connect registers cfg and makes it available for tool calls. No
// handshake round-trip is required; HTTP JSON-RPC calls are made lazily.
func (m *Manager) Connect(cfg ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[cfg.ID] = newClient(cfg)
	m.configs[cfg.ID] = cfg
}

// Disconnect removes a server from the connected set.
func (m *Manager) Disconnect(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, serverID)
	delete(m.configs, serverID)
}

// ConnectedServers returns the ids of every connected server.
func (m *Manager) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[serverID]
	return c, ok
}

// ToolsFor lists the tools a connected server currently exposes.
func (m *Manager) ToolsFor(ctx context.Context, serverID string) ([]ToolSummary, error) {
	c, ok := m.client(serverID)
	if !ok {
		return nil, fmt.Errorf("mcp: server %q is not connected", serverID)
	}
	return c.ListTools(ctx)
}

// ToolsForServers lists tools across multiple connected servers, keyed by
// "<serverID>/<toolName>" to disambiguate overlapping tool names.
func (m *Manager) ToolsForServers(ctx context.Context, serverIDs []string) (map[string]ToolSummary, error) {
	out := make(map[string]ToolSummary)
	for _, id := range serverIDs {
		tools, err := m.ToolsFor(ctx, id)
		if err != nil {
			continue
		}
		for _, t := range tools {
			out[id+"/"+t.Name] = t
		}
	}
	return out, nil
}

// CallTool invokes name on serverID.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args map[string]any) (json.RawMessage, error) {
	c, ok := m.client(serverID)
	if !ok {
		return nil, fmt.Errorf("mcp: server %q is not connected", serverID)
	}
	return c.CallTool(ctx, name, args)
}
