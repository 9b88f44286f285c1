package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestManager_ConnectListCallTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		switch req.Method {
		case "tools/list":
			json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{"tools":[{"name":"search","description":"search the web"}]}`)})
		case "tools/call":
			json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{"ok":true}`)})
		default:
			json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: -32601, Message: "unknown method"}})
		}
	}))
	defer srv.Close()

	m := NewManager()
	m.Connect(ServerConfig{ID: "web", Name: "Web Tools", URL: srv.URL})

	if got := m.ConnectedServers(); len(got) != 1 || got[0] != "web" {
		t.Fatalf("ConnectedServers() = %v", got)
	}

	tools, err := m.ToolsFor(context.Background(), "web")
	if err != nil {
		t.Fatalf("ToolsFor() error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("ToolsFor() = %+v", tools)
	}

	result, err := m.CallTool(context.Background(), "web", "search", map[string]any{"q": "go"})
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("CallTool() = %s", result)
	}

	m.Disconnect("web")
	if _, err := m.ToolsFor(context.Background(), "web"); err == nil {
		t.Fatalf("expected error after Disconnect")
	}
}

func TestManager_ToolsForServers_KeyedByServerAndTool(t *testing.T) {
	m := NewManager()
	if got, err := m.ToolsForServers(context.Background(), []string{"nonexistent"}); err != nil || len(got) != 0 {
		t.Fatalf("ToolsForServers() = %v, %v", got, err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{"tools":[{"name":"search","description":"search the web"}]}`)})
	}))
	defer srv.Close()
	m.Connect(ServerConfig{ID: "web", URL: srv.URL})

	got, err := m.ToolsForServers(context.Background(), []string{"web", "nonexistent"})
	if err != nil {
		t.Fatalf("ToolsForServers() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ToolsForServers() = %v, want exactly one entry", got)
	}
	if tool, ok := got["web/search"]; !ok || tool.Name != "search" {
		t.Fatalf("ToolsForServers() = %v, want key \"web/search\"", got)
	}
}
