package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/membank/membank/internal/client"
)

// --- helpers ---

func newTestDeps(t *testing.T, handler http.Handler) Deps {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := client.New(client.Options{
		BaseURL: srv.URL,
		Token:   "test-token",
		Org:     "acme",
		Project: "web",
		DataDir: t.TempDir(),
	})
	t.Cleanup(func() { c.Close() })
	return Deps{Client: c}
}

func jsonHandler(routes map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if resp, ok := routes[r.Method+" "+r.URL.Path]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}
		w.WriteHeader(404)
		w.Write([]byte(`{"error":"not found"}`))
	})
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_StoreMemory(t *testing.T) {
	deps := newTestDeps(t, jsonHandler(map[string]string{
		"POST /memories": `{"memory":{"key":"deploy","content":"ship it"}}`,
	}))
	handler := mcpStoreMemory(deps)

	req := makeCallToolRequest("store_memory", map[string]interface{}{
		"key":     "deploy",
		"content": "ship it",
		"tags":    []string{"ops"},
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != `Stored memory "deploy"` {
		t.Errorf("text = %q", got)
	}
}

func TestMCPTool_StoreMemory_MissingKey(t *testing.T) {
	deps := newTestDeps(t, jsonHandler(nil))
	handler := mcpStoreMemory(deps)

	req := makeCallToolRequest("store_memory", map[string]interface{}{
		"content": "orphan content",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for a missing key")
	}
}

func TestMCPTool_GetMemory(t *testing.T) {
	deps := newTestDeps(t, jsonHandler(map[string]string{
		"GET /memories/deploy": `{"memory":{"key":"deploy","content":"ship it","priority":2}}`,
	}))
	handler := mcpGetMemory(deps)

	req := makeCallToolRequest("get_memory", map[string]interface{}{"key": "deploy"})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var payload struct {
		Memory    client.Memory `json:"memory"`
		Freshness string        `json:"freshness"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Memory.Key != "deploy" || payload.Memory.Content != "ship it" {
		t.Errorf("memory = %+v", payload.Memory)
	}
	if payload.Freshness != string(client.FreshnessFresh) {
		t.Errorf("freshness = %q, want %q", payload.Freshness, client.FreshnessFresh)
	}
}

func TestMCPTool_GetMemory_NotFound(t *testing.T) {
	deps := newTestDeps(t, jsonHandler(nil))
	handler := mcpGetMemory(deps)

	req := makeCallToolRequest("get_memory", map[string]interface{}{"key": "absent"})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_SearchMemories_EmptyResult(t *testing.T) {
	deps := newTestDeps(t, jsonHandler(map[string]string{
		"GET /memories/search": `{"memories":[]}`,
	}))
	handler := mcpSearchMemories(deps)

	req := makeCallToolRequest("search_memories", map[string]interface{}{
		"query": "nonexistent topic",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "[]" {
		t.Errorf("text = %q, want empty array", got)
	}
}

func TestMCPTool_DeleteMemory(t *testing.T) {
	deps := newTestDeps(t, jsonHandler(map[string]string{
		"DELETE /memories/deploy": `{}`,
	}))
	handler := mcpDeleteMemory(deps)

	req := makeCallToolRequest("delete_memory", map[string]interface{}{"key": "deploy"})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
}

func TestMCPTool_SyncMemories(t *testing.T) {
	deps := newTestDeps(t, jsonHandler(map[string]string{
		"GET /sync/delta": `{"created":[{"key":"a","content":"alpha"}],"updated":[],"deleted":[],"now":"2026-08-01T00:00:00Z"}`,
	}))
	handler := mcpSyncMemories(deps)

	req := makeCallToolRequest("sync_memories", nil)

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if got := toolText(t, result); !strings.Contains(got, "1 created") {
		t.Errorf("text = %q, want it to report 1 created", got)
	}
}

func TestMCPResource_Status(t *testing.T) {
	deps := newTestDeps(t, jsonHandler(nil))
	handler := mcpResourceStatus(deps)

	req := mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "membank://status"},
	}

	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var status struct {
		Online        bool `json:"online"`
		PendingWrites int  `json:"pending_writes"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &status); err != nil {
		t.Fatalf("failed to parse status JSON: %v", err)
	}
	if !status.Online {
		t.Error("a fresh client should report online")
	}
	if status.PendingWrites != 0 {
		t.Errorf("pending_writes = %d, want 0", status.PendingWrites)
	}
}
