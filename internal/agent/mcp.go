// Package agent exposes the memory engine to embedded agent integrations as
// an MCP server. Tools are thin wrappers: all caching, offline fallback, and
// sync behavior lives in the client.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/membank/membank/internal/client"
)

// Deps holds dependencies for the MCP server.
type Deps struct {
	Client *client.Client
}

// NewMCPServer creates an MCP server with all membank tools and resources registered.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"membank",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("membank — resilient access to the project memory store, with offline fallback."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("store_memory",
			mcp.WithDescription("Store a memory record under a key for later retrieval."),
			mcp.WithString("key", mcp.Description("Unique key for the memory"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithArray("tags", mcp.Description("Optional tags for categorization")),
			mcp.WithNumber("priority", mcp.Description("Relative priority, higher sorts first")),
		),
		mcpStoreMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("get_memory",
			mcp.WithDescription("Fetch a single memory by key. Served from cache or offline store when the network is unavailable."),
			mcp.WithString("key", mcp.Description("Key of the memory"), mcp.Required()),
		),
		mcpGetMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("search_memories",
			mcp.WithDescription("Search memories by substring match over key and content."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchMemories(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_memory",
			mcp.WithDescription("Delete a memory by key."),
			mcp.WithString("key", mcp.Description("Key of the memory"), mcp.Required()),
		),
		mcpDeleteMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_memories",
			mcp.WithDescription("Pull changes from the server into the local offline cache."),
		),
		mcpSyncMemories(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"membank://status",
			"Connection Status",
			mcp.WithResourceDescription("Connectivity and offline cache state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpStoreMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		m := client.Memory{
			Key:      key,
			Content:  content,
			Tags:     req.GetStringSlice("tags", nil),
			Priority: req.GetInt("priority", 0),
		}
		stored, err := deps.Client.StoreMemory(ctx, m)
		if err != nil {
			return mcpError(fmt.Sprintf("store failed: %v", err)), nil
		}
		if stored != nil {
			key = stored.Key
		}
		return mcpText(fmt.Sprintf("Stored memory %q", key)), nil
	}
}

func mcpGetMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		m, freshness, err := deps.Client.GetMemory(ctx, key)
		if err != nil {
			return mcpError(fmt.Sprintf("get failed: %v", err)), nil
		}
		if m == nil {
			return mcpError(fmt.Sprintf("memory %q not found", key)), nil
		}

		b, err := json.Marshal(map[string]any{"memory": m, "freshness": freshness})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchMemories(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		memories, _, err := deps.Client.SearchMemories(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(memories) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(memories)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDeleteMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		if err := deps.Client.DeleteMemory(ctx, key); err != nil {
			return mcpError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted memory %q", key)), nil
	}
}

func mcpSyncMemories(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := deps.Client.IncrementalSync(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Synced: %d created, %d updated, %d deleted", counts.Created, counts.Updated, counts.Deleted)), nil
	}
}

func mcpResourceStatus(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		state := deps.Client.State()
		status := map[string]any{
			"online":         state.Online,
			"last_freshness": state.LastFreshness,
			"offline_stale":  deps.Client.OfflineStale(),
			"last_sync_at":   deps.Client.LastSyncAt(),
			"pending_writes": len(deps.Client.PendingWrites()),
		}

		b, err := json.Marshal(status)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: message},
		},
	}
}
