package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/firstdataunion/vault/internal/packet"
	"github.com/firstdataunion/vault/internal/vault"
)

// MCPDeps holds dependencies for the MCP server. The MCP surface is strictly
// read-only: assistants browse the vault, they never mutate it.
type MCPDeps struct {
	Vault *vault.Service
}

// NewMCPServer creates an MCP server exposing read tools over the vault.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"fidu-vault",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("fidu-vault — unified personal data store for conversations, contexts, prompts and documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List stored conversations for a profile, newest first."),
			mcp.WithString("profile_id", mcp.Description("Profile to list for"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("search_packets",
			mcp.WithDescription("List packets of any resource type, optionally filtered by tags (comma-separated, all must match)."),
			mcp.WithString("resource_type", mcp.Description("One of: conversation, context, system_prompt, api_key, document, background_agent"), mcp.Required()),
			mcp.WithString("profile_id", mcp.Description("Profile to search"), mcp.Required()),
			mcp.WithString("tags", mcp.Description("Comma-separated tag filter")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpSearchPackets(deps),
	)

	s.AddTool(
		mcp.NewTool("get_packet",
			mcp.WithDescription("Fetch one packet by resource type and id."),
			mcp.WithString("resource_type", mcp.Description("Resource type of the packet"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Packet id"), mcp.Required()),
		),
		mcpGetPacket(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report the storage mode and, in cloud mode, the sync engine state."),
		),
		mcpSyncStatus(deps),
	)

	return s
}

func mcpListConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		profileID, err := req.RequireString("profile_id")
		if err != nil {
			return mcpError("profile_id is required"), nil
		}
		limit := req.GetInt("limit", 20)

		results, err := deps.Vault.ListPackets(ctx, packet.TypeConversation, profileID, packet.Filter{}, packet.Page{Limit: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("listing conversations: %v", err)), nil
		}
		return mcpJSON(results)
	}
}

func mcpSearchPackets(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rtName, err := req.RequireString("resource_type")
		if err != nil {
			return mcpError("resource_type is required"), nil
		}
		rt := packet.ResourceType(rtName)
		if !rt.Valid() {
			return mcpError(fmt.Sprintf("unknown resource type %q", rtName)), nil
		}
		profileID, err := req.RequireString("profile_id")
		if err != nil {
			return mcpError("profile_id is required"), nil
		}

		var f packet.Filter
		if tags := req.GetString("tags", ""); tags != "" {
			f.Tags = strings.Split(tags, ",")
		}
		limit := req.GetInt("limit", 20)

		results, err := deps.Vault.ListPackets(ctx, rt, profileID, f, packet.Page{Limit: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("searching packets: %v", err)), nil
		}
		return mcpJSON(results)
	}
}

func mcpGetPacket(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rtName, err := req.RequireString("resource_type")
		if err != nil {
			return mcpError("resource_type is required"), nil
		}
		rt := packet.ResourceType(rtName)
		if !rt.Valid() {
			return mcpError(fmt.Sprintf("unknown resource type %q", rtName)), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		p, err := deps.Vault.GetPacket(ctx, rt, id)
		if errors.Is(err, packet.ErrNotFound) {
			return mcpError(fmt.Sprintf("packet %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("fetching packet: %v", err)), nil
		}
		return mcpJSON(p)
	}
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := map[string]any{
			"mode":        deps.Vault.Mode(),
			"initialized": deps.Vault.Initialized(),
		}
		if st, err := deps.Vault.SyncState(); err == nil {
			status["sync"] = st
		}
		return mcpJSON(status)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
