package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/murmurchat/murmur/internal/queue"
)

// NewMCPServer creates an MCP server exposing the session's queue and summary
// operations as tools, plus the full session state as a resource.
func NewMCPServer(engine *queue.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"murmur",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("murmur — batched conversation session with queued messages, provider switching, and summary synthesis."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_message",
			mcp.WithDescription("Enqueue a user message. With auto-process enabled, rapid submissions coalesce into one batched generation."),
			mcp.WithString("content", mcp.Description("The message text"), mcp.Required()),
		),
		mcpSubmitMessage(engine),
	)

	s.AddTool(
		mcp.NewTool("drain_queue",
			mcp.WithDescription("Process all queued messages now as a single batch and return updated stats."),
		),
		mcpDrainQueue(engine),
	)

	s.AddTool(
		mcp.NewTool("synthesize_summary",
			mcp.WithDescription("Generate a structured summary document (insights, ideas, action items) from the conversation so far."),
		),
		mcpSynthesizeSummary(engine),
	)

	s.AddTool(
		mcp.NewTool("list_providers",
			mcp.WithDescription("List registered LLM backends with live availability and the currently active one."),
		),
		mcpListProviders(engine),
	)

	s.AddResource(
		mcp.NewResource(
			"murmur://session/state",
			"Session State",
			mcp.WithResourceDescription("Full session snapshot: history, queue, stats, context, and last summary"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceState(engine),
	)

	return s
}

func mcpSubmitMessage(engine *queue.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		id := engine.Submit(content)
		return mcpText(fmt.Sprintf("Queued message %s", id)), nil
	}
}

func mcpDrainQueue(engine *queue.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := engine.DrainNow(ctx); err != nil {
			return mcpError(fmt.Sprintf("batch failed: %v", err)), nil
		}

		b, err := json.Marshal(engine.Stats())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSynthesizeSummary(engine *queue.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doc, err := engine.SynthesizeSummary(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("summary generation failed: %v", err)), nil
		}
		if doc == nil {
			return mcpText("No conversation to summarize yet."), nil
		}

		b, err := json.Marshal(doc)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListProviders(engine *queue.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out := map[string]any{
			"active":       engine.ActiveProvider(),
			"availability": engine.ProviderAvailability(ctx),
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal providers: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceState(engine *queue.Engine) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(engine.ExportState())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session state: %w", err)
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

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
