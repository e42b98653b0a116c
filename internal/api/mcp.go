package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/switchyard/internal/orchestrator"
	"github.com/kalambet/switchyard/internal/storage"
)

const traceURIPrefix = "trace://"

// MCPDeps holds dependencies for the MCP server. DefaultTenant is used when
// an ask call names no tenant.
type MCPDeps struct {
	Orchestrator  Orchestrator
	DefaultTenant string
}

// NewMCPServer creates an MCP server exposing the ask and trace tools and
// the trace:// resource template.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"switchyard",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("switchyard answers questions by routing them to vector, graph and quantitative retrieval engines."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question using the best-suited retrieval engine, with fallback to the others."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("tenant_id", mcp.Description("Tenant the question belongs to")),
			mcp.WithString("conversation_summary", mcp.Description("Optional summary of the conversation so far")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("trace",
			mcp.WithDescription("Show the execution record of a previous question: state, tasks and errors."),
			mcp.WithString("trace_id", mcp.Description("Trace id returned by ask"), mcp.Required()),
		),
		mcpTrace(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			traceURIPrefix+"{trace_id}",
			"Resolution trace",
			mcp.WithTemplateDescription("Execution record of one resolution as JSON"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceTrace(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		tenant := req.GetString("tenant_id", deps.DefaultTenant)

		resp, err := deps.Orchestrator.Ask(ctx, orchestrator.Request{
			Question:            question,
			TenantID:            tenant,
			ConversationSummary: req.GetString("conversation_summary", ""),
		})
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		if StatusFor(resp) != http.StatusOK {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTrace(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		traceID, err := req.RequireString("trace_id")
		if err != nil {
			return mcpError("trace_id is required"), nil
		}
		tr, err := deps.Orchestrator.Trace(ctx, traceID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("trace %s not found", traceID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("trace failed: %v", err)), nil
		}
		b, err := json.Marshal(tr)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal trace: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceTrace(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		traceID := strings.TrimPrefix(req.Params.URI, traceURIPrefix)
		if traceID == "" || traceID == req.Params.URI {
			return nil, fmt.Errorf("invalid trace uri %q", req.Params.URI)
		}
		tr, err := deps.Orchestrator.Trace(ctx, traceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load trace: %w", err)
		}
		b, err := json.Marshal(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal trace: %w", err)
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
