package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/walnut-ai/was/internal/retrieval"
	"github.com/walnut-ai/was/internal/ticket"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tickets   Tickets
	Knowledge Knowledge
	TopK      int
	Threshold float64
	Version   string
}

// NewMCPServer creates an MCP server exposing knowledge search and ticket
// handling to agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"was",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("Walnut AI Support: search the support knowledge base and manage support tickets."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Search the support knowledge base and return the best matching entries."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of entries (default from config)")),
			mcp.WithNumber("threshold", mcp.Description("Minimum cosine similarity between 0 and 1")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("create_ticket",
			mcp.WithDescription("Open a support ticket. Diagnosis by the assistant starts in the background."),
			mcp.WithString("user_id", mcp.Description("Requester id"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Short summary"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Full problem description"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Product area")),
		),
		mcpCreateTicket(deps),
	)

	s.AddTool(
		mcp.NewTool("get_ticket",
			mcp.WithDescription("Fetch a ticket with its full message thread."),
			mcp.WithString("id", mcp.Description("Ticket id"), mcp.Required()),
		),
		mcpGetTicket(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tickets",
			mcp.WithDescription("List tickets newest first, optionally filtered by status."),
			mcp.WithString("status", mcp.Description("open, ai_processing, human_needed, resolved or closed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tickets (default 20)")),
		),
		mcpListTickets(deps),
	)

	s.AddTool(
		mcp.NewTool("respond_ticket",
			mcp.WithDescription("Reply to a ticket as a support agent. The ticket becomes resolved."),
			mcp.WithString("id", mcp.Description("Ticket id"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Reply text"), mcp.Required()),
		),
		mcpRespondTicket(deps),
	)

	return s
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		topK := req.GetInt("top_k", deps.TopK)
		if topK <= 0 {
			topK = deps.TopK
		}
		if topK > 50 {
			topK = 50
		}
		threshold := req.GetFloat("threshold", deps.Threshold)

		res, err := deps.Knowledge.Search(ctx, query, topK, threshold)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if res.NoMatch() {
			return mcpText("[]"), nil
		}
		return mcpJSON(res.Matches)
	}
}

func mcpCreateTicket(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in := ticket.NewTicket{
			UserID:      req.GetString("user_id", ""),
			Category:    req.GetString("category", ""),
			Title:       req.GetString("title", ""),
			Description: req.GetString("description", ""),
		}
		t, err := deps.Tickets.Create(ctx, in)
		if err != nil {
			return mcpTicketError(err), nil
		}
		return mcpJSON(t)
	}
}

func mcpGetTicket(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		t, err := deps.Tickets.Get(ctx, id)
		if err != nil {
			return mcpTicketError(err), nil
		}
		return mcpJSON(t)
	}
}

func mcpListTickets(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var status ticket.Status
		if s := req.GetString("status", ""); s != "" {
			st, err := ticket.ParseStatus(s)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			status = st
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}

		tickets, err := deps.Tickets.List(ctx, ticket.ListOptions{Status: status, Limit: limit})
		if err != nil {
			return mcpTicketError(err), nil
		}

		type ticketSummary struct {
			ID        string        `json:"id"`
			UserID    string        `json:"user_id"`
			Title     string        `json:"title"`
			Status    ticket.Status `json:"status"`
			Messages  int           `json:"messages"`
			UpdatedAt string        `json:"updated_at"`
		}
		summaries := make([]ticketSummary, len(tickets))
		for i, t := range tickets {
			summaries[i] = ticketSummary{
				ID:        t.ID,
				UserID:    t.UserID,
				Title:     t.Title,
				Status:    t.Status,
				Messages:  len(t.Messages),
				UpdatedAt: t.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
			}
		}
		return mcpJSON(summaries)
	}
}

func mcpRespondTicket(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		t, err := deps.Tickets.Respond(ctx, id, content)
		if err != nil {
			return mcpTicketError(err), nil
		}
		return mcpText(fmt.Sprintf("Ticket %s is now %s", t.ID, t.Status)), nil
	}
}

func mcpTicketError(err error) *mcp.CallToolResult {
	if errors.Is(err, ticket.ErrNotFound) {
		return mcpError("ticket not found")
	}
	return mcpError(err.Error())
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
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

var _ Knowledge = (*retrieval.Index)(nil)
