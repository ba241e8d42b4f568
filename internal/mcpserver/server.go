// Package mcpserver serves the chat history as MCP tools, so an MCP-aware
// model (including the bot's own reply agent) can look things up.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/mioo-go/internal/history"
	"github.com/comigor/mioo-go/internal/logger"
	"github.com/comigor/mioo-go/internal/retrieval"
)

const (
	Name    = "mioo-history"
	Version = "1.0.0"
)

// Store reads recent messages.
type Store interface {
	Recent(ctx context.Context, chatID int64, limit int) ([]history.Message, error)
}

// Tools holds the collaborators behind the MCP tools.
type Tools struct {
	Store     Store
	Search    retrieval.Finder
	Assembler interface {
		BuildContext(ctx context.Context, chatID int64, query string, recentN, topK int) ([]string, error)
	}
	MaxChars int
	RecentN  int
	TopK     int

	log *slog.Logger
}

// New builds an MCP server exposing recent_messages, search_history and
// build_context.
func New(t *Tools) *server.MCPServer {
	if t.log == nil {
		t.log = logger.Component("mcpserver")
	}
	s := server.NewMCPServer(Name, Version, server.WithToolCapabilities(false), server.WithRecovery())

	s.AddTool(mcp.NewTool("recent_messages",
		mcp.WithDescription("Return the most recent messages of a Telegram chat, oldest first."),
		mcp.WithNumber("chat_id", mcp.Required(), mcp.Description("Telegram chat id")),
		mcp.WithNumber("limit", mcp.Description("How many messages to return")),
	), t.recentMessages)

	s.AddTool(mcp.NewTool("search_history",
		mcp.WithDescription("Find older messages of a chat that are similar to a query."),
		mcp.WithNumber("chat_id", mcp.Required(), mcp.Description("Telegram chat id")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Text to search for")),
		mcp.WithNumber("top_k", mcp.Description("How many matches to return")),
	), t.searchHistory)

	s.AddTool(mcp.NewTool("build_context",
		mcp.WithDescription("Assemble relevant older messages plus the recent window of a chat."),
		mcp.WithNumber("chat_id", mcp.Required(), mcp.Description("Telegram chat id")),
		mcp.WithString("query", mcp.Description("Text used to retrieve relevant history")),
		mcp.WithNumber("recent", mcp.Description("Size of the recent window")),
		mcp.WithNumber("top_k", mcp.Description("How many relevant messages to retrieve")),
	), t.buildContext)

	return s
}

func (t *Tools) recentMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := req.RequireInt("chat_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", t.RecentN)
	msgs, err := t.Store.Recent(ctx, int64(chatID), limit)
	if err != nil {
		t.log.Error("recent_messages failed", "chat_id", chatID, "error", err)
		return mcp.NewToolResultError("could not read chat history"), nil
	}
	if len(msgs) == 0 {
		return mcp.NewToolResultText("no messages"), nil
	}
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = retrieval.FormatMessage(m, t.MaxChars)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (t *Tools) searchHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := req.RequireInt("chat_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hits, err := t.Search.Search(ctx, int64(chatID), query, req.GetInt("top_k", t.TopK))
	if err != nil {
		t.log.Error("search_history failed", "chat_id", chatID, "error", err)
		return mcp.NewToolResultError("search failed"), nil
	}
	if len(hits) == 0 {
		return mcp.NewToolResultText("no matches"), nil
	}
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "(%.3f) %s", h.Score, retrieval.FormatMessage(h.Message, t.MaxChars))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (t *Tools) buildContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := req.RequireInt("chat_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines, err := t.Assembler.BuildContext(ctx, int64(chatID), req.GetString("query", ""),
		req.GetInt("recent", t.RecentN), req.GetInt("top_k", t.TopK))
	if err != nil {
		t.log.Error("build_context failed", "chat_id", chatID, "error", err)
		return mcp.NewToolResultError("could not build context"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}
