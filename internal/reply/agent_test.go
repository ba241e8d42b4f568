package reply

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/mioo-go/internal/config"
)

// This mirrors MCPClient in tools.go
type mockMCPClient struct {
	ListToolsFunc func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallToolFunc  func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed        bool
}

func (m *mockMCPClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.ListToolsFunc != nil {
		return m.ListToolsFunc(ctx, req)
	}
	return &mcp.ListToolsResult{Tools: []mcp.Tool{}}, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.CallToolFunc != nil {
		return m.CallToolFunc(ctx, request)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "mock default success for " + request.Params.Name}},
	}, nil
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}

type mockLLM struct {
	calls    []openai.ChatCompletionResponse
	err      error
	requests []openai.ChatCompletionRequest
}

func (m *mockLLM) CreateChatCompletion(_ context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, r)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	if len(m.calls) == 0 {
		panic("mockLLM: no more responses configured")
	}
	resp := m.calls[0]
	m.calls = m.calls[1:]
	return resp, nil
}

func content(s string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: s},
	}}}
}

func toolCall(id, name, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       id,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: name, Arguments: args},
			}},
		},
	}}}
}

var lines = []string{"--- recent chat ---", "[2025-03-01 12:00:00] alice: tell me a cat joke"}

func TestDecide_Replies(t *testing.T) {
	llm := &mockLLM{calls: []openai.ChatCompletionResponse{
		content(`{"should_reply": true, "reply_content": "Why did the cat sit on the laptop? To keep an eye on the mouse, nya~"}`),
	}}
	a := New(llm, "gpt-4o", config.ReplyConfig{}, nil)

	d, err := a.Decide(context.Background(), Request{ChatID: 1, ContextLines: lines})
	require.NoError(t, err)
	require.True(t, d.ShouldReply)
	require.Contains(t, d.Content, "nya~")

	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	require.Equal(t, "gpt-4o", req.Model)
	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.NotContains(t, req.Messages[0].Content, "must_reply")
	require.True(t, strings.HasSuffix(req.Messages[1].Content, lines[1]))
}

func TestDecide_Declines(t *testing.T) {
	for _, raw := range []string{
		`{"should_reply": false, "reply_content": ""}`,
		`{"should_reply": true, "reply_content": "   "}`,
		`not json at all`,
		``,
	} {
		a := New(&mockLLM{calls: []openai.ChatCompletionResponse{content(raw)}}, "m", config.ReplyConfig{}, nil)
		d, err := a.Decide(context.Background(), Request{ContextLines: lines})
		require.NoError(t, err, raw)
		require.False(t, d.ShouldReply, raw)
		require.Empty(t, d.Content, raw)
	}
}

func TestDecide_FencedJSON(t *testing.T) {
	raw := "```json\n{\"should_reply\": true, \"reply_content\": \"meow\"}\n```"
	a := New(&mockLLM{calls: []openai.ChatCompletionResponse{content(raw)}}, "m", config.ReplyConfig{}, nil)
	d, err := a.Decide(context.Background(), Request{ContextLines: lines})
	require.NoError(t, err)
	require.Equal(t, Decision{ShouldReply: true, Content: "meow"}, d)
}

func TestDecide_MustReplyAndBackground(t *testing.T) {
	info := filepath.Join(t.TempDir(), "info.txt")
	require.NoError(t, os.WriteFile(info, []byte("alice owns a cat named Mochi\n\n  bob hates mondays  \n"), 0o644))

	llm := &mockLLM{calls: []openai.ChatCompletionResponse{content(`{"should_reply": true, "reply_content": "hi"}`)}}
	a := New(llm, "m", config.ReplyConfig{InfoPath: info}, nil)

	_, err := a.Decide(context.Background(), Request{ContextLines: lines, MustReply: true})
	require.NoError(t, err)
	system := llm.requests[0].Messages[0].Content
	require.Contains(t, system, "must_reply = true")
	require.Contains(t, system, "- alice owns a cat named Mochi\n- bob hates mondays")
	require.NotContains(t, system, "{{background}}")
}

func TestDecide_CustomSystemPrompt(t *testing.T) {
	llm := &mockLLM{calls: []openai.ChatCompletionResponse{content(`{"should_reply": false}`)}}
	a := New(llm, "m", config.ReplyConfig{SystemPrompt: "You are a dog.", InfoPath: "does-not-exist.txt"}, nil)
	_, err := a.Decide(context.Background(), Request{ContextLines: lines})
	require.NoError(t, err)
	require.Equal(t, "You are a dog.", llm.requests[0].Messages[0].Content)
}

func TestDecide_LLMError(t *testing.T) {
	a := New(&mockLLM{err: context.DeadlineExceeded}, "m", config.ReplyConfig{}, nil)
	_, err := a.Decide(context.Background(), Request{ContextLines: lines})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecide_NoChoices(t *testing.T) {
	a := New(&mockLLM{calls: []openai.ChatCompletionResponse{{}}}, "m", config.ReplyConfig{}, nil)
	_, err := a.Decide(context.Background(), Request{ContextLines: lines})
	require.Error(t, err)
}

func TestDecide_ToolRoundTrip(t *testing.T) {
	toolName := "search_history"
	mockClient := &mockMCPClient{
		ListToolsFunc: func(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []mcp.Tool{{
				Name:           toolName,
				Description:    "Search older chat messages",
				RawInputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
			}}}, nil
		},
		CallToolFunc: func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			require.Equal(t, toolName, request.Params.Name)
			require.Equal(t, map[string]any{"query": "Mochi"}, request.Params.Arguments)
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "Mochi is alice's cat"}}}, nil
		},
	}
	ts := NewToolset()
	ts.Add(context.Background(), "history", mockClient)
	require.Len(t, ts.Tools(), 1)

	llm := &mockLLM{calls: []openai.ChatCompletionResponse{
		toolCall("call_1", toolName, `{"query": "Mochi"}`),
		content(`{"should_reply": true, "reply_content": "Mochi is purrfect"}`),
	}}
	a := New(llm, "m", config.ReplyConfig{}, ts)

	d, err := a.Decide(context.Background(), Request{ContextLines: lines})
	require.NoError(t, err)
	require.Equal(t, "Mochi is purrfect", d.Content)

	require.Len(t, llm.requests, 2)
	second := llm.requests[1].Messages
	last := second[len(second)-1]
	require.Equal(t, openai.ChatMessageRoleTool, last.Role)
	require.Equal(t, "call_1", last.ToolCallID)
	require.Equal(t, "Mochi is alice's cat", last.Content)

	require.NoError(t, ts.Close())
	require.True(t, mockClient.closed)
}

func TestDecide_BadToolArguments(t *testing.T) {
	llm := &mockLLM{calls: []openai.ChatCompletionResponse{
		toolCall("call_1", "anything", `{not json`),
		content(`{"should_reply": false, "reply_content": ""}`),
	}}
	a := New(llm, "m", config.ReplyConfig{}, nil)
	_, err := a.Decide(context.Background(), Request{ContextLines: lines})
	require.NoError(t, err)
	msgs := llm.requests[1].Messages
	require.Contains(t, msgs[len(msgs)-1].Content, "Could not parse arguments")
}

func TestDecide_MaxTurns(t *testing.T) {
	calls := make([]openai.ChatCompletionResponse, 0, 3)
	for i := 0; i < 3; i++ {
		calls = append(calls, toolCall("c", "loop", `{}`))
	}
	a := New(&mockLLM{calls: calls}, "m", config.ReplyConfig{MaxTurns: 2}, nil)
	_, err := a.Decide(context.Background(), Request{ContextLines: lines})
	require.ErrorIs(t, err, ErrMaxTurns)
}

func TestToolset_CallErrors(t *testing.T) {
	var nilSet *Toolset
	require.Contains(t, nilSet.Call(context.Background(), "x", nil), "No MCP clients")
	require.Nil(t, nilSet.Tools())

	ts := NewToolset()
	failing := &mockMCPClient{
		ListToolsFunc: func(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "broken"}, {Name: "erroring"}}}, nil
		},
		CallToolFunc: func(_ context.Context, r mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if r.Params.Name == "broken" {
				return nil, errors.New("transport closed")
			}
			return &mcp.CallToolResult{IsError: true}, nil
		},
	}
	ts.Add(context.Background(), "s1", failing)
	// duplicate names from a second server are ignored
	ts.Add(context.Background(), "s2", failing)
	require.Len(t, ts.Tools(), 2)

	require.Contains(t, ts.Call(context.Background(), "broken", nil), "failed")
	require.Contains(t, ts.Call(context.Background(), "erroring", nil), "error without specific text")
	require.Contains(t, ts.Call(context.Background(), "missing", nil), "unknown tool")
}

func TestConnect_SkipsUnusableServers(t *testing.T) {
	ts := Connect(context.Background(), []config.MCPServerConfig{
		{Name: "untyped"},
		{Name: "weird", Type: "carrier-pigeon"},
	})
	require.Empty(t, ts.Tools())
	require.NoError(t, ts.Close())
}
