package mcpserver

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/mioo-go/internal/embedding"
	"github.com/comigor/mioo-go/internal/history"
	"github.com/comigor/mioo-go/internal/retrieval"
)

func newTools(t *testing.T) (*Tools, *history.Store) {
	t.Helper()
	ctx := context.Background()
	emb := embedding.NewHashEmbedder(128)
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := history.Open(ctx, history.Options{
		Path:     filepath.Join(t.TempDir(), "mcp.db"),
		Embedder: emb,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, line := range []string{"my cat Mochi loves tuna", "rain again today", "pizza tonight?"} {
		_, err := store.Append(ctx, 7, "alice", line)
		require.NoError(t, err)
	}

	searcher := retrieval.NewSearcher(store, emb)
	return &Tools{
		Store:     store,
		Search:    searcher,
		Assembler: retrieval.NewAssembler(store, searcher, retrieval.Options{Enabled: true}),
		MaxChars:  800,
		RecentN:   2,
		TopK:      1,
	}, store
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestRecentMessages(t *testing.T) {
	tools, _ := newTools(t)
	New(tools)

	res, err := tools.recentMessages(context.Background(), call("recent_messages", map[string]any{"chat_id": float64(7)}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	out := text(t, res)
	require.Len(t, strings.Split(out, "\n"), 2)
	require.True(t, strings.HasSuffix(out, "alice: pizza tonight?"))

	res, err = tools.recentMessages(context.Background(), call("recent_messages", map[string]any{"chat_id": float64(8), "limit": float64(5)}))
	require.NoError(t, err)
	require.Equal(t, "no messages", text(t, res))
}

func TestSearchHistory(t *testing.T) {
	tools, _ := newTools(t)
	New(tools)

	res, err := tools.searchHistory(context.Background(), call("search_history", map[string]any{"chat_id": float64(7), "query": "Mochi cat"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, text(t, res), "Mochi")

	res, err = tools.searchHistory(context.Background(), call("search_history", map[string]any{"chat_id": float64(7)}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestBuildContext(t *testing.T) {
	tools, _ := newTools(t)
	New(tools)

	res, err := tools.buildContext(context.Background(), call("build_context", map[string]any{"chat_id": float64(7), "query": "Mochi cat"}))
	require.NoError(t, err)
	lines := strings.Split(text(t, res), "\n")
	require.Equal(t, retrieval.RetrievedHeader, lines[0])
	require.Contains(t, lines[len(lines)-1], "pizza tonight?")
}

func TestMissingChatID(t *testing.T) {
	tools, _ := newTools(t)
	New(tools)
	for _, name := range []string{"recent_messages", "search_history", "build_context"} {
		var (
			res *mcp.CallToolResult
			err error
		)
		req := call(name, map[string]any{"query": "x"})
		switch name {
		case "recent_messages":
			res, err = tools.recentMessages(context.Background(), req)
		case "search_history":
			res, err = tools.searchHistory(context.Background(), req)
		default:
			res, err = tools.buildContext(context.Background(), req)
		}
		require.NoError(t, err, name)
		require.True(t, res.IsError, name)
	}
}

type failingStore struct{}

func (failingStore) Recent(context.Context, int64, int) ([]history.Message, error) {
	return nil, errors.New("database is locked")
}

func TestStoreErrorIsToolError(t *testing.T) {
	tools := &Tools{Store: failingStore{}}
	New(tools)
	res, err := tools.recentMessages(context.Background(), call("recent_messages", map[string]any{"chat_id": float64(1)}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.NotContains(t, text(t, res), "locked")
}
