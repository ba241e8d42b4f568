package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/mioo-go/internal/embedding"
)

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model exploded")
}

func (failingEmbedder) Model() string { return "broken" }

// tickingClock advances by one second on every call.
func tickingClock() func() time.Time {
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func openStore(t *testing.T, retention int, emb embedding.Embedder) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Path:      filepath.Join(t.TempDir(), "nested", "history.db"),
		Retention: retention,
		Embedder:  emb,
		Now:       tickingClock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 80, nil)

	_, err := s.Append(ctx, 42, "alice", "hi")
	require.NoError(t, err)
	_, err = s.Append(ctx, 42, "bob", "yo")
	require.NoError(t, err)
	_, err = s.Append(ctx, 42, "alice", "sup")
	require.NoError(t, err)

	got, err := s.Recent(ctx, 42, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"yo", "sup"}, contents(got))
	require.Equal(t, "bob", got[0].Author)
	require.Equal(t, int64(42), got[0].ChatID)
	require.True(t, got[0].CreatedAt.Before(got[1].CreatedAt))
}

func TestAppend_IDsIncrease(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 80, nil)

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, 1, "u", fmt.Sprint(i))
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 2, embedding.NewHashEmbedder(64))

	for _, c := range []string{"a", "b", "c"} {
		_, err := s.Append(ctx, 7, "u", c)
		require.NoError(t, err)
	}

	got, err := s.Recent(ctx, 7, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, contents(got))

	msgs, embs, err := s.Count(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, msgs)
	// the culled message took its embedding with it
	require.Equal(t, 2, embs)
}

func TestRetention_ManyAppends(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 5, nil)

	for i := 0; i < 12; i++ {
		_, err := s.Append(ctx, 3, "u", fmt.Sprint(i))
		require.NoError(t, err)
	}
	got, err := s.Recent(ctx, 3, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"7", "8", "9", "10", "11"}, contents(got))

	got, err = s.Recent(ctx, 3, 100)
	require.NoError(t, err)
	require.Len(t, got, 5)
}

func TestRecent_LimitAndIsolation(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 80, nil)

	got, err := s.Recent(ctx, 1, 5)
	require.NoError(t, err)
	require.Empty(t, got)

	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, 1, "one", fmt.Sprint("c1-", i))
		require.NoError(t, err)
		_, err = s.Append(ctx, 2, "two", fmt.Sprint("c2-", i))
		require.NoError(t, err)
	}

	for _, limit := range []int{1, 3, 4, 10} {
		got, err := s.Recent(ctx, 1, limit)
		require.NoError(t, err)
		require.LessOrEqual(t, len(got), limit)
		for _, m := range got {
			require.Equal(t, int64(1), m.ChatID)
		}
	}

	got, err = s.Recent(ctx, 2, 0)
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = s.Recent(ctx, 2, -3)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAppend_EmbeddingFailureStillStores(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 80, failingEmbedder{})

	id, err := s.Append(ctx, 9, "alice", "still here")
	require.NoError(t, err)
	require.NotZero(t, id)

	msgs, embs, err := s.Count(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, 1, msgs)
	require.Zero(t, embs)
}

func TestEmbeddings(t *testing.T) {
	ctx := context.Background()
	hash := embedding.NewHashEmbedder(128)
	s := openStore(t, 80, hash)

	id, err := s.Append(ctx, 5, "alice", "tea time")
	require.NoError(t, err)
	_, err = s.Append(ctx, 6, "bob", "elsewhere")
	require.NoError(t, err)

	recs, err := s.Embeddings(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, id, recs[0].Message.ID)
	require.Equal(t, "tea time", recs[0].Message.Content)
	require.Equal(t, 128, recs[0].Dim)
	require.Equal(t, hash.Model(), recs[0].Model)
	require.Equal(t, hash.Vector("tea time"), embedding.Unpack(recs[0].Vector, recs[0].Dim))

	// replacing keeps one record per message
	require.NoError(t, s.SaveEmbedding(ctx, id, 5, []float32{1, 2}, "other"))
	recs, err = s.Embeddings(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 2, recs[0].Dim)
}

func TestChats(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 80, nil)

	_, err := s.Append(ctx, 1, "u", "first")
	require.NoError(t, err)
	_, err = s.Append(ctx, 2, "u", "second")
	require.NoError(t, err)
	_, err = s.Append(ctx, 2, "u", "third")
	require.NoError(t, err)

	chats, err := s.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, int64(2), chats[0].ChatID)
	require.Equal(t, 2, chats[0].Messages)
	require.Equal(t, int64(1), chats[1].ChatID)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	require.Error(t, err)

	_, err = Open(context.Background(), Options{Driver: "postgres", Path: filepath.Join(t.TempDir(), "x.db")})
	require.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "h.db")

	s, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	_, err = s.Append(ctx, 1, "u", "persisted")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Path: path})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Recent(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"persisted"}, contents(got))
	require.Equal(t, DefaultRetention, s.Retention())
}

func TestRetention_ClockStepsBack(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(ctx, Options{
		Path:      filepath.Join(t.TempDir(), "h.db"),
		Retention: 2,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	defer s.Close()

	for _, c := range []string{"a", "b"} {
		_, err := s.Append(ctx, 1, "u", c)
		require.NoError(t, err)
		now = now.Add(time.Second)
	}
	now = now.Add(-time.Hour)
	id, err := s.Append(ctx, 1, "u", "c")
	require.NoError(t, err)

	got, err := s.Recent(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, contents(got))
	require.Equal(t, id, got[1].ID)
	require.True(t, got[0].CreatedAt.Before(got[1].CreatedAt))
}

func TestOpen_ReopenKeepsTimeMonotonic(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "h.db")
	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	s, err := Open(ctx, Options{Path: path, Now: func() time.Time { return later }})
	require.NoError(t, err)
	_, err = s.Append(ctx, 1, "u", "from the future")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Path: path, Retention: 1, Now: tickingClock()})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Append(ctx, 1, "u", "now")
	require.NoError(t, err)

	got, err := s.Recent(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"now"}, contents(got))
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{DriverSQLite, DriverSQLite3} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			s, err := Open(ctx, Options{
				Driver:    driver,
				Path:      filepath.Join(t.TempDir(), driver+".db"),
				Retention: 2,
				Embedder:  embedding.NewHashEmbedder(32),
				Now:       tickingClock(),
			})
			require.NoError(t, err)
			defer s.Close()

			for _, c := range []string{"a", "b", "c"} {
				_, err := s.Append(ctx, 4, "u", c)
				require.NoError(t, err)
			}
			got, err := s.Recent(ctx, 4, 10)
			require.NoError(t, err)
			require.Equal(t, []string{"b", "c"}, contents(got))
			require.True(t, got[0].CreatedAt.Before(got[1].CreatedAt))

			msgs, embs, err := s.Count(ctx, 4)
			require.NoError(t, err)
			require.Equal(t, 2, msgs)
			require.Equal(t, 2, embs)
		})
	}
}
