package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/comigor/mioo-go/internal/history"
	"github.com/comigor/mioo-go/internal/logger"
)

const (
	RetrievedHeader = "--- retrieved relevant history ---"
	RecentHeader    = "--- recent chat ---"
)

// RecentSource reads the newest messages of a chat in chronological order.
type RecentSource interface {
	Recent(ctx context.Context, chatID int64, limit int) ([]history.Message, error)
}

// Finder is implemented by Searcher.
type Finder interface {
	Search(ctx context.Context, chatID int64, query string, topK int) ([]Hit, error)
}

// Options tunes an Assembler.
type Options struct {
	Enabled       bool
	MaxChars      int
	SearchTimeout time.Duration
	Logger        *slog.Logger
}

// Assembler merges relevant older messages with the recent window.
type Assembler struct {
	recent  RecentSource
	finder  Finder
	enabled bool
	chars   int
	timeout time.Duration
	log     *slog.Logger
}

func NewAssembler(recent RecentSource, finder Finder, opts Options) *Assembler {
	if opts.Logger == nil {
		opts.Logger = logger.Component("retrieval")
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	return &Assembler{
		recent:  recent,
		finder:  finder,
		enabled: opts.Enabled && finder != nil,
		chars:   opts.MaxChars,
		timeout: opts.SearchTimeout,
		log:     opts.Logger,
	}
}

// Context is the assembled prompt context of one request.
type Context struct {
	Retrieved []history.Message `json:"retrieved"`
	Recent    []history.Message `json:"recent"`
	Lines     []string          `json:"lines"`
}

// BuildContext returns the formatted context lines for a chat. The last
// line is always the newest message when the chat is not empty.
func (a *Assembler) BuildContext(ctx context.Context, chatID int64, query string, recentN, topK int) ([]string, error) {
	c, err := a.Build(ctx, chatID, query, recentN, topK)
	if err != nil {
		return nil, err
	}
	return c.Lines, nil
}

// Build is BuildContext with the underlying messages kept.
func (a *Assembler) Build(ctx context.Context, chatID int64, query string, recentN, topK int) (Context, error) {
	recent, err := a.recent.Recent(ctx, chatID, recentN)
	if err != nil {
		return Context{}, fmt.Errorf("load recent messages: %w", err)
	}

	var retrieved []history.Message
	if a.enabled {
		seen := make(map[int64]struct{}, len(recent))
		for _, m := range recent {
			seen[m.ID] = struct{}{}
		}
		for _, h := range a.search(ctx, chatID, query, topK) {
			if _, dup := seen[h.Message.ID]; dup {
				continue
			}
			retrieved = append(retrieved, h.Message)
		}
	}

	lines := make([]string, 0, len(retrieved)+len(recent)+2)
	if len(retrieved) > 0 {
		lines = append(lines, RetrievedHeader)
		for _, m := range retrieved {
			lines = append(lines, FormatMessage(m, a.chars))
		}
	}
	lines = append(lines, RecentHeader)
	for _, m := range recent {
		lines = append(lines, FormatMessage(m, a.chars))
	}
	return Context{Retrieved: retrieved, Recent: recent, Lines: lines}, nil
}

// search never fails: errors, timeouts and panics all degrade to no hits.
func (a *Assembler) search(ctx context.Context, chatID int64, query string, topK int) (hits []Hit) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("retrieval panicked; continuing without it", "chat_id", chatID, "panic", r)
			hits = nil
		}
	}()

	hits, err := a.finder.Search(ctx, chatID, query, topK)
	if err != nil {
		a.log.Warn("retrieval failed; continuing without it", "chat_id", chatID, "error", err)
		return nil
	}
	return hits
}
