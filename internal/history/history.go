// Package history provides SQLite-based persistence for chat messages and
// their embeddings. Each chat keeps at most Retention messages; older rows
// and their embeddings are culled after every append.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/mattn/go-sqlite3"

	"github.com/comigor/mioo-go/internal/embedding"
	"github.com/comigor/mioo-go/internal/logger"
)

const (
	// DriverSQLite is the pure-Go driver and the default.
	DriverSQLite = "sqlite"
	// DriverSQLite3 is the cgo driver.
	DriverSQLite3 = "sqlite3"

	DefaultRetention = 80

	timeLayout  = "2006-01-02 15:04:05.000000"
	parseLayout = "2006-01-02 15:04:05"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		username TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS message_embeddings (
		message_id INTEGER PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
		chat_id INTEGER NOT NULL,
		embedding BLOB NOT NULL,
		dim INTEGER NOT NULL,
		model TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_chat ON message_embeddings (chat_id)`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_chat_msg ON message_embeddings (chat_id, message_id)`,
}

// Options configures Open.
type Options struct {
	Driver    string
	Path      string
	Retention int
	// Embedder, when set, embeds every appended message. Failures are logged
	// and never fail the append.
	Embedder embedding.Embedder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Store is a per-chat message log with bounded retention.
type Store struct {
	db        *sql.DB
	retention int
	embedder  embedding.Embedder
	log       *slog.Logger
	now       func() time.Time

	// mu serialises inserts; last is the newest stored message time.
	mu   sync.Mutex
	last time.Time
}

func dsn(driver, path string) (string, error) {
	switch driver {
	case DriverSQLite:
		return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", nil
	case DriverSQLite3:
		return path + "?_foreign_keys=1&_busy_timeout=10000&_journal_mode=WAL", nil
	default:
		return "", fmt.Errorf("unsupported history driver %q", driver)
	}
}

// Open opens (creating if needed) the database at opts.Path and ensures the
// schema exists.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("history path required")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("history")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	source, err := dsn(opts.Driver, opts.Path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(opts.Driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Path, err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	var newest sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM messages`).Scan(&newest); err != nil {
		db.Close()
		return nil, fmt.Errorf("read newest timestamp: %w", err)
	}

	opts.Logger.Info("history store ready", "driver", opts.Driver, "path", opts.Path, "retention", opts.Retention)
	return &Store{
		db:        db,
		retention: opts.Retention,
		embedder:  opts.Embedder,
		log:       opts.Logger,
		now:       opts.Now,
		last:      parseTime(newest.String),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Retention is the per-chat message cap.
func (s *Store) Retention() int { return s.retention }

func (s *Store) timestamp() string {
	return s.now().UTC().Truncate(time.Microsecond).Format(timeLayout)
}

// nextMessageTime never goes backwards, even when the wall clock does.
// Callers hold s.mu.
func (s *Store) nextMessageTime() string {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t.Format(timeLayout)
}

// Append stores a message, embeds it best-effort and culls the chat down to
// the retention cap. Only a failed insert is returned as an error.
func (s *Store) Append(ctx context.Context, chatID int64, author, content string) (int64, error) {
	id, err := s.insert(ctx, chatID, author, content)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	s.enrich(ctx, id, chatID, content)

	if err := s.cull(ctx, chatID); err != nil {
		s.log.Warn("retention cull failed", "chat_id", chatID, "error", err)
	}
	return id, nil
}

func (s *Store) insert(ctx context.Context, chatID int64, author, content string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.last
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, username, content, timestamp) VALUES (?, ?, ?, ?)`,
		chatID, author, content, s.nextMessageTime())
	if err != nil {
		s.last = prev
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) enrich(ctx context.Context, id, chatID int64, content string) {
	if s.embedder == nil {
		return
	}
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		s.log.Warn("embedding failed; message stored without vector", "chat_id", chatID, "message_id", id, "error", err)
		return
	}
	if err := s.SaveEmbedding(ctx, id, chatID, vec, s.embedder.Model()); err != nil {
		s.log.Warn("saving embedding failed", "chat_id", chatID, "message_id", id, "error", err)
	}
}

func (s *Store) cull(ctx context.Context, chatID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id IN (
		SELECT id FROM messages WHERE chat_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT -1 OFFSET ?)`, chatID, s.retention)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("culled messages", "chat_id", chatID, "deleted", n)
	}
	return nil
}

// SaveEmbedding stores vec for a message, replacing any previous vector.
func (s *Store) SaveEmbedding(ctx context.Context, messageID, chatID int64, vec []float32, model string) error {
	blob, dim := embedding.Pack(vec)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO message_embeddings (message_id, chat_id, embedding, dim, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, chatID, blob, dim, model, s.timestamp())
	return err
}

// Recent returns up to limit of the newest messages of a chat, oldest first.
func (s *Store) Recent(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, username, content, timestamp FROM messages
		 WHERE chat_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Embeddings loads every stored vector of a chat with its message.
func (s *Store) Embeddings(ctx context.Context, chatID int64) ([]EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_id, m.username, m.content, m.timestamp, e.embedding, e.dim, e.model
		 FROM message_embeddings e JOIN messages m ON m.id = e.message_id
		 WHERE e.chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingRecord
	for rows.Next() {
		var (
			r  EmbeddingRecord
			ts string
		)
		if err := rows.Scan(&r.Message.ID, &r.Message.ChatID, &r.Message.Author, &r.Message.Content, &ts,
			&r.Vector, &r.Dim, &r.Model); err != nil {
			return nil, err
		}
		r.Message.CreatedAt = parseTime(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of stored messages and embeddings of a chat.
func (s *Store) Count(ctx context.Context, chatID int64) (messages, embeddings int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM messages WHERE chat_id = ?),
		        (SELECT COUNT(*) FROM message_embeddings WHERE chat_id = ?)`, chatID, chatID).
		Scan(&messages, &embeddings)
	return messages, embeddings, err
}

// Chats lists every chat with stored messages, most recently active first.
func (s *Store) Chats(ctx context.Context) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, COUNT(*), MAX(timestamp) FROM messages GROUP BY chat_id ORDER BY MAX(timestamp) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var out []ChatSummary
	for rows.Next() {
		var (
			c  ChatSummary
			ts string
		)
		if err := rows.Scan(&c.ChatID, &c.Messages, &ts); err != nil {
			return nil, err
		}
		c.LastAt = parseTime(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (Message, error) {
	var (
		m  Message
		ts string
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.Author, &m.Content, &ts); err != nil {
		return Message{}, err
	}
	m.CreatedAt = parseTime(ts)
	return m, nil
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(parseLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
