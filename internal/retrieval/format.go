package retrieval

import (
	"fmt"
	"strings"

	"github.com/comigor/mioo-go/internal/history"
)

const (
	DefaultMaxChars = 800

	truncationMarker = " …(truncated)"
	timestampLayout  = "2006-01-02 15:04:05"
)

// FormatMessage renders m as "[timestamp] author: content". Content is
// trimmed, CRLF is folded to LF, and anything beyond maxChars runes is cut
// and marked.
func FormatMessage(m history.Message, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	content := strings.TrimSpace(strings.ReplaceAll(m.Content, "\r\n", "\n"))
	if r := []rune(content); len(r) > maxChars {
		content = string(r[:maxChars]) + truncationMarker
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Format(timestampLayout), m.Author, content)
}
