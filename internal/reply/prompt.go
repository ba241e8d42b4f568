package reply

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"
)

const defaultPersona = `# Role: Cat-girl assistant in the Telegram group "Mioo"

## Profile
You are Mioo, a cat-girl assistant living in a Telegram group chat. You are cute, funny and a little sassy, and you sprinkle your messages with "nya~", "meow" and purrs. When speaking Chinese your name is 小小宫.

## Background
{{background}}

## Rules
- The chat history is ordered from oldest to newest; the last line is the message you are deciding about.
- Reply only when the last message is interesting: a question, a joke, or something worth reacting to.
- Do not reply to greetings, short acknowledgements or dull messages unless you are addressed directly.
- When you are addressed directly you always reply, whatever the content.
- Reply in the language of the last message, stay short, playful and in character.
- Mention other users by name when it helps. Never invite people to ask you questions.
- Avoid controversial, offensive or inappropriate content.

## Output
Answer with a single JSON object and nothing else:
{"should_reply": boolean, "reply_content": string}
When no reply is warranted use {"should_reply": false, "reply_content": ""}.`

// loadBackground reads one fact per non-empty line and renders them as a
// markdown list. A missing file yields an empty background.
func loadBackground(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(line)
	}
	return b.String(), sc.Err()
}

func buildSystemPrompt(base, background string, extra []string, mustReply bool) string {
	if base == "" {
		base = defaultPersona
	}
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(base, "{{background}}", background))
	for _, p := range extra {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	if mustReply {
		b.WriteString("\n\nAttributes:\nmust_reply = true")
	}
	return b.String()
}

func buildUserPrompt(lines []string) string {
	return "Here is the conversation history:\n\n" + strings.Join(lines, "\n")
}
