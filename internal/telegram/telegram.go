package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/comigor/mioo-go/internal/retry"
)

// MaxMessageRunes keeps outgoing text under Telegram's 4096 character cap.
const MaxMessageRunes = 3900

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase:    strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		policy:     retry.DefaultPolicy,
	}
}

// BotURL joins the API host and a bot token.
func BotURL(apiHost, token string) string {
	return strings.TrimRight(apiHost, "/") + "/bot" + token
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
}

// FullName joins first and last name.
func (u *User) FullName() string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// IsGroup reports whether the chat is a group or supergroup.
func (c Chat) IsGroup() bool { return c.Type == "group" || c.Type == "supergroup" }

type Message struct {
	MessageID      int64    `json:"message_id"`
	From           *User    `json:"from,omitempty"`
	Chat           Chat     `json:"chat"`
	Date           int64    `json:"date"`
	Text           string   `json:"text,omitempty"`
	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if !tgResp.OK {
		code := tgResp.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, &retry.HTTPStatusError{StatusCode: code, Body: tgResp.Description}
	}
	return tgResp.Result, nil
}

// GetUpdates long-polls for new updates. Only message updates are returned.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequest(http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	result, err := c.call(ctx, "getUpdates", req)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse getUpdates result: %w", err)
	}
	return updates, nil
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	req, err := http.NewRequest(http.MethodGet, c.apiBase+"/getMe", nil)
	if err != nil {
		return User{}, err
	}
	result, err := c.call(ctx, "getMe", req)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := json.Unmarshal(result, &u); err != nil {
		return User{}, fmt.Errorf("failed to parse getMe result: %w", err)
	}
	return u, nil
}

type sendMessageRequest struct {
	ChatID           int64  `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

// SendMessage sends text to a chat, optionally as a reply. Transient
// failures are retried.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:           chatID,
		Text:             truncate(text, MaxMessageRunes),
		ReplyToMessageID: replyTo,
	})
	if err != nil {
		return err
	}
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequest(http.MethodPost, c.apiBase+"/sendMessage", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		_, err = c.call(ctx, "sendMessage", req)
		return err
	})
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
