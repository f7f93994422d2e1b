package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Update is the subset of the Bot API update payload the pipeline inspects.
type Update struct {
	UpdateID      int64              `json:"update_id"`
	Message       *Message           `json:"message,omitempty"`
	EditedMessage *Message           `json:"edited_message,omitempty"`
	MyChatMember  *ChatMemberUpdated `json:"my_chat_member,omitempty"`
}

// Msg returns the message or edited message carried by the update, if any.
func (u *Update) Msg() *Message {
	if u.Message != nil {
		return u.Message
	}
	return u.EditedMessage
}

type Message struct {
	MessageID       int64  `json:"message_id"`
	Text            string `json:"text,omitempty"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
	Date            int64  `json:"date,omitempty"`
	Chat            Chat   `json:"chat"`
	From            *User  `json:"from,omitempty"`
}

type Chat struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	IsForum bool   `json:"is_forum,omitempty"`
}

// IsGroup reports whether the chat is a group or supergroup context.
func (c Chat) IsGroup() bool {
	return c.Type == "group" || c.Type == "supergroup"
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type ChatMemberUpdated struct {
	Chat          Chat       `json:"chat"`
	From          User       `json:"from"`
	OldChatMember ChatMember `json:"old_chat_member"`
	NewChatMember ChatMember `json:"new_chat_member"`
}

type ChatMember struct {
	Status          string `json:"status"`
	CanManageTopics bool   `json:"can_manage_topics,omitempty"`
}

// Joined reports whether the transition represents the bot being added to
// the chat (left/kicked to member/administrator).
func (m *ChatMemberUpdated) Joined() bool {
	old := m.OldChatMember.Status
	now := m.NewChatMember.Status
	return (old == "left" || old == "kicked") && (now == "member" || now == "administrator")
}

// SendMessageParams shapes a sendMessage call. A zero ThreadID or ReplyTo is
// omitted from the request.
type SendMessageParams struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
	ThreadID  int64  `json:"message_thread_id,omitempty"`
	ReplyTo   int64  `json:"reply_to_message_id,omitempty"`
}

// ActionTyping is the chat action used as the liveness signal.
const ActionTyping = "typing"

// APIError is a Bot API call that returned ok=false.
type APIError struct {
	Method      string
	ErrorCode   int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s failed with code %d: %s", e.Method, e.ErrorCode, e.Description)
}

// IsParseError reports whether the error is the Bot API complaining about
// message entity parsing, which the dispatcher handles by escaping and
// retrying.
func (e *APIError) IsParseError() bool {
	return e.ErrorCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(e.Description), "parse entities")
}

// tokenPayload is the expected JSON shape stored in SSM for the bot token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client is a focused Bot API client covering the calls the pipeline makes.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore getter for bot
// token retrieval. The token is fetched from SSM on the first API call and
// reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("telegram: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("telegram: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.telegram.org",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/telegram-bot-token")
		if err != nil {
			c.tokenErr = fmt.Errorf("telegram: fetch bot token: %w", err)
			return
		}
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			c.tokenErr = fmt.Errorf("telegram: unmarshal bot token value as JSON: %w", err)
			return
		}
		if tp.Token == "" {
			c.tokenErr = errors.New("telegram: bot token is empty")
			return
		}
		c.token = tp.Token
	})
	return c.token, c.tokenErr
}

// apiResponse is the Bot API envelope around every method result.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return &APIError{Method: method, ErrorCode: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, params SendMessageParams) error {
	if params.Text == "" {
		return errors.New("telegram: message text must not be empty")
	}
	return c.call(ctx, "sendMessage", params, nil)
}

// SendChatAction sends a chat action such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID, threadID int64, action string) error {
	params := struct {
		ChatID   int64  `json:"chat_id"`
		Action   string `json:"action"`
		ThreadID int64  `json:"message_thread_id,omitempty"`
	}{ChatID: chatID, Action: action, ThreadID: threadID}
	return c.call(ctx, "sendChatAction", params, nil)
}

// LeaveChat removes the bot from a chat.
func (c *Client) LeaveChat(ctx context.Context, chatID int64) error {
	params := struct {
		ChatID int64 `json:"chat_id"`
	}{ChatID: chatID}
	return c.call(ctx, "leaveChat", params, nil)
}

// GetChat fetches chat details, including whether topics are enabled.
func (c *Client) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	params := struct {
		ChatID int64 `json:"chat_id"`
	}{ChatID: chatID}
	var chat Chat
	if err := c.call(ctx, "getChat", params, &chat); err != nil {
		return Chat{}, err
	}
	return chat, nil
}

// GetMe fetches the bot's own user record.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var me User
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return User{}, err
	}
	return me, nil
}

// GetChatMember fetches a member's status and permissions within a chat.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (ChatMember, error) {
	params := struct {
		ChatID int64 `json:"chat_id"`
		UserID int64 `json:"user_id"`
	}{ChatID: chatID, UserID: userID}
	var member ChatMember
	if err := c.call(ctx, "getChatMember", params, &member); err != nil {
		return ChatMember{}, err
	}
	return member, nil
}

// CreateForumTopic creates a new topic in a forum supergroup and returns its
// thread ID.
func (c *Client) CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error) {
	params := struct {
		ChatID int64  `json:"chat_id"`
		Name   string `json:"name"`
	}{ChatID: chatID, Name: name}
	var topic struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := c.call(ctx, "createForumTopic", params, &topic); err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}
