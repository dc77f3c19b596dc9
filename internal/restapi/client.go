// Package restapi is the HTTP client for the messaging server's REST API.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/state"
)

const defaultTimeout = 15 * time.Second

// ErrNotFound matches a 404 response.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, msg)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the REST API on behalf of one user.
type Client struct {
	base   *url.URL
	token  string
	userID string
	http   *http.Client
	logger *zap.Logger
}

// New validates the base URL and returns a client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:   base,
		token:  cfg.Token,
		userID: cfg.UserID,
		http:   hc,
		logger: logger.Named("restapi"),
	}, nil
}

// SendRequest is the body of POST /conversations/:id/messages.
type SendRequest struct {
	Content     string            `json:"content"`
	Type        state.MessageType `json:"type"`
	Priority    state.Priority    `json:"priority"`
	ReplyToID   string            `json:"replyToId,omitempty"`
	ClientID    string            `json:"clientId,omitempty"`
	IsEncrypted bool              `json:"isEncrypted"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// NewConversation is the body of POST /conversations.
type NewConversation struct {
	Name         string                 `json:"name,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Type         state.ConversationType `json:"type"`
	Participants []string               `json:"participants"`
}

// SearchQuery filters GET /messages/search.
type SearchQuery struct {
	Query          string
	ConversationID string
	Type           state.MessageType
	SenderID       string
}

// UnreadCounts is the body of GET /messages/unread-count.
type UnreadCounts struct {
	Total         int            `json:"total"`
	Conversations map[string]int `json:"conversations"`
}

func (c *Client) ListConversations(ctx context.Context) ([]state.Conversation, error) {
	var out []state.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context, req NewConversation) (state.Conversation, error) {
	var out state.Conversation
	err := c.do(ctx, http.MethodPost, "/conversations", nil, req, &out)
	return out, err
}

// ListMessages returns one page of a conversation's messages, oldest first.
// offset counts messages back from the newest.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]state.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []state.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (state.Message, error) {
	var out state.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.do(ctx, http.MethodPost, path, nil, req, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil, nil)
}

func (c *Client) SearchMessages(ctx context.Context, sq SearchQuery) ([]state.Message, error) {
	q := url.Values{}
	q.Set("q", sq.Query)
	if sq.ConversationID != "" {
		q.Set("conversationId", sq.ConversationID)
	}
	if sq.Type != "" {
		q.Set("type", string(sq.Type))
	}
	if sq.SenderID != "" {
		q.Set("senderId", sq.SenderID)
	}
	var out []state.Message
	if err := c.do(ctx, http.MethodGet, "/messages/search", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UnreadCounts(ctx context.Context) (UnreadCounts, error) {
	var out UnreadCounts
	err := c.do(ctx, http.MethodGet, "/messages/unread-count", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(msg)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
