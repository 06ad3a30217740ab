// Package omnidesk is the Go client core for the Omnidesk omnichannel
// customer-service platform: the agent console's conversation state engine
// plus the REST and realtime plumbing it feeds on.
//
// The centerpiece is the ConversationStore, which reconciles optimistic
// local sends, REST history pages and realtime push events into one
// ordered, deduplicated message window per conversation. Delivery from the
// network carries no ordering guarantee; the merge policy and ordered
// sequence are built so duplicate and out-of-order arrival converge to the
// same state.
//
// Example:
//
//	client := omnidesk.NewClient(token)
//	store := omnidesk.NewConversationStore(omnidesk.WithReadSyncer(client))
//	transport := omnidesk.NewWSTransport(client.BaseURL(), &omnidesk.TransportConfig{Token: token, AutoReconnect: true})
//	adapter := omnidesk.NewAdapter(transport, store)
//	store.SetRooms(adapter)
//
//	transport.Connect(ctx)
//	store.SelectConversation("wa:+15550100")
package omnidesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.omnidesk.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Omnidesk REST API client.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout overrides the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Omnidesk client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("request failed")
	}
	return res, nil
}

// ============================================================================
// Message history
// ============================================================================

// FetchOptions parameterizes a message history fetch.
type FetchOptions struct {
	Conversation string
	Limit        int
	// Before restricts the page to messages strictly older than this
	// instant. Zero means newest page.
	Before time.Time
	// Descending requests newest-first ordering (the pagination loader's
	// native page shape).
	Descending bool
}

// FetchMessages retrieves a page of message history.
func (c *Client) FetchMessages(ctx context.Context, opts FetchOptions) ([]Message, error) {
	if opts.Conversation == "" {
		return nil, fmt.Errorf("conversation key is required")
	}
	query := map[string]string{"conversation": opts.Conversation}
	if opts.Limit > 0 {
		query["limit"] = fmt.Sprintf("%d", opts.Limit)
	}
	if !opts.Before.IsZero() {
		query["before"] = fmt.Sprintf("%d", opts.Before.UnixMilli())
	}
	if opts.Descending {
		query["sort"] = "desc"
	} else {
		query["sort"] = "asc"
	}

	res, err := c.do(ctx, "GET", "/api/v1/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// ============================================================================
// Sending
// ============================================================================

// SendRequest describes an outbound message.
type SendRequest struct {
	To       string
	Channel  string
	Type     string
	Content  Content
	ReplyTo  string
	ClientID string
}

// SendMessage posts an outbound message and returns the backend's
// confirmation record. The confirmation carries the server-assigned ids
// and echoes the client correlation id, so merging it back through the
// store collapses it onto the optimistic local copy.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	if req.To == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	msgType := req.Type
	if msgType == "" {
		msgType = "text"
	}
	content := req.Content
	if content.Kind == "" {
		content.Kind = ContentText
	}
	contentStr := content.Preview()
	if content.Kind == ContentMedia {
		b, err := json.Marshal(mediaContent{URL: content.URL, Filename: content.Filename, Caption: content.Caption})
		if err != nil {
			return nil, err
		}
		contentStr = string(b)
	}

	payload := map[string]any{
		"to":      req.To,
		"channel": req.Channel,
		"type":    msgType,
		"content": contentStr,
	}
	if req.ClientID != "" {
		payload["client_id"] = req.ClientID
	}
	if req.ReplyTo != "" {
		payload["reply_to"] = req.ReplyTo
	}

	res, err := c.do(ctx, "POST", "/api/v1/send", payload, nil)
	if err != nil {
		return nil, err
	}
	var confirmation struct {
		Message Message `json:"message"`
	}
	if err := res.Decode(&confirmation); err != nil {
		return nil, fmt.Errorf("failed to decode send confirmation: %w", err)
	}
	return &confirmation.Message, nil
}

// ============================================================================
// Read-state sync
// ============================================================================

// SyncReadStatus pushes the local read cursor to the backend. Implements
// ReadSyncer.
func (c *Client) SyncReadStatus(ctx context.Context, key string, lastRead time.Time) error {
	payload := map[string]any{"last_read": lastRead.UnixMilli()}
	_, err := c.do(ctx, "PUT", "/api/v1/read-status/"+url.PathEscape(key), payload, nil)
	return err
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations retrieves the agent's conversation list.
func (c *Client) ListConversations(ctx context.Context, withUnread bool) ([]ConversationSummary, error) {
	var query map[string]string
	if withUnread {
		query = map[string]string{"with_unread": "true"}
	}
	res, err := c.do(ctx, "GET", "/api/v1/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	var wire []wireConversation
	if err := res.Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	out := make([]ConversationSummary, 0, len(wire))
	for _, w := range wire {
		summary := ConversationSummary{
			Key: w.Key,
			Meta: ConversationMeta{
				Channel:     w.Channel,
				Assignee:    w.Assignee,
				Queue:       w.Queue,
				Status:      ConversationStatus(w.Status),
				ContactName: w.ContactName,
			},
			Preview: w.Preview,
			Unread:  w.Unread,
		}
		if w.LastActivity != "" {
			if ts, err := time.Parse(time.RFC3339Nano, w.LastActivity); err == nil {
				summary.LastActivity = ts
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// ============================================================================
// Realtime rooms (REST side, used by the SSE transport)
// ============================================================================

// JoinRoom subscribes the session to a realtime room via REST.
func (c *Client) JoinRoom(ctx context.Context, room string) error {
	_, err := c.do(ctx, "POST", "/api/v1/realtime/rooms/"+url.PathEscape(room)+"/join", nil, nil)
	return err
}

// LeaveRoom unsubscribes the session from a realtime room via REST.
func (c *Client) LeaveRoom(ctx context.Context, room string) error {
	_, err := c.do(ctx, "POST", "/api/v1/realtime/rooms/"+url.PathEscape(room)+"/leave", nil, nil)
	return err
}
