package omnidesk

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Message Model
// ============================================================================

// Direction indicates whether a message was received from the customer or
// sent by the agent side.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is the delivery state of a message. See statusRank in merge.go for
// the total order used during reconciliation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusError     Status = "error"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// ContentKind tags the content variant of a message.
type ContentKind string

const (
	ContentText    ContentKind = "text"
	ContentMedia   ContentKind = "media"
	ContentUnknown ContentKind = "unknown"
)

// Content is the tagged payload of a message. Exactly one variant is
// meaningful depending on Kind; media fields and Raw are zero otherwise.
type Content struct {
	Kind     ContentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	URL      string      `json:"url,omitempty"`
	Filename string      `json:"filename,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	Raw      string      `json:"raw,omitempty"`
}

// TextContent builds a plain-text content payload.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// MediaContent builds a media content payload.
func MediaContent(url, filename, caption string) Content {
	return Content{Kind: ContentMedia, URL: url, Filename: filename, Caption: caption}
}

// IsZero reports whether no content variant is set.
func (c Content) IsZero() bool {
	return c.Kind == "" && c.Text == "" && c.URL == "" && c.Raw == ""
}

// Preview returns a short human-readable form used for conversation
// preview lines.
func (c Content) Preview() string {
	switch c.Kind {
	case ContentText:
		return c.Text
	case ContentMedia:
		if c.Caption != "" {
			return c.Caption
		}
		return c.Filename
	default:
		return c.Raw
	}
}

// Message is a single chat event. A message carries up to three identity
// aliases: ServerID (canonical backend id), ProviderID (the external
// messaging platform's id) and ClientID (local correlation id generated at
// optimistic send time). A purely local optimistic message has only a
// ClientID and Pending=true.
type Message struct {
	ServerID   string
	ProviderID string
	ClientID   string

	ConversationKey string
	Direction       Direction
	Status          Status
	Timestamp       time.Time
	Content         Content
	Type            string
	Channel         string

	// ReplyTo is a weak reference to another message's identity; the
	// referenced message may not be loaded.
	ReplyTo string

	// Pending marks a message that has no server-origin identifier yet.
	Pending bool
}

// HasServerOrigin reports whether any server-origin identifier is present.
func (m *Message) HasServerOrigin() bool {
	return m.ServerID != "" || m.ProviderID != ""
}

// wireMessage is the JSON representation used by the REST API and realtime
// events. Timestamps arrive either as created_at (RFC 3339) or as a
// millisecond epoch in timestamp; created_at wins when both are set.
type wireMessage struct {
	ID             string `json:"id,omitempty"`
	ProviderID     string `json:"provider_id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Conversation   string `json:"conversation,omitempty"`
	Direction      string `json:"direction,omitempty"`
	Status         string `json:"status,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	TimestampMilli int64  `json:"timestamp,omitempty"`
	Content        string `json:"content,omitempty"`
	Type           string `json:"type,omitempty"`
	Channel        string `json:"channel,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
}

// mediaContent mirrors the JSON-in-string encoding media connectors use for
// the content field.
type mediaContent struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// UnmarshalJSON decodes the wire form of a message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := w.toMessage()
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

// MarshalJSON encodes the wire form of a message.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:           m.ServerID,
		ProviderID:   m.ProviderID,
		ClientID:     m.ClientID,
		Conversation: m.ConversationKey,
		Direction:    string(m.Direction),
		Status:       string(m.Status),
		Type:         m.Type,
		Channel:      m.Channel,
		ReplyTo:      m.ReplyTo,
	}
	if !m.Timestamp.IsZero() {
		w.CreatedAt = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	switch m.Content.Kind {
	case ContentMedia:
		b, err := json.Marshal(mediaContent{URL: m.Content.URL, Filename: m.Content.Filename, Caption: m.Content.Caption})
		if err != nil {
			return nil, err
		}
		w.Content = string(b)
	case ContentText:
		w.Content = m.Content.Text
	default:
		w.Content = m.Content.Raw
	}
	return json.Marshal(w)
}

func (w *wireMessage) toMessage() (*Message, error) {
	msg := &Message{
		ServerID:        w.ID,
		ProviderID:      w.ProviderID,
		ClientID:        w.ClientID,
		ConversationKey: w.Conversation,
		Direction:       Direction(w.Direction),
		Status:          Status(w.Status),
		Type:            w.Type,
		Channel:         w.Channel,
		ReplyTo:         w.ReplyTo,
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	switch {
	case w.CreatedAt != "":
		ts, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at %q: %w", w.CreatedAt, err)
		}
		msg.Timestamp = ts
	case w.TimestampMilli != 0:
		msg.Timestamp = time.UnixMilli(w.TimestampMilli).UTC()
	}
	msg.Content = parseContent(w.Type, w.Content)
	msg.Pending = !msg.HasServerOrigin()
	return msg, nil
}

// parseContent maps the wire type + content string onto the tagged variant.
// Media connectors encode media payloads as JSON inside the content string;
// anything that fails to decode stays Unknown rather than being guessed at.
func parseContent(msgType, content string) Content {
	switch msgType {
	case "", "text":
		return TextContent(content)
	case "image", "audio", "video", "file", "document", "media":
		var mc mediaContent
		if err := json.Unmarshal([]byte(content), &mc); err == nil && mc.URL != "" {
			return MediaContent(mc.URL, mc.Filename, mc.Caption)
		}
		return Content{Kind: ContentUnknown, Raw: content}
	default:
		return Content{Kind: ContentUnknown, Raw: content}
	}
}

// ============================================================================
// Conversation Model
// ============================================================================

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// ConversationMeta holds the non-message attributes of a conversation.
// Zero-valued fields are ignored by SetConversationMeta.
type ConversationMeta struct {
	Channel      string             `json:"channel,omitempty"`
	Assignee     string             `json:"assignee,omitempty"`
	Queue        string             `json:"queue,omitempty"`
	Status       ConversationStatus `json:"status,omitempty"`
	ContactName  string             `json:"contact_name,omitempty"`
	ContactPhone string             `json:"contact_phone,omitempty"`
}

// ConversationSummary is a read-only snapshot of a conversation's state as
// held by the store.
type ConversationSummary struct {
	Key          string
	Meta         ConversationMeta
	Preview      string
	LastActivity time.Time
	Unread       int
	LastRead     time.Time
	Messages     int
}

// wireConversation is the JSON representation returned by the
// conversations listing endpoint.
type wireConversation struct {
	Key          string `json:"key"`
	Channel      string `json:"channel,omitempty"`
	Assignee     string `json:"assignee,omitempty"`
	Queue        string `json:"queue,omitempty"`
	Status       string `json:"status,omitempty"`
	ContactName  string `json:"contact_name,omitempty"`
	Preview      string `json:"preview,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
	Unread       int    `json:"unread,omitempty"`
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
