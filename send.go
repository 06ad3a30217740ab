package omnidesk

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MessageSender posts an outbound message and returns the backend's
// confirmation. *Client implements it; tests substitute fakes.
type MessageSender interface {
	SendMessage(ctx context.Context, req SendRequest) (*Message, error)
}

// Composer performs optimistic sends: the message appears in the local
// window immediately with a pending status and a fresh client correlation
// id, then the backend confirmation merges onto it, or a failed request
// flags it in place with an error status. There is no automatic retry;
// resending a failed message is an explicit caller action.
type Composer struct {
	sender MessageSender
	store  *ConversationStore
	log    *slog.Logger
	newID  func() string
	now    func() time.Time
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithComposerLogger sets the composer logger.
func WithComposerLogger(log *slog.Logger) ComposerOption {
	return func(c *Composer) { c.log = log }
}

// WithIDGenerator overrides client correlation id generation. Used by
// tests.
func WithIDGenerator(fn func() string) ComposerOption {
	return func(c *Composer) { c.newID = fn }
}

// WithComposerClock overrides the time source. Used by tests.
func WithComposerClock(now func() time.Time) ComposerOption {
	return func(c *Composer) { c.now = now }
}

// NewComposer creates a composer sending through sender and reflecting
// state into store.
func NewComposer(sender MessageSender, store *ConversationStore, opts ...ComposerOption) *Composer {
	c := &Composer{
		sender: sender,
		store:  store,
		log:    slog.Default(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send dispatches an outbound message on a conversation. The optimistic
// local copy is inserted before the request goes out, keyed by its client
// id; the returned confirmation (or a later realtime event echoing the
// client id) merges onto that same entry. When req.To is empty the
// conversation key is used as the recipient address.
func (c *Composer) Send(ctx context.Context, key string, req SendRequest) (*Message, error) {
	clientID := c.newID()
	if req.To == "" {
		req.To = key
	}
	if req.Type == "" {
		req.Type = "text"
	}
	if req.Content.Kind == "" {
		req.Content.Kind = ContentText
	}
	req.ClientID = clientID

	optimistic := &Message{
		ClientID:        clientID,
		ConversationKey: key,
		Direction:       DirectionOutgoing,
		Status:          StatusPending,
		Timestamp:       c.now().UTC(),
		Content:         req.Content,
		Type:            req.Type,
		Channel:         req.Channel,
		ReplyTo:         req.ReplyTo,
		Pending:         true,
	}
	c.store.UpsertMessage(key, optimistic)

	confirmed, err := c.sender.SendMessage(ctx, req)
	if err != nil {
		c.store.MarkMessageError(key, clientID)
		c.log.Warn("send failed", "conversation", key, "client_id", clientID, "error", err)
		return nil, err
	}

	// The merge needs the client id to collapse the confirmation onto the
	// optimistic entry; restore it if the backend dropped the echo.
	if confirmed.ClientID == "" {
		confirmed.ClientID = clientID
	}
	if confirmed.ConversationKey == "" {
		confirmed.ConversationKey = key
	}
	if confirmed.Direction == "" {
		confirmed.Direction = DirectionOutgoing
	}
	c.store.UpsertMessage(key, confirmed)
	c.log.Debug("send confirmed", "conversation", key, "client_id", clientID, "server_id", confirmed.ServerID)
	return confirmed, nil
}
