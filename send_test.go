package omnidesk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	got     SendRequest
	confirm *Message
	err     error
	// observed is the store state at the moment the request goes out.
	observed []Message
	store    *ConversationStore
	key      string
}

func (f *fakeSender) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	f.got = req
	if f.store != nil {
		f.observed = f.store.Messages(f.key)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.confirm, nil
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	store := NewConversationStore()
	sender := &fakeSender{
		store: store,
		key:   "conv",
		confirm: &Message{
			ServerID: "srv-1", ClientID: "fixed-id",
			Direction: DirectionOutgoing, Status: StatusSent,
			Timestamp: ts(2),
		},
	}
	composer := NewComposer(sender, store,
		WithIDGenerator(func() string { return "fixed-id" }),
		WithComposerClock(func() time.Time { return ts(1) }),
	)

	confirmed, err := composer.Send(context.Background(), "conv", SendRequest{
		Content: TextContent("hello"),
		Channel: "whatsapp",
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", confirmed.ServerID)

	// The optimistic copy was visible before the request completed.
	require.Len(t, sender.observed, 1)
	assert.Equal(t, StatusPending, sender.observed[0].Status)
	assert.True(t, sender.observed[0].Pending)
	assert.Equal(t, "fixed-id", sender.observed[0].ClientID)

	// The confirmation merged onto it rather than adding a second entry.
	msgs := store.Messages("conv")
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ServerID)
	assert.Equal(t, "fixed-id", msgs[0].ClientID)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.False(t, msgs[0].Pending)
	assert.Equal(t, "hello", msgs[0].Content.Text)

	assert.Equal(t, "conv", sender.got.To, "recipient defaults to the conversation key")
	assert.Equal(t, "fixed-id", sender.got.ClientID)
}

func TestSendFailureMarksError(t *testing.T) {
	store := NewConversationStore()
	sender := &fakeSender{err: errors.New("gateway timeout")}
	composer := NewComposer(sender, store,
		WithIDGenerator(func() string { return "fixed-id" }),
		WithComposerClock(func() time.Time { return ts(1) }),
	)

	_, err := composer.Send(context.Background(), "conv", SendRequest{Content: TextContent("hello")})
	require.Error(t, err)

	msgs := store.Messages("conv")
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusError, msgs[0].Status)
	assert.Equal(t, "hello", msgs[0].Content.Text, "the failed attempt stays visible")
}

func TestSendConfirmationWithoutEchoStillCollapses(t *testing.T) {
	store := NewConversationStore()
	// Backend drops the client_id echo entirely.
	sender := &fakeSender{confirm: &Message{
		ServerID: "srv-1", Status: StatusSent, Timestamp: ts(2),
	}}
	composer := NewComposer(sender, store,
		WithIDGenerator(func() string { return "fixed-id" }),
		WithComposerClock(func() time.Time { return ts(1) }),
	)

	_, err := composer.Send(context.Background(), "conv", SendRequest{Content: TextContent("hi")})
	require.NoError(t, err)

	msgs := store.Messages("conv")
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ServerID)
	assert.Equal(t, "fixed-id", msgs[0].ClientID)
}
