package omnidesk

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport captures registered handlers and room commands so tests can
// drive the adapter without a live connection.
type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string][]EventHandler
	connected    []func()
	disconnected []func(int, string)
	joined       []string
	left         []string
	joinErr      error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]EventHandler)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }

func (f *fakeTransport) Join(ctx context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, room)
	return nil
}

func (f *fakeTransport) Leave(ctx context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, room)
	return nil
}

func (f *fakeTransport) On(eventType string, h EventHandler) {
	f.handlers[eventType] = append(f.handlers[eventType], h)
}

func (f *fakeTransport) OnConnected(h func()) { f.connected = append(f.connected, h) }
func (f *fakeTransport) OnDisconnected(h func(int, string)) {
	f.disconnected = append(f.disconnected, h)
}
func (f *fakeTransport) OnReconnecting(h func(int, time.Duration)) {}
func (f *fakeTransport) State() ConnState                          { return StateConnected }

func (f *fakeTransport) emit(eventType string, payload any) {
	data, _ := json.Marshal(payload)
	for _, h := range f.handlers[eventType] {
		h(eventType, data)
	}
}

func (f *fakeTransport) emitConnected() {
	for _, h := range f.connected {
		h()
	}
}

func (f *fakeTransport) emitDisconnected(code int, reason string) {
	for _, h := range f.disconnected {
		h(code, reason)
	}
}

func (f *fakeTransport) joinedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.joined...)
}

func waitForRoomState(t *testing.T, a *Adapter, key, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.Rooms()[key] == want
	}, time.Second, time.Millisecond)
}

func TestAdapterRoutesMessageEvents(t *testing.T) {
	transport := newFakeTransport()
	store := NewConversationStore()
	NewAdapter(transport, store)

	transport.emit(EventMessageNew, MessageEvent{
		Conversation: "conv",
		Assignee:     "agent-1",
		Message: Message{
			ServerID: "m1", Direction: DirectionIncoming,
			Timestamp: ts(1), Content: Content{Kind: ContentText, Text: "hi"},
			Channel: "telegram",
		},
	})

	msgs := store.Messages("conv")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ServerID)

	c, ok := store.Conversation("conv")
	require.True(t, ok)
	assert.Equal(t, "agent-1", c.Meta.Assignee)
	assert.Equal(t, "telegram", c.Meta.Channel)
}

func TestAdapterDropsMalformedEvents(t *testing.T) {
	transport := newFakeTransport()
	store := NewConversationStore()
	NewAdapter(transport, store)

	// No conversation key.
	transport.emit(EventMessageNew, MessageEvent{
		Message: Message{ServerID: "m1", Timestamp: ts(1)},
	})
	// No timestamp.
	transport.emit(EventMessageNew, MessageEvent{
		Conversation: "conv",
		Message:      Message{ServerID: "m2"},
	})

	assert.Empty(t, store.Conversations())
}

func TestAdapterDropsUnauthorizedEvents(t *testing.T) {
	transport := newFakeTransport()
	store := NewConversationStore(WithAgent(Agent{ID: "me", Queues: []string{"billing"}}))
	NewAdapter(transport, store)

	transport.emit(EventMessageNew, MessageEvent{
		Conversation: "conv",
		Assignee:     "someone-else",
		Queue:        "sales",
		Message:      Message{ServerID: "m1", Timestamp: ts(1)},
	})
	assert.Empty(t, store.Messages("conv"))

	transport.emit(EventMessageNew, MessageEvent{
		Conversation: "conv",
		Queue:        "billing",
		Message:      Message{ServerID: "m2", Timestamp: ts(2)},
	})
	assert.Len(t, store.Messages("conv"), 1)
}

func TestAdapterJoinIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	store := NewConversationStore()
	a := NewAdapter(transport, store)

	a.Join("conv")
	waitForRoomState(t, a, "conv", "subscribed")
	a.Join("conv")

	assert.Equal(t, []string{RoomName("conv")}, transport.joinedRooms())
}

func TestAdapterRejoinsRoomsOnReconnect(t *testing.T) {
	transport := newFakeTransport()
	store := NewConversationStore()
	a := NewAdapter(transport, store)

	a.Join("a")
	a.Join("b")
	waitForRoomState(t, a, "a", "subscribed")
	waitForRoomState(t, a, "b", "subscribed")

	transport.emitDisconnected(0, "read error")
	assert.False(t, store.Online())
	assert.Equal(t, "unsubscribed", a.Rooms()["a"])

	transport.emitConnected()
	assert.True(t, store.Online())
	waitForRoomState(t, a, "a", "subscribed")
	waitForRoomState(t, a, "b", "subscribed")

	assert.Len(t, transport.joinedRooms(), 4, "both rooms re-joined after reconnect")
}

func TestAdapterLeaveForgetsRoom(t *testing.T) {
	transport := newFakeTransport()
	store := NewConversationStore()
	a := NewAdapter(transport, store)

	a.Join("conv")
	waitForRoomState(t, a, "conv", "subscribed")

	a.Leave("conv")
	_, held := a.Rooms()["conv"]
	assert.False(t, held)

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.left) == 1
	}, time.Second, time.Millisecond)
}
