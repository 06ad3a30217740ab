package omnidesk

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// roomState tracks one conversation channel's subscription lifecycle:
// unsubscribed -> subscribing -> subscribed -> (disconnect) unsubscribed.
type roomState string

const (
	roomUnsubscribed roomState = "unsubscribed"
	roomSubscribing  roomState = "subscribing"
	roomSubscribed   roomState = "subscribed"
)

// RoomName derives the realtime channel name for a conversation key.
func RoomName(key string) string {
	return "conversation:" + key
}

// Adapter connects a Transport to a ConversationStore. It owns the room
// subscription state machine, re-joins every held room after a reconnect
// (server-side subscription state is not assumed to survive one), and
// routes inbound message events into the store. Malformed events and
// events not authorized for the session's agent are dropped silently.
// Duplicates and out-of-order delivery are not errors at all, the store's
// merge absorbs them.
type Adapter struct {
	transport Transport
	store     *ConversationStore
	log       *slog.Logger
	metrics   *Metrics

	mu    sync.Mutex
	rooms map[string]roomState

	joinTimeout time.Duration
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the adapter logger.
func WithAdapterLogger(log *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.log = log }
}

// WithAdapterMetrics sets the adapter metric sink.
func WithAdapterMetrics(m *Metrics) AdapterOption {
	return func(a *Adapter) { a.metrics = m }
}

// NewAdapter wires a transport into a store and registers all event
// handlers. The returned adapter satisfies RoomSubscriber, so it can be
// handed back to the store via WithRooms.
func NewAdapter(transport Transport, store *ConversationStore, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		transport:   transport,
		store:       store,
		log:         slog.Default(),
		rooms:       make(map[string]roomState),
		joinTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}

	transport.On(EventMessageNew, a.handleMessageEvent)
	transport.On(EventMessageUpdate, a.handleMessageEvent)
	transport.OnConnected(a.handleConnected)
	transport.OnDisconnected(a.handleDisconnected)
	transport.OnReconnecting(func(attempt int, delay time.Duration) {
		a.metrics.reconnect()
		a.log.Info("transport reconnecting", "attempt", attempt, "delay", delay)
	})

	return a
}

// Join subscribes the conversation's room. Idempotent: a room already
// subscribed or mid-subscribe is left alone.
func (a *Adapter) Join(key string) {
	a.mu.Lock()
	switch a.rooms[key] {
	case roomSubscribed, roomSubscribing:
		a.mu.Unlock()
		return
	}
	a.rooms[key] = roomSubscribing
	a.mu.Unlock()

	go a.join(key)
}

func (a *Adapter) join(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.joinTimeout)
	defer cancel()

	err := a.transport.Join(ctx, RoomName(key))

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.rooms[key]; !held {
		return // released while the join was in flight
	}
	if err != nil {
		a.rooms[key] = roomUnsubscribed
		a.log.Warn("room join failed", "conversation", key, "error", err)
		return
	}
	a.rooms[key] = roomSubscribed
	a.log.Debug("room joined", "conversation", key)
}

// Leave unsubscribes and forgets the conversation's room. Only called when
// a conversation is explicitly closed or removed — rooms are cheap to
// hold, and leaving early loses live events for conversations still
// reachable via back-navigation.
func (a *Adapter) Leave(key string) {
	a.mu.Lock()
	_, held := a.rooms[key]
	delete(a.rooms, key)
	a.mu.Unlock()
	if !held {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.joinTimeout)
		defer cancel()
		if err := a.transport.Leave(ctx, RoomName(key)); err != nil {
			a.log.Warn("room leave failed", "conversation", key, "error", err)
		}
	}()
}

// Rooms returns the conversation keys with held rooms and their states.
func (a *Adapter) Rooms() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.rooms))
	for k, st := range a.rooms {
		out[k] = string(st)
	}
	return out
}

func (a *Adapter) handleConnected() {
	a.store.SetOnline(true)

	// Reconnect does not preserve server-side subscriptions: re-join every
	// room this adapter holds.
	a.mu.Lock()
	keys := make([]string, 0, len(a.rooms))
	for key := range a.rooms {
		a.rooms[key] = roomSubscribing
		keys = append(keys, key)
	}
	a.mu.Unlock()

	for _, key := range keys {
		go a.join(key)
	}
}

func (a *Adapter) handleDisconnected(code int, reason string) {
	a.store.SetOnline(false)

	a.mu.Lock()
	for key := range a.rooms {
		a.rooms[key] = roomUnsubscribed
	}
	a.mu.Unlock()

	a.log.Info("transport disconnected", "code", code, "reason", reason)
}

func (a *Adapter) handleMessageEvent(eventType string, payload json.RawMessage) {
	var ev MessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		a.metrics.dropped(DropMalformed)
		a.log.Warn("malformed realtime event", "event", eventType, "error", err)
		return
	}
	if ev.Conversation == "" || ev.Message.Timestamp.IsZero() {
		a.metrics.dropped(DropMalformed)
		a.log.Warn("realtime event missing required fields", "event", eventType)
		return
	}
	if !a.store.Agent().Allows(ev.Assignee, ev.Queue) {
		// Not an error: the event belongs to another agent or queue.
		a.metrics.dropped(DropUnauthorized)
		a.log.Debug("realtime event filtered", "event", eventType, "conversation", ev.Conversation)
		return
	}

	if ev.Assignee != "" || ev.Queue != "" || ev.Message.Channel != "" {
		a.store.SetConversationMeta(ev.Conversation, ConversationMeta{
			Assignee: ev.Assignee,
			Queue:    ev.Queue,
			Channel:  ev.Message.Channel,
		})
	}
	a.store.UpsertMessage(ev.Conversation, &ev.Message)
}
