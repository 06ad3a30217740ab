package omnidesk

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RoomSubscriber is the store's hook into the realtime adapter. Join is
// called when a conversation becomes active; Leave only when a
// conversation is explicitly released. Both are best-effort — the adapter
// owns the actual subscription state machine.
type RoomSubscriber interface {
	Join(key string)
	Leave(key string)
}

// ReadSyncer pushes the local read cursor to the backend. The in-memory
// model does not depend on it; it only keeps unread counts consistent
// across sessions.
type ReadSyncer interface {
	SyncReadStatus(ctx context.Context, key string, lastRead time.Time) error
}

// Agent identifies the signed-in agent for event authorization.
type Agent struct {
	ID     string
	Queues []string
}

// Allows reports whether an event routed with the given assignee and queue
// is relevant to this agent. An empty Agent disables filtering; unrouted
// events (no assignee, no queue) always pass.
func (a Agent) Allows(assignee, queue string) bool {
	if a.ID == "" && len(a.Queues) == 0 {
		return true
	}
	if assignee == "" && queue == "" {
		return true
	}
	if assignee != "" && assignee == a.ID {
		return true
	}
	for _, q := range a.Queues {
		if queue != "" && queue == q {
			return true
		}
	}
	return false
}

// conversation is the store's per-thread state.
type conversation struct {
	meta         ConversationMeta
	seq          Sequence
	unread       int
	lastRead     time.Time
	preview      string
	lastActivity time.Time
}

// ConversationStore holds all conversation state for one agent session:
// message sequences, metadata, unread counters and read cursors. It is the
// single mutable shared resource: the realtime adapter, the pagination
// loader and the composer all mutate it only through these methods, which
// funnel into the same idempotent upsert, so duplicate or out-of-order
// delivery converges to the same state regardless of arrival order.
//
// Construct one per session and tear it down with the session; tests can
// run any number of independent instances.
type ConversationStore struct {
	mu     sync.Mutex
	convs  map[string]*conversation
	active string
	online bool

	agent    Agent
	rooms    RoomSubscriber
	readSync ReadSyncer
	log      *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// StoreOption configures a ConversationStore.
type StoreOption func(*ConversationStore)

// WithAgent sets the agent identity used for event authorization.
func WithAgent(agent Agent) StoreOption {
	return func(s *ConversationStore) { s.agent = agent }
}

// WithRooms wires the realtime adapter's room subscription hooks.
func WithRooms(r RoomSubscriber) StoreOption {
	return func(s *ConversationStore) { s.rooms = r }
}

// SetRooms wires the room subscription hooks after construction. The
// adapter needs the store to exist first, so wiring usually happens in
// this order: store, transport, adapter, then SetRooms.
func (s *ConversationStore) SetRooms(r RoomSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = r
}

// WithReadSyncer wires backend read-cursor synchronization.
func WithReadSyncer(r ReadSyncer) StoreOption {
	return func(s *ConversationStore) { s.readSync = r }
}

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) StoreOption {
	return func(s *ConversationStore) { s.log = log }
}

// WithMetrics sets the metric sink.
func WithMetrics(m *Metrics) StoreOption {
	return func(s *ConversationStore) { s.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *ConversationStore) { s.now = now }
}

// NewConversationStore creates an empty store.
func NewConversationStore(opts ...StoreOption) *ConversationStore {
	s := &ConversationStore{
		convs:  make(map[string]*conversation),
		online: true,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// conversations are created lazily on first reference.
func (s *ConversationStore) ensure(key string) *conversation {
	c, ok := s.convs[key]
	if !ok {
		c = &conversation{meta: ConversationMeta{Status: ConversationOpen}}
		s.convs[key] = c
	}
	return c
}

// SetConversationMeta shallow-merges non-zero metadata fields. It never
// touches the message sequence.
func (s *ConversationStore) SetConversationMeta(key string, meta ConversationMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensure(key)
	if meta.Channel != "" {
		c.meta.Channel = meta.Channel
	}
	if meta.Assignee != "" {
		c.meta.Assignee = meta.Assignee
	}
	if meta.Queue != "" {
		c.meta.Queue = meta.Queue
	}
	if meta.Status != "" {
		c.meta.Status = meta.Status
	}
	if meta.ContactName != "" {
		c.meta.ContactName = meta.ContactName
	}
	if meta.ContactPhone != "" {
		c.meta.ContactPhone = meta.ContactPhone
	}
}

// UpsertMessage merges one message into a conversation and refreshes the
// conversation's preview and unread accounting. Incoming messages on the
// active conversation auto-mark read instead of incrementing unread, so
// the active conversation's unread count is always 0.
func (s *ConversationStore) UpsertMessage(key string, m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(key, m)
}

// UpsertMessages merges a batch of messages into a conversation.
func (s *ConversationStore) UpsertMessages(key string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range msgs {
		s.upsertLocked(key, &msgs[i])
	}
}

// PrependPage splices a newest-first history page into the front of a
// conversation's window. History is presumed already read: unread
// accounting and the active-conversation read cursor are untouched, only
// the sequence and the derived preview fields are refreshed.
func (s *ConversationStore) PrependPage(key string, older []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensure(key)
	c.seq.PrependPage(older)
	if last := c.seq.Last(); last != nil {
		c.preview = last.Content.Preview()
		c.lastActivity = last.Timestamp
	}
}

func (s *ConversationStore) upsertLocked(key string, m *Message) {
	c := s.ensure(key)
	wasMerged := c.seq.Upsert(m)
	if wasMerged {
		s.metrics.merged()
	} else {
		s.metrics.inserted()
	}
	s.log.Debug("message upserted",
		"conversation", key, "key", m.Key(), "status", string(m.Status), "merged", wasMerged)

	if last := c.seq.Last(); last != nil {
		c.preview = last.Content.Preview()
		c.lastActivity = last.Timestamp
	}

	if m.Direction != DirectionIncoming {
		return
	}
	if key == s.active {
		// Auto-mark-read: the active conversation never accumulates unread.
		if m.Timestamp.After(c.lastRead) {
			c.lastRead = m.Timestamp
		}
		c.unread = 0
		return
	}
	if !wasMerged {
		s.incrementUnreadLocked(c, m.Timestamp)
	}
}

// IncrementUnread bumps a conversation's unread counter unless the message
// timestamp is not newer than the last-read cursor (replayed events for
// already-read messages must not count).
func (s *ConversationStore) IncrementUnread(key string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementUnreadLocked(s.ensure(key), ts)
}

func (s *ConversationStore) incrementUnreadLocked(c *conversation, ts time.Time) {
	if !ts.After(c.lastRead) {
		return
	}
	c.unread++
	s.metrics.unreadInc()
}

// SelectConversation marks a conversation active: unread resets to 0, the
// read cursor advances to now, the conversation's room is joined and the
// read cursor is pushed to the backend asynchronously. The previously
// active conversation's room is intentionally kept — it still feeds badge
// updates and stays live for back-navigation.
func (s *ConversationStore) SelectConversation(key string) {
	s.mu.Lock()
	c := s.ensure(key)
	s.active = key
	c.unread = 0
	c.lastRead = s.now()
	lastRead := c.lastRead
	rooms := s.rooms
	readSync := s.readSync
	s.mu.Unlock()

	if rooms != nil {
		rooms.Join(key)
	}
	if readSync != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := readSync.SyncReadStatus(ctx, key, lastRead); err != nil {
				s.log.Warn("read-status sync failed", "conversation", key, "error", err)
			}
		}()
	}
}

// ReleaseConversation marks a conversation closed and leaves its room.
// This is the only path that ever leaves a room. The conversation state
// itself is kept — client state is never hard-deleted.
func (s *ConversationStore) ReleaseConversation(key string) {
	s.mu.Lock()
	c := s.ensure(key)
	c.meta.Status = ConversationClosed
	if s.active == key {
		s.active = ""
	}
	rooms := s.rooms
	s.mu.Unlock()

	if rooms != nil {
		rooms.Leave(key)
	}
}

// MarkMessageError flags a locally-sent message as failed, in place. The
// failed attempt stays visible in the history. Going through the merge
// policy means a confirmation that already arrived outranks the error.
func (s *ConversationStore) MarkMessageError(key, clientID string) {
	s.UpsertMessage(key, &Message{
		ClientID:        clientID,
		ConversationKey: key,
		Direction:       DirectionOutgoing,
		Status:          StatusError,
	})
}

// ActiveConversation returns the currently selected conversation key.
func (s *ConversationStore) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetOnline records the realtime transport's connection status.
func (s *ConversationStore) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed {
		s.log.Info("connection status changed", "online", online)
	}
}

// Online reports the realtime transport's connection status.
func (s *ConversationStore) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Agent returns the agent identity configured for this session.
func (s *ConversationStore) Agent() Agent {
	return s.agent
}

// Messages returns a snapshot of a conversation's loaded window in
// ascending timestamp order.
func (s *ConversationStore) Messages(key string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		return nil
	}
	return c.seq.Messages()
}

// OldestLoaded returns the timestamp of the oldest loaded message for a
// conversation, and false when nothing is loaded.
func (s *ConversationStore) OldestLoaded(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok || c.seq.Len() == 0 {
		return time.Time{}, false
	}
	return c.seq.Oldest().Timestamp, true
}

// Conversation returns a snapshot of one conversation.
func (s *ConversationStore) Conversation(key string) (ConversationSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		return ConversationSummary{}, false
	}
	return s.summaryLocked(key, c), true
}

// Conversations returns snapshots of all conversations, most recently
// active first.
func (s *ConversationStore) Conversations() []ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConversationSummary, 0, len(s.convs))
	for key, c := range s.convs {
		out = append(out, s.summaryLocked(key, c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

func (s *ConversationStore) summaryLocked(key string, c *conversation) ConversationSummary {
	return ConversationSummary{
		Key:          key,
		Meta:         c.meta,
		Preview:      c.preview,
		LastActivity: c.lastActivity,
		Unread:       c.unread,
		LastRead:     c.lastRead,
		Messages:     c.seq.Len(),
	}
}
