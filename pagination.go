package omnidesk

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPageSize is the history page size used when none is configured.
const DefaultPageSize = 50

// HistoryFetcher retrieves one page of message history. *Client implements
// it; tests substitute fakes.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, opts FetchOptions) ([]Message, error)
}

// historyCursor is the loader's per-conversation pagination state. The
// oldest cursor only ever moves backward; exhausted latches once the
// backend returns an empty page and is never cleared, because history
// below the beginning cannot appear later.
type historyCursor struct {
	oldest    time.Time
	primed    bool
	exhausted bool
	fetching  bool
}

// HistoryLoader drives backward pagination for conversation history. One
// fetch per conversation is in flight at a time: LoadOlder during an
// active fetch or after exhaustion is a no-op, which keeps scroll-spam
// from issuing duplicate requests.
type HistoryLoader struct {
	fetcher  HistoryFetcher
	store    *ConversationStore
	pageSize int
	log      *slog.Logger
	metrics  *Metrics

	mu      sync.Mutex
	cursors map[string]*historyCursor
}

// LoaderOption configures a HistoryLoader.
type LoaderOption func(*HistoryLoader)

// WithPageSize overrides the history page size.
func WithPageSize(n int) LoaderOption {
	return func(l *HistoryLoader) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// WithLoaderLogger sets the loader logger.
func WithLoaderLogger(log *slog.Logger) LoaderOption {
	return func(l *HistoryLoader) { l.log = log }
}

// WithLoaderMetrics sets the loader metric sink.
func WithLoaderMetrics(m *Metrics) LoaderOption {
	return func(l *HistoryLoader) { l.metrics = m }
}

// NewHistoryLoader creates a loader feeding pages from fetcher into store.
func NewHistoryLoader(fetcher HistoryFetcher, store *ConversationStore, opts ...LoaderOption) *HistoryLoader {
	l := &HistoryLoader{
		fetcher:  fetcher,
		store:    store,
		pageSize: DefaultPageSize,
		log:      slog.Default(),
		cursors:  make(map[string]*historyCursor),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadOlder fetches the next page of history for a conversation: the
// newest page on first call, then pages strictly older than the loaded
// window on subsequent calls. Returns immediately without fetching when a
// fetch for the conversation is already in flight or history is
// exhausted. A fetch error clears the in-flight flag and is returned to
// the caller; the next LoadOlder retries from the same cursor.
func (l *HistoryLoader) LoadOlder(ctx context.Context, key string) error {
	l.mu.Lock()
	st, ok := l.cursors[key]
	if !ok {
		st = &historyCursor{}
		l.cursors[key] = st
	}
	if st.fetching || st.exhausted {
		l.mu.Unlock()
		return nil
	}
	st.fetching = true
	before := st.oldest
	l.mu.Unlock()

	page, err := l.fetcher.FetchMessages(ctx, FetchOptions{
		Conversation: key,
		Limit:        l.pageSize,
		Before:       before,
		Descending:   true,
	})
	if err != nil {
		l.mu.Lock()
		if st, ok := l.cursors[key]; ok {
			st.fetching = false
		}
		l.mu.Unlock()
		l.log.Warn("history fetch failed", "conversation", key, "error", err)
		return err
	}

	// Apply the page to the store even if the conversation was forgotten
	// mid-flight; merged state is never wrong, only the cursor bookkeeping
	// is conditional on the conversation still being tracked.
	if len(page) > 0 {
		l.store.PrependPage(key, page)
		l.metrics.pageLoaded()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok = l.cursors[key]
	if !ok {
		return nil
	}
	st.fetching = false
	st.primed = true
	if len(page) == 0 {
		st.exhausted = true
		l.log.Debug("history exhausted", "conversation", key)
		return nil
	}
	oldest := page[0].Timestamp
	for _, m := range page[1:] {
		if m.Timestamp.Before(oldest) {
			oldest = m.Timestamp
		}
	}
	if st.oldest.IsZero() || oldest.Before(st.oldest) {
		st.oldest = oldest
	}
	return nil
}

// Exhausted reports whether the conversation's history has been fully
// paged (the backend returned an empty page).
func (l *HistoryLoader) Exhausted(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.cursors[key]
	return ok && st.exhausted
}

// Fetching reports whether a page fetch is currently in flight.
func (l *HistoryLoader) Fetching(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.cursors[key]
	return ok && st.fetching
}

// Forget drops the conversation's pagination state. The next LoadOlder
// starts over from the newest page.
func (l *HistoryLoader) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cursors, key)
}
