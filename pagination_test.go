package omnidesk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves canned descending pages and records every request.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   [][]Message
	calls   []FetchOptions
	err     error
	release chan struct{} // when set, FetchMessages blocks until closed
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, opts FetchOptions) ([]Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestLoadOlderFirstPageThenCursorAdvance(t *testing.T) {
	fetcher := &fakeFetcher{pages: [][]Message{
		{
			{ServerID: "d", Timestamp: ts(4)},
			{ServerID: "c", Timestamp: ts(3)},
		},
		{
			{ServerID: "b", Timestamp: ts(2)},
			{ServerID: "a", Timestamp: ts(1)},
		},
	}}
	store := NewConversationStore()
	loader := NewHistoryLoader(fetcher, store, WithPageSize(2))

	require.NoError(t, loader.LoadOlder(context.Background(), "conv"))
	assert.Equal(t, []string{"c", "d"}, messageIDs(store.Messages("conv")))

	require.NoError(t, loader.LoadOlder(context.Background(), "conv"))
	assert.Equal(t, []string{"a", "b", "c", "d"}, messageIDs(store.Messages("conv")))

	require.Len(t, fetcher.calls, 2)
	assert.True(t, fetcher.calls[0].Before.IsZero(), "first fetch starts from the newest page")
	assert.Equal(t, ts(3), fetcher.calls[1].Before, "second fetch pages strictly before the oldest loaded")
	assert.Equal(t, 2, fetcher.calls[1].Limit)
	assert.True(t, fetcher.calls[1].Descending)
}

func TestLoadOlderEmptyPageExhausts(t *testing.T) {
	fetcher := &fakeFetcher{}
	store := NewConversationStore()
	loader := NewHistoryLoader(fetcher, store)

	require.NoError(t, loader.LoadOlder(context.Background(), "conv"))
	assert.True(t, loader.Exhausted("conv"))

	// Further calls are no-ops: no new fetch is issued.
	require.NoError(t, loader.LoadOlder(context.Background(), "conv"))
	assert.Equal(t, 1, fetcher.callCount())
}

func TestLoadOlderInFlightGuard(t *testing.T) {
	fetcher := &fakeFetcher{
		pages:   [][]Message{{{ServerID: "a", Timestamp: ts(1)}}},
		release: make(chan struct{}),
	}
	store := NewConversationStore()
	loader := NewHistoryLoader(fetcher, store)

	done := make(chan error, 1)
	go func() { done <- loader.LoadOlder(context.Background(), "conv") }()

	// Wait for the first fetch to be in flight.
	require.Eventually(t, func() bool { return loader.Fetching("conv") }, time.Second, time.Millisecond)

	// A second call during the fetch must return immediately without
	// issuing another request.
	require.NoError(t, loader.LoadOlder(context.Background(), "conv"))
	assert.Equal(t, 1, fetcher.callCount())

	close(fetcher.release)
	require.NoError(t, <-done)
	assert.False(t, loader.Fetching("conv"))
	assert.Equal(t, []string{"a"}, messageIDs(store.Messages("conv")))
}

func TestLoadOlderErrorClearsInFlight(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("boom")}
	store := NewConversationStore()
	loader := NewHistoryLoader(fetcher, store)

	err := loader.LoadOlder(context.Background(), "conv")
	require.Error(t, err)
	assert.False(t, loader.Fetching("conv"))
	assert.False(t, loader.Exhausted("conv"), "a failed fetch must stay retryable")

	// Retry goes through.
	fetcher.err = nil
	require.NoError(t, loader.LoadOlder(context.Background(), "conv"))
	assert.Equal(t, 2, fetcher.callCount())
}

func TestForgetResetsPaginationState(t *testing.T) {
	fetcher := &fakeFetcher{}
	store := NewConversationStore()
	loader := NewHistoryLoader(fetcher, store)

	require.NoError(t, loader.LoadOlder(context.Background(), "conv"))
	require.True(t, loader.Exhausted("conv"))

	loader.Forget("conv")
	assert.False(t, loader.Exhausted("conv"))

	require.NoError(t, loader.LoadOlder(context.Background(), "conv"))
	assert.Equal(t, 2, fetcher.callCount())
}

func messageIDs(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].ServerID
	}
	return out
}
