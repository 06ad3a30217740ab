package omnidesk

import "sort"

// Sequence is a conversation's loaded message window, kept in
// non-decreasing timestamp order. Ties keep insertion order; there is no
// secondary sort key. The sequence owns its entries: callers get copies in
// and snapshots out.
type Sequence struct {
	msgs []*Message
}

// Len returns the number of messages in the sequence.
func (s *Sequence) Len() int { return len(s.msgs) }

// Last returns the newest message, or nil when empty.
func (s *Sequence) Last() *Message {
	if len(s.msgs) == 0 {
		return nil
	}
	return s.msgs[len(s.msgs)-1]
}

// Oldest returns the oldest message, or nil when empty.
func (s *Sequence) Oldest() *Message {
	if len(s.msgs) == 0 {
		return nil
	}
	return s.msgs[0]
}

// Messages returns a snapshot of the sequence in ascending order.
func (s *Sequence) Messages() []Message {
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = *m
	}
	return out
}

// InsertSorted places a message at its sorted position. The common case, a
// live message newer than everything loaded, is an O(1) append; anything
// else binary-searches the insertion point. A single insert never triggers
// a re-sort of the window.
func (s *Sequence) InsertSorted(m *Message) {
	c := *m
	s.insert(&c)
}

func (s *Sequence) insert(m *Message) {
	n := len(s.msgs)
	if n == 0 || !m.Timestamp.Before(s.msgs[n-1].Timestamp) {
		s.msgs = append(s.msgs, m)
		return
	}
	// First index strictly after m, so equal timestamps stay in insertion
	// order.
	idx := sort.Search(n, func(i int) bool {
		return s.msgs[i].Timestamp.After(m.Timestamp)
	})
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[idx+1:], s.msgs[idx:])
	s.msgs[idx] = m
}

// Upsert merges a message into the sequence. Every entry referring to the
// same logical message collapses into one merged record, so no two entries
// share an identity alias afterwards. The merged entry is re-positioned
// when its timestamp moved. Returns true when an existing entry was merged
// rather than a new one inserted.
func (s *Sequence) Upsert(m *Message) bool {
	merged := *m
	var matches []int
	for i, entry := range s.msgs {
		if SameLogicalMessage(entry, &merged) {
			matches = append(matches, i)
		}
	}
	if len(matches) == 0 {
		s.insert(&merged)
		return false
	}

	// Merge with the first match giving the existing entry priority on
	// ties, then fold in any further entries now aliased to it.
	out := Merge(s.msgs[matches[0]], &merged)
	for _, i := range matches[1:] {
		out = Merge(out, s.msgs[i])
	}

	if len(matches) == 1 && out.Timestamp.Equal(s.msgs[matches[0]].Timestamp) {
		s.msgs[matches[0]] = out
		return true
	}
	for n, i := range matches {
		idx := i - n // earlier removals shift later indices left
		s.msgs = append(s.msgs[:idx], s.msgs[idx+1:]...)
	}
	s.insert(out)
	return true
}

// PrependPage splices a page of strictly-older history before the current
// window. Pages arrive newest-first from a "before cursor, descending"
// fetch and are applied oldest-first. The cursor contract guarantees no
// overlap, but entries go through Upsert anyway so clock skew between
// pages cannot duplicate a message.
func (s *Sequence) PrependPage(older []Message) {
	for i := len(older) - 1; i >= 0; i-- {
		s.Upsert(&older[i])
	}
}
