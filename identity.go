package omnidesk

import (
	"fmt"
)

// Identity resolution: every message representation (optimistic local copy,
// send confirmation, realtime event, history page entry) must map to one
// logical message. Aliases are matched in fixed priority order: ServerID,
// then ProviderID, then ClientID.
//
// When no alias exists at all, Key falls back to a composite of timestamp,
// direction and a 64-character content prefix. The fallback is a lossy
// heuristic: two distinct messages sent in the same millisecond with the
// same leading text collide, and a retyped duplicate classifies as new.
// This is accepted (no stronger signal exists before server confirmation)
// and must not be "fixed" by silently changing the composite.

const fallbackPrefixLen = 64

// Key returns a stable string key for a message, preferring server-origin
// identifiers over the local correlation id.
func (m *Message) Key() string {
	switch {
	case m.ServerID != "":
		return "srv:" + m.ServerID
	case m.ProviderID != "":
		return "prv:" + m.ProviderID
	case m.ClientID != "":
		return "cli:" + m.ClientID
	default:
		return m.fallbackKey()
	}
}

func (m *Message) fallbackKey() string {
	prefix := normalizeContent(m.Content.Preview())
	if len(prefix) > fallbackPrefixLen {
		prefix = prefix[:fallbackPrefixLen]
	}
	return fmt.Sprintf("fb:%d:%s:%s", m.Timestamp.UnixMilli(), m.Direction, prefix)
}

// SameLogicalMessage reports whether a and b refer to the same real-world
// chat event: their alias sets intersect on any non-empty identifier, or
// neither carries an alias and their fallback composites match.
func SameLogicalMessage(a, b *Message) bool {
	if a.ServerID != "" && a.ServerID == b.ServerID {
		return true
	}
	if a.ProviderID != "" && a.ProviderID == b.ProviderID {
		return true
	}
	if a.ClientID != "" && a.ClientID == b.ClientID {
		return true
	}
	if a.ServerID == "" && a.ProviderID == "" && a.ClientID == "" &&
		b.ServerID == "" && b.ProviderID == "" && b.ClientID == "" {
		return a.fallbackKey() == b.fallbackKey()
	}
	return false
}
