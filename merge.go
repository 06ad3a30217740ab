package omnidesk

// statusRank is the total order used to decide which of two competing
// message states is more advanced. error sits below every confirmed state:
// a send that failed locally never overrides a confirmation that the
// backend actually accepted the message.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusError:     1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

func rank(s Status) int {
	return statusRank[s]
}

// Merge combines two representations of the same logical message into one.
// The higher-ranked status wins and its fields take priority; missing
// fields fall back to the other side. Identity aliases are unioned so a
// server confirmation attaches its ids onto a record that started as
// ClientID-only.
//
// Merge is commutative up to tie-breaking (equal ranks prefer existing,
// which by then carries both alias sets) and idempotent:
// Merge(Merge(a,b), b) == Merge(a,b).
func Merge(existing, incoming *Message) *Message {
	primary, secondary := existing, incoming
	if rank(incoming.Status) > rank(existing.Status) {
		primary, secondary = incoming, existing
	}

	out := *primary

	if out.ServerID == "" {
		out.ServerID = secondary.ServerID
	}
	if out.ProviderID == "" {
		out.ProviderID = secondary.ProviderID
	}
	if out.ClientID == "" {
		out.ClientID = secondary.ClientID
	}
	if out.ConversationKey == "" {
		out.ConversationKey = secondary.ConversationKey
	}

	if out.Content.IsZero() {
		out.Content = secondary.Content
	}
	if out.Channel == "" {
		out.Channel = secondary.Channel
	}
	if out.Type == "" {
		out.Type = secondary.Type
	}
	if out.ReplyTo == "" {
		out.ReplyTo = secondary.ReplyTo
	}
	if out.Direction == "" {
		out.Direction = secondary.Direction
	}

	// Confirmation timestamps must not regress display order.
	if secondary.Timestamp.After(out.Timestamp) {
		out.Timestamp = secondary.Timestamp
	}

	out.Pending = !out.HasServerOrigin()
	return &out
}
