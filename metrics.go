package omnidesk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes counters for the reconciliation pipeline. Register one
// per store/adapter pair; pass nil anywhere a Metrics is accepted to
// disable collection.
type Metrics struct {
	MessagesInserted prometheus.Counter
	MessagesMerged   prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	UnreadIncrements prometheus.Counter
	PagesLoaded      prometheus.Counter
	Reconnects       prometheus.Counter
}

// Drop reasons recorded on the events_dropped_total counter.
const (
	DropMalformed    = "malformed"
	DropUnauthorized = "unauthorized"
	DropUnknownEvent = "unknown_event"
)

// NewMetrics creates and registers the metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omnidesk",
			Name:      "messages_inserted_total",
			Help:      "Messages inserted as new sequence entries.",
		}),
		MessagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omnidesk",
			Name:      "messages_merged_total",
			Help:      "Messages merged into an existing logical entry.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnidesk",
			Name:      "events_dropped_total",
			Help:      "Inbound realtime events dropped before reaching the store.",
		}, []string{"reason"}),
		UnreadIncrements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omnidesk",
			Name:      "unread_increments_total",
			Help:      "Unread counter increments on background conversations.",
		}),
		PagesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omnidesk",
			Name:      "history_pages_loaded_total",
			Help:      "Backward pagination pages fetched and spliced.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omnidesk",
			Name:      "transport_reconnects_total",
			Help:      "Realtime transport reconnect attempts.",
		}),
	}
	reg.MustRegister(
		m.MessagesInserted, m.MessagesMerged, m.EventsDropped,
		m.UnreadIncrements, m.PagesLoaded, m.Reconnects,
	)
	return m
}

func (m *Metrics) inserted() {
	if m != nil {
		m.MessagesInserted.Inc()
	}
}

func (m *Metrics) merged() {
	if m != nil {
		m.MessagesMerged.Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) unreadInc() {
	if m != nil {
		m.UnreadIncrements.Inc()
	}
}

func (m *Metrics) pageLoaded() {
	if m != nil {
		m.PagesLoaded.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}
