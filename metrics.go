package rentsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the sync layer's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	EventsApplied   *prometheus.CounterVec
	EventsIgnored   *prometheus.CounterVec
	EventsDuplicate *prometheus.CounterVec
	FeedErrors      *prometheus.CounterVec

	PollRuns         prometheus.Counter
	PollFailures     prometheus.Counter
	PollReplacements *prometheus.CounterVec

	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheWriteFailures prometheus.Counter

	Reverts             prometheus.Counter
	DroppedConfirmation prometheus.Counter
	Unread              prometheus.Gauge
}

// NewMetrics creates unregistered collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "change_events_applied_total",
			Help: "Push events that changed an authoritative collection.",
		}, []string{"table", "kind"}),
		EventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "change_events_ignored_total",
			Help: "Push events that were no-ops (unknown id, already present, out of scope).",
		}, []string{"table", "kind"}),
		EventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "change_events_duplicate_total",
			Help: "Push events suppressed by the replay window.",
		}, []string{"table"}),
		FeedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_errors_total",
			Help: "Subscription and channel errors reported by the change feed.",
		}, []string{"table"}),
		PollRuns:     counter("poll_runs_total", "Fallback poll iterations."),
		PollFailures: counter("poll_failures_total", "Fallback poll iterations that failed."),
		PollReplacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_replacements_total",
			Help: "Polls that replaced a collection because it differed.",
		}, []string{"collection"}),
		CacheHits:           counter("cache_hits_total", "Snapshot cache hits."),
		CacheMisses:         counter("cache_misses_total", "Snapshot cache misses, including expired entries."),
		CacheWriteFailures:  counter("cache_write_failures_total", "Snapshot cache writes that failed and cleared the slot."),
		Reverts:             counter("optimistic_reverts_total", "Optimistic edits reverted after a failed store call."),
		DroppedConfirmation: counter("superseded_confirmations_total", "Store confirmations dropped because remote data arrived first."),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "unread_chats",
			Help: "Chats holding an unseen incoming message.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsApplied, m.EventsIgnored, m.EventsDuplicate, m.FeedErrors,
		m.PollRuns, m.PollFailures, m.PollReplacements,
		m.CacheHits, m.CacheMisses, m.CacheWriteFailures,
		m.Reverts, m.DroppedConfirmation, m.Unread,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Metrics) event(table string, kind ChangeKind, applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.EventsApplied.WithLabelValues(table, string(kind)).Inc()
	} else {
		m.EventsIgnored.WithLabelValues(table, string(kind)).Inc()
	}
}

func (m *Metrics) duplicate(table string) {
	if m != nil {
		m.EventsDuplicate.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) feedError(table string) {
	if m != nil {
		m.FeedErrors.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) poll(err error) {
	if m == nil {
		return
	}
	m.PollRuns.Inc()
	if err != nil {
		m.PollFailures.Inc()
	}
}

func (m *Metrics) replaced(collection string) {
	if m != nil {
		m.PollReplacements.WithLabelValues(collection).Inc()
	}
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) cacheWriteFailed() {
	if m != nil {
		m.CacheWriteFailures.Inc()
	}
}

func (m *Metrics) reverted() {
	if m != nil {
		m.Reverts.Inc()
	}
}

func (m *Metrics) confirmationDropped() {
	if m != nil {
		m.DroppedConfirmation.Inc()
	}
}

func (m *Metrics) unread(n int) {
	if m != nil {
		m.Unread.Set(float64(n))
	}
}
