package events

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "bus",
		Name:      "events_emitted_total",
		Help:      "Total envelopes accepted for dispatch by event type.",
	}, []string{"type"})

	eventsDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "bus",
		Name:      "events_deduped_total",
		Help:      "Total duplicate envelopes skipped by id.",
	})

	consumerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "bus",
		Name:      "consumer_failures_total",
		Help:      "Total consumer handler failures by consumer name.",
	}, []string{"consumer"})

	deadLettersRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "bus",
		Name:      "dead_letters_retried_total",
		Help:      "Total dead-letter entries retried successfully.",
	})

	deadLettersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "bus",
		Name:      "dead_letters_dropped_total",
		Help:      "Total dead-letter entries abandoned at the retry ceiling. Data loss.",
	})

	pendingRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "bus",
		Name:      "pending_recovered_total",
		Help:      "Total in-flight envelopes re-emitted during crash recovery.",
	})
)

func init() {
	prometheus.MustRegister(
		eventsEmitted,
		eventsDeduped,
		consumerFailures,
		deadLettersRetried,
		deadLettersDropped,
		pendingRecovered,
	)
}
