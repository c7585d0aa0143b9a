package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_received_total",
			Help: "Total number of source events read by the input stage",
		},
		[]string{"source"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_dropped_total",
			Help: "Total number of source events dropped before processing",
		},
		[]string{"reason"},
	)

	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_events_processed_total",
			Help: "Total number of events run through the rule engine",
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_event_processing_duration_seconds",
			Help:    "Time taken to evaluate one event against the rule set",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_emitted_total",
			Help: "Total number of alerts queued for output",
		},
		[]string{"source"},
	)

	SinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_sink_writes_total",
			Help: "Total number of alert and intervention sink writes",
		},
		[]string{"sink", "result"},
	)

	RetryBufferSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_retry_buffer_size",
			Help: "Number of messages waiting to be retried",
		},
		[]string{"stage"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_circuit_breaker_state",
			Help: "Circuit breaker state per sink (0 closed, 1 half open, 2 open)",
		},
		[]string{"sink"},
	)

	InterventionsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_interventions_dispatched_total",
			Help: "Total number of intervention commands handed to the intervention sink",
		},
		[]string{"name", "result"},
	)

	AlertsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_alerts_stored_total",
			Help: "Total number of alerts persisted to the alert store",
		},
	)

	AlertsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_alerts_deduplicated_total",
			Help: "Total number of retried alerts skipped because they were already stored",
		},
	)

	MailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_mails_sent_total",
			Help: "Total number of alert mails handed to the SMTP server",
		},
		[]string{"result"},
	)

	DeadLetterInserts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_dead_letter_inserts_total",
			Help: "Total number of malformed inputs recorded in the dead letter queue",
		},
	)

	DeadLetterInsertFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_dead_letter_insert_failures_total",
			Help: "Total number of dead letter insertion failures",
		},
	)
)
