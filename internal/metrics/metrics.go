package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracks records flowing through the pipeline by platform and outcome.
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_records_processed_total",
			Help: "Total raw records processed (by platform and result).",
		},
		[]string{"platform", "result"}, // result = "created" | "updated" | "ambiguous" | "failed"
	)

	// Tracks pipeline rejections by error kind.
	RecordErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_record_errors_total",
			Help: "Count of record failures by platform and error kind.",
		},
		[]string{"platform", "kind"},
	)

	// Measures end-to-end per-record processing time.
	RecordDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_record_duration_seconds",
			Help:    "Duration of per-record pipeline processing in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"platform"},
	)

	// Tracks match decisions by kind.
	MatchDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_match_decisions_total",
			Help: "Total match decisions (by decision kind).",
		},
		[]string{"decision"}, // new_product | update_existing | ambiguous
	)

	// Measures store operation latency.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_store_op_duration_seconds",
			Help:    "Duration of store operations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Tracks change events emitted by kind.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_change_events_total",
			Help: "Total change events emitted (by kind).",
		},
		[]string{"kind"},
	)

	// Tracks NATS messages published by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages published.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	// Gauges the finish time of the last completed batch.
	LastBatchTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_last_batch_timestamp",
			Help: "Timestamp (unix seconds) of the last completed ingest batch.",
		},
	)
)

// ObserveDuration records the time taken for a function and updates the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// counters are not meant for duration tracking
	}
}

func IncRecord(platform, result string) {
	RecordsProcessed.WithLabelValues(platform, result).Inc()
}

func IncRecordError(platform, kind string) {
	RecordErrors.WithLabelValues(platform, kind).Inc()
}

func IncDecision(decision string) {
	MatchDecisions.WithLabelValues(decision).Inc()
}

func IncEvent(kind string) {
	EventsEmitted.WithLabelValues(kind).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func SetLastBatch(t time.Time) {
	LastBatchTimestamp.Set(float64(t.Unix()))
}
