// Package metrics defines the Prometheus instruments for the ingestion
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_pages_fetched_total",
			Help: "Total pages fetched, labeled by source and status class.",
		},
		[]string{"source", "status"},
	)

	captchaDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_captcha_detected_total",
			Help: "Total fetches aborted on captcha detection, labeled by domain.",
		},
		[]string{"domain"},
	)

	complianceBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_compliance_blocked_total",
			Help: "Total URLs refused by the compliance gate, labeled by reason.",
		},
		[]string{"reason"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-domain rate limiting.",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	recordsUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_upserted_total",
			Help: "Canonical records upserted, labeled by outcome (new or merged).",
		},
		[]string{"outcome"},
	)

	batchMergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_batch_merges_total",
			Help: "In-batch duplicate merges, labeled by reason.",
		},
		[]string{"reason"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Pipeline runs finished, labeled by terminal status.",
		},
		[]string{"status"},
	)

	runDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)
)

// ObservePageFetched records one fetched page.
func ObservePageFetched(source, statusClass string) {
	pagesFetchedTotal.WithLabelValues(source, statusClass).Inc()
}

// ObserveCaptchaDetected records a captcha stop for a domain.
func ObserveCaptchaDetected(domain string) {
	captchaDetectedTotal.WithLabelValues(domain).Inc()
}

// ObserveComplianceBlocked records a compliance refusal.
func ObserveComplianceBlocked(reason string) {
	complianceBlockedTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay records time spent blocked on the domain limiter.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveRecordUpserted records one canonical upsert outcome.
func ObserveRecordUpserted(outcome string) {
	recordsUpsertedTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatchMerge records one in-batch merge.
func ObserveBatchMerge(reason string) {
	batchMergesTotal.WithLabelValues(reason).Inc()
}

// ObserveRunFinished records a run reaching a terminal status.
func ObserveRunFinished(status string, d time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(d.Seconds())
}

// StatusClass buckets an HTTP status code into 2xx/3xx/4xx/5xx (or "err"
// when no response was received).
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "err"
	}
}
