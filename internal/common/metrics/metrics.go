// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	DispatchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_dispatch_requests_total",
			Help: "Dispatch requests handled by the gateway, by error code",
		},
		[]string{"code"},
	)

	DispatchDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_dispatch_deliveries_total",
			Help: "Background deliveries to the answering service by outcome",
		},
		[]string{"transport", "outcome"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oracle_dispatch_queue_depth",
			Help: "Jobs waiting for a dispatch worker",
		},
	)

	AnswersRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_answers_recorded_total",
			Help: "Answers recorded from the answering service, by error code",
		},
		[]string{"code"},
	)

	QuestionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oracle_question_duration_seconds",
			Help:    "Time from submission to a terminal state",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120},
		},
		[]string{"strategy", "state"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)
)
