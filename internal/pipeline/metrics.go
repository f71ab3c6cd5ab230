package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_requests_total",
		Help: "Push requests by terminal state",
	}, []string{"state"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_attempts_total",
		Help: "Render and delivery attempts by outcome",
	}, []string{"stage", "result"})

	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "push_processing_duration_seconds",
		Help:    "Time from dequeue to terminal state",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})
)

func recordAttempt(stage string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	attemptsTotal.WithLabelValues(stage, result).Inc()
}
