package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// statementsTotal counts statements by name and result
	statementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_backend_statements_total",
		Help: "Backend statements executed by name and result",
	}, []string{"statement", "result"})

	// statementDuration tracks statement latency
	statementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provgraph_backend_statement_duration_seconds",
		Help:    "Backend statement duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	}, []string{"statement"})
)

func observeStatement(name string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	statementsTotal.WithLabelValues(name, result).Inc()
	statementDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
