package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_instructions_total",
		Help: "Instructions executed by kind and result",
	}, []string{"kind", "result"})

	instructionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provgraph_instruction_duration_seconds",
		Help:    "Instruction duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"kind"})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_sessions_total",
		Help: "Instruction lists executed by result",
	}, []string{"result"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "provgraph_active_sessions",
		Help: "Instruction lists currently running",
	})
)

func observeInstruction(kind string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	instructionsTotal.WithLabelValues(kind, result).Inc()
	instructionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
