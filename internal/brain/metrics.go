package brain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brain_cycles_total",
		Help: "Completed cognitive cycles",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brain_cycle_duration_seconds",
		Help:    "Wall time of one cognitive cycle including LLM calls",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	llmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brain_llm_latency_seconds",
		Help:    "Latency of chat-completion calls",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brain_tool_calls_total",
		Help: "Tool calls by tool name and outcome",
	}, []string{"tool", "outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brain_scheduler_queue_depth",
		Help: "Tasks waiting in the dispatch queue",
	})

	busMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brain_bus_messages_total",
		Help: "Bus messages ingested into the world model",
	})

	busMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brain_bus_messages_dropped_total",
		Help: "Bus messages dropped because the ingest channel was full",
	})
)

// Tool call outcomes.
const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)
