package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes.
const (
	OutcomeOK              = "ok"
	OutcomeCompletionError = "completion_error"
	OutcomeStoreError      = "store_error"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatbot",
			Name:      "turns_total",
			Help:      "Total number of user turns by outcome",
		},
		[]string{"outcome"},
	)

	CompletionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chatbot",
			Name:      "completion_duration_seconds",
			Help:      "Duration of chat completion calls in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// ConversationsCreated counts conversations opened for a session, labelled
	// "new" for unbound sessions and "stale" for bindings that pointed nowhere.
	ConversationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatbot",
			Name:      "conversations_created_total",
			Help:      "Conversations created by the session binder",
		},
		[]string{"reason"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatbot",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method", "route", "status"},
	)
)
