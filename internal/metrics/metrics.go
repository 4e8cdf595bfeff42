package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of active charge point connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "central_system_active_connections",
		Help: "The total number of active charge point WebSocket connections.",
	})

	// MessagesReceived counts inbound messages from charge points, labeled by action.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "central_system_messages_received_total",
		Help: "Total number of messages received from charge points.",
	}, []string{"action"})

	// CallErrorsSent counts CallError frames sent back to charge points, labeled by error code.
	CallErrorsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "central_system_call_errors_sent_total",
		Help: "Total number of CallError frames sent to charge points.",
	}, []string{"error_code"})

	// CommandsSent counts Central-System-initiated calls, labeled by action and outcome.
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "central_system_commands_sent_total",
		Help: "Total number of commands sent to charge points.",
	}, []string{"action", "outcome"})

	// EventsPublished counts domain events published to the message broker, labeled by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "central_system_events_published_total",
		Help: "Total number of events published to the message broker.",
	}, []string{"event_type"})

	// MessageProcessingDuration observes inbound Call handling time, labeled by action.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "central_system_message_processing_duration_seconds",
		Help:    "Histogram of inbound message processing times.",
		Buckets: prometheus.LinearBuckets(0.01, 0.01, 10),
	}, []string{"action"})
)
