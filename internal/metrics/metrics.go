package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riley_call_sessions_active",
		Help: "Call sessions currently bridged to the speech model",
	})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riley_call_session_duration_seconds",
		Help:    "Duration of bridged call sessions grouped by how they ended",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"outcome"})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riley_bridge_frames_total",
		Help: "Inbound frames handled by the media bridge grouped by leg and frame type",
	}, []string{"leg", "type"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riley_bridge_frames_dropped_total",
		Help: "Inbound frames discarded because they could not be decoded",
	}, []string{"leg"})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riley_bridge_barge_ins_total",
		Help: "Model utterances truncated because the caller started speaking",
	})

	functionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riley_function_calls_total",
		Help: "Model function calls grouped by function name and acknowledgement status",
	}, []string{"function", "status"})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riley_events_published_total",
		Help: "Events published to the bus grouped by type and outcome",
	}, []string{"type", "outcome"})

	routerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riley_router_messages_total",
		Help: "Messages consumed by the event router grouped by type and outcome",
	}, []string{"type", "outcome"})

	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riley_notifications_total",
		Help: "Notification delivery attempts grouped by channel and outcome",
	}, []string{"channel", "outcome"})
)

// SessionStarted marks a call session as active.
func SessionStarted() {
	activeSessions.Inc()
}

// SessionFinished records the end of a call session.
func SessionFinished(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	activeSessions.Dec()
	sessionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveFrame counts an inbound frame on the given leg.
func ObserveFrame(leg, frameType string) {
	if frameType == "" {
		frameType = "unknown"
	}
	framesTotal.WithLabelValues(leg, frameType).Inc()
}

// ObserveDroppedFrame counts an undecodable frame.
func ObserveDroppedFrame(leg string) {
	framesDropped.WithLabelValues(leg).Inc()
}

// ObserveBargeIn counts a truncated utterance.
func ObserveBargeIn() {
	bargeIns.Inc()
}

// ObserveFunctionCall records a dispatched function call.
func ObserveFunctionCall(name, status string) {
	if status == "" {
		status = "unknown"
	}
	functionCalls.WithLabelValues(name, status).Inc()
}

// ObservePublish records the outcome of a bus publish.
func ObservePublish(eventType string, ok bool) {
	eventsPublished.WithLabelValues(eventType, outcome(ok)).Inc()
}

// ObserveRouted records how the router disposed of a message.
func ObserveRouted(eventType, result string) {
	if eventType == "" {
		eventType = "unknown"
	}
	routerMessages.WithLabelValues(eventType, result).Inc()
}

// ObserveDelivery records a notification delivery attempt.
func ObserveDelivery(channel string, ok bool) {
	deliveries.WithLabelValues(channel, outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}
