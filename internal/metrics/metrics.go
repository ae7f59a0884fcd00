// Package metrics provides Prometheus instrumentation for the confirmation
// engine, the MQTT transport and the push dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all service metrics
	Namespace = "hwconfirm"

	// Label names
	LabelStatus = "status"
	LabelResult = "result"

	// Device response results
	ResultAccepted  = "accepted"
	ResultMalformed = "malformed"
	ResultUnknown   = "unknown_confirmation"
	ResultStale     = "not_pending"
	ResultMismatch  = "device_mismatch"
	ResultNoDevice  = "device_missing"

	// Push results
	ResultDelivered = "delivered"
	ResultNoSession = "no_session"
	ResultDropped   = "queue_full"
)

var (
	// ConfirmationsRequested counts confirmations whose challenge was issued.
	ConfirmationsRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "confirmations_requested_total",
			Help:      "Total number of confirmation requests accepted",
		},
	)

	// ConfirmationOutcomes counts terminal transitions by resulting status.
	ConfirmationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "confirmation_outcomes_total",
			Help:      "Total number of confirmations reaching a terminal state, by status",
		},
		[]string{LabelStatus},
	)

	// DeviceResponses counts inbound device messages by how they were handled.
	DeviceResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mqtt",
			Name:      "device_responses_total",
			Help:      "Total number of device responses received, by handling result",
		},
		[]string{LabelResult},
	)

	// ChallengePublishFailures counts challenges the broker did not accept.
	ChallengePublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mqtt",
			Name:      "challenge_publish_failures_total",
			Help:      "Total number of challenge publishes that failed",
		},
	)

	// PushDeliveries counts push events by delivery result.
	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "push",
			Name:      "deliveries_total",
			Help:      "Total number of push events, by delivery result",
		},
		[]string{LabelResult},
	)

	// ActiveSessions tracks live push sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "push",
			Name:      "active_sessions",
			Help:      "Number of users with a live push session",
		},
	)
)
