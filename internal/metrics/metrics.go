package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics collectors
var (
	// Sessions

	SessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wagw_sessions",
			Help: "Registered tenant sessions by status",
		},
		[]string{"status"},
	)

	SessionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagw_session_events_total",
			Help: "Lifecycle events applied to sessions",
		},
		[]string{"event"},
	)

	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagw_reconnects_total",
			Help: "Reconnect decisions after a closed connection",
		},
		[]string{"outcome"}, // scheduled, exhausted, logged_out
	)

	CredentialErasuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wagw_credential_erasures_total",
			Help: "Credential directories erased",
		},
	)

	// Auth

	PairingAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagw_pairing_attempts_total",
			Help: "Pairing-code requests per phone candidate",
		},
		[]string{"candidate", "status"},
	)

	// Messaging

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagw_messages_total",
			Help: "Messages handed to the backend",
		},
		[]string{"kind", "status"}, // kind: text, media, media_fallback
	)

	// HTTP

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagw_http_requests_total",
			Help: "Control API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wagw_http_request_duration_seconds",
			Help:    "Control API latency in seconds",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"method", "route"},
	)
)
