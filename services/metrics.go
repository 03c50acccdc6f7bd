package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_commands_total",
			Help: "Bot commands and callbacks processed, by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moderation_rate_limited_total",
			Help: "Calls rejected because the caller exceeded its quota",
		},
	)

	pendingListings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "moderation_pending_listings",
			Help: "Listings waiting for a decision",
		},
	)

	transportFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_transport_failures_total",
			Help: "Outbound bot transport calls that failed or timed out",
		},
		[]string{"op"},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_webhook_events_total",
			Help: "Listing webhooks received, by outcome",
		},
		[]string{"outcome"},
	)

	chatEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_socket_events_total",
			Help: "Chat socket events handled, by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	chatConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_socket_connections",
			Help: "Currently connected chat sockets",
		},
	)
)

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return ErrorKind(err)
}
