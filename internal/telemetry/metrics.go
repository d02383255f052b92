package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub-wide Prometheus collectors. Registered on the default registry; the web
// surface exposes them at /metrics.
var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_events_published_total",
		Help: "Events published on the hub event bus, by type.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_events_dropped_total",
		Help: "Events discarded from full subscriber queues (drop-oldest).",
	})

	BuildsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_builds_started_total",
		Help: "Project snapshot builds started.",
	})

	BuildsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_builds_finished_total",
		Help: "Project snapshot builds finished, by outcome.",
	}, []string{"outcome"})

	ChatsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agenthub_chats_running",
		Help: "Chat runtimes currently attached to a live process.",
	})

	RelayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_oauth_relay_attempts_total",
		Help: "OAuth callback relay delivery attempts, by outcome.",
	}, []string{"outcome"})

	TerminalBytesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_terminal_chunks_dropped_total",
		Help: "Terminal output chunks discarded from full listener queues.",
	})
)
