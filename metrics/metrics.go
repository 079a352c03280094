// Package metrics exposes the process's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks open gateway websockets.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "palaver",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "Open gateway websocket connections.",
	})

	// SessionsActive tracks registered sessions, attached or detached.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "palaver",
		Subsystem: "gateway",
		Name:      "sessions_active",
		Help:      "Registered gateway sessions, attached or detached.",
	})

	// EventsDispatched counts dispatched events by type.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "palaver",
		Subsystem: "gateway",
		Name:      "events_dispatched_total",
		Help:      "Events fanned out to sessions, by event type.",
	}, []string{"type"})

	// EventsReplayed counts events resent during session resumes.
	EventsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "palaver",
		Subsystem: "gateway",
		Name:      "events_replayed_total",
		Help:      "Events replayed to resumed sessions.",
	})

	// Resumes counts resume attempts by outcome.
	Resumes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "palaver",
		Subsystem: "gateway",
		Name:      "resumes_total",
		Help:      "Resume attempts, by outcome.",
	}, []string{"result"})

	// MessagesCreated counts messages accepted by the HTTP surface.
	MessagesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "palaver",
		Subsystem: "rest",
		Name:      "messages_created_total",
		Help:      "Messages accepted by the HTTP surface.",
	})

	// InvitesSwept counts invites removed by the janitor.
	InvitesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "palaver",
		Subsystem: "janitor",
		Name:      "invites_swept_total",
		Help:      "Expired invites removed by the janitor.",
	})

	// SessionsSwept counts detached sessions removed by the janitor.
	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "palaver",
		Subsystem: "janitor",
		Name:      "sessions_swept_total",
		Help:      "Detached sessions removed by the janitor.",
	})
)
