// SPDX-License-Identifier: MIT

// Package metrics defines the prometheus collectors shared across lockerd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockerTransitionsTotal counts successful locker state transitions by
	// trigger (assign, confirm, release, timeout, block, unblock, fault, resolve).
	LockerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "locker_transitions_total",
		Help:      "Total successful locker state transitions",
	}, []string{"trigger"})

	// LockerConflictsTotal counts optimistic-update conflicts (zero rows affected).
	LockerConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "locker_conflicts_total",
		Help:      "Total optimistic concurrency conflicts on locker mutations",
	})

	// RateLimitRejectedTotal counts rate limit rejections by dimension and reason.
	RateLimitRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "ratelimit_rejected_total",
		Help:      "Total rate limit rejections",
	}, []string{"dimension", "reason"})

	// CommandsEnqueuedTotal counts enqueued commands by type.
	CommandsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "commands_enqueued_total",
		Help:      "Total commands enqueued",
	}, []string{"type"})

	// CommandsCompletedTotal counts terminal command outcomes.
	CommandsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "commands_terminal_total",
		Help:      "Total commands reaching a terminal state",
	}, []string{"outcome"})

	// CommandRetriesTotal counts commands returned to pending by the retry policy.
	CommandRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "command_retries_total",
		Help:      "Total command retry re-queues",
	})

	// KioskTransitionsTotal counts kiosk liveness transitions.
	KioskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "kiosk_transitions_total",
		Help:      "Total kiosk online/offline transitions",
	}, []string{"to"})

	// EventsWrittenTotal counts accepted event log writes by type.
	EventsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "events_written_total",
		Help:      "Total events accepted by the event log",
	}, []string{"type"})

	// EventsRejectedTotal counts schema-rejected event writes.
	EventsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "events_rejected_total",
		Help:      "Total events rejected by schema validation",
	}, []string{"type"})

	// BroadcastDroppedTotal counts notification drops by reason.
	BroadcastDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "broadcast_dropped_total",
		Help:      "Total notification broadcaster drops",
	}, []string{"reason"})

	// CleanupRunsTotal counts background cleanup invocations by task.
	CleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "cleanup_runs_total",
		Help:      "Total background cleanup task invocations",
	}, []string{"task"})
)

// IncBroadcastDrop records a dropped notification with a concrete reason.
func IncBroadcastDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	BroadcastDroppedTotal.WithLabelValues(reason).Inc()
}
