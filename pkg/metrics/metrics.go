/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package metrics exposes the orchestrator's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TenantBackpressure counts work rejected because a tenant hit a quota
	// or rate limit, labelled by the limiting resource.
	TenantBackpressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "tenant_backpressure_total",
		Help:      "Work rejected due to tenant quotas or rate limits.",
	}, []string{"tenant", "resource"})

	JobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "jobs_dispatched_total",
		Help:      "Jobs leased to robots.",
	}, []string{"tenant"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "jobs_completed_total",
		Help:      "Jobs reaching a terminal state, labelled by outcome.",
	}, []string{"tenant", "status"})

	JobsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "jobs_dead_lettered_total",
		Help:      "Jobs moved to the dead letter queue.",
	}, []string{"tenant"})

	LeasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "leases_expired_total",
		Help:      "Job leases reclaimed after expiry.",
	})

	SchedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "schedules_fired_total",
		Help:      "Schedule occurrences fired, labelled by trigger type.",
	}, []string{"tenant", "type"})

	SlaBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "schedule_sla_breaches_total",
		Help:      "Detected schedule SLA breaches, labelled by kind.",
	}, []string{"tenant", "kind"})

	AuditEntriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "audit_entries_dropped_total",
		Help:      "Audit events dropped because the writer buffer was full.",
	})

	AuditChainBroken = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "audit_chain_broken",
		Help:      "Set to 1 when chain verification found an invalid entry.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "robot_sessions_active",
		Help:      "Open robot sessions.",
	})

	RobotsOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "casare",
		Subsystem: "orchestrator",
		Name:      "robots_online",
		Help:      "Robots inside the liveness window.",
	}, []string{"tenant"})
)
