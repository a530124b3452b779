// Package metrics declares the Prometheus instruments exported by the
// orchestrator. All instruments are registered on the default registry
// and served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RolloutsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flotilla_rollouts_started_total",
		Help: "Rollouts started, by service",
	}, []string{"service"})

	RolloutsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flotilla_rollouts_completed_total",
		Help: "Rollouts reaching a terminal state, by service and status",
	}, []string{"service", "status"})

	RolloutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flotilla_rollout_duration_seconds",
		Help:    "Wall time from rollout start to terminal state",
		Buckets: []float64{1, 5, 15, 60, 120, 300, 600, 1200},
	}, []string{"service"})

	HealthyReplicas = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flotilla_healthy_replicas",
		Help: "Healthy replicas currently tracked, by service",
	}, []string{"service"})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flotilla_probes_total",
		Help: "Health probes executed, by service and outcome",
	}, []string{"service", "outcome"})

	ScaleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flotilla_scale_decisions_total",
		Help: "Autoscaler decisions, by service and kind (out, in, hold, deferred)",
	}, []string{"service", "kind"})

	AlarmTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flotilla_alarm_transitions_total",
		Help: "Alarm state transitions, by alarm and direction",
	}, []string{"alarm", "direction"})

	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flotilla_notifications_dropped_total",
		Help: "Alert notifications dropped after exhausting retries",
	}, []string{"channel"})

	RegistryEndpoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flotilla_registry_endpoints",
		Help: "Non-stale endpoints in the service registry, by service",
	}, []string{"service"})
)
