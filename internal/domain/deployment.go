package domain

import "time"

// DeploymentStatus indicates the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentRolling    DeploymentStatus = "rolling"
	DeploymentSteady     DeploymentStatus = "steady"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
	DeploymentFailed     DeploymentStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
// While a deployment is non-terminal the rollout controller is the sole
// writer of the service's replica topology; the autoscaler checks this
// at the start of every tick.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentSteady, DeploymentRolledBack, DeploymentFailed:
		return true
	}
	return false
}

// Deployment tracks the rollout of one revision of one service. Owned
// exclusively by the rollout controller; at most one non-terminal
// deployment exists per service at any time.
type Deployment struct {
	ServiceName      string           `json:"service_name"`
	TargetRevision   int64            `json:"target_revision"`
	Status           DeploymentStatus `json:"status"`
	HealthyTaskCount int              `json:"healthy_task_count"`
	StartedAt        time.Time        `json:"started_at"`
}

// AutoscalingPolicy is the operator-authored target-tracking policy for
// one service. Owned by the autoscaler; read-only to other components.
type AutoscalingPolicy struct {
	ServiceName      string        `json:"service_name" yaml:"service_name"`
	TargetMetricName string        `json:"target_metric_name" yaml:"target_metric_name"`
	TargetValue      float64       `json:"target_value" yaml:"target_value"`
	ScaleOutCooldown time.Duration `json:"scale_out_cooldown" yaml:"scale_out_cooldown"`
	ScaleInCooldown  time.Duration `json:"scale_in_cooldown" yaml:"scale_in_cooldown"`
	LastActionAt     time.Time     `json:"last_action_at" yaml:"-"`
}

// Cooldown defaults keep scale-in slower than scale-out to avoid
// oscillation.
const (
	DefaultScaleOutCooldown = 60 * time.Second
	DefaultScaleInCooldown  = 300 * time.Second
)

// ApplyDefaults fills zero-valued cooldowns.
func (p *AutoscalingPolicy) ApplyDefaults() {
	if p.ScaleOutCooldown == 0 {
		p.ScaleOutCooldown = DefaultScaleOutCooldown
	}
	if p.ScaleInCooldown == 0 {
		p.ScaleInCooldown = DefaultScaleInCooldown
	}
}
