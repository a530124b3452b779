package domain

import (
	"fmt"
	"time"
)

// HealthCheck describes how a replica is probed for liveness. A replica
// is never probed before StartPeriod has elapsed since launch, and it
// counts as healthy only after Retries consecutive successful probes
// spaced Interval apart.
type HealthCheck struct {
	Path        string        `json:"path" yaml:"path"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	Retries     int           `json:"retries" yaml:"retries"`
	StartPeriod time.Duration `json:"start_period" yaml:"start_period"`
}

// RolloutPolicy bounds capacity during a rollout and configures the
// deployment circuit breaker.
type RolloutPolicy struct {
	// MinHealthyPercent of desired replicas that must stay healthy for
	// the whole rollout. At most 100.
	MinHealthyPercent int `json:"min_healthy_percent" yaml:"min_healthy_percent"`

	// MaxSurgePercent of desired replicas that may run at once across
	// both revisions. At least 100.
	MaxSurgePercent int `json:"max_surge_percent" yaml:"max_surge_percent"`

	// FailureThresholdPercent is the breaker trigger: the rollout is
	// aborted once the count of new-revision replicas that never reach
	// healthy exceeds this fraction of the surge headroom
	// (floor(desired * (MaxSurgePercent-100) / 100) replicas).
	FailureThresholdPercent int `json:"failure_threshold_percent" yaml:"failure_threshold_percent"`

	// Deadline bounds the whole rollout, including rollback. Reaching
	// it without a terminal state is ErrRolloutTimeout.
	Deadline time.Duration `json:"deadline" yaml:"deadline"`
}

// ServiceSpec is the operator-authored desired state for one logical
// service. It changes only through explicit configuration updates.
type ServiceSpec struct {
	Name            string        `json:"name" yaml:"name"`
	ImageRef        string        `json:"image_ref" yaml:"image_ref"`
	CPUUnits        int           `json:"cpu_units" yaml:"cpu_units"`
	MemoryMB        int           `json:"memory_mb" yaml:"memory_mb"`
	ContainerPort   int           `json:"container_port" yaml:"container_port"`
	HealthCheck     HealthCheck   `json:"health_check" yaml:"health_check"`
	MinReplicas     int           `json:"min_replicas" yaml:"min_replicas"`
	MaxReplicas     int           `json:"max_replicas" yaml:"max_replicas"`
	DesiredReplicas int           `json:"desired_replicas" yaml:"desired_replicas"`
	RolloutPolicy   RolloutPolicy `json:"rollout_policy" yaml:"rollout_policy"`
}

// Defaults from the configuration surface contract.
const (
	DefaultMinHealthyPercent       = 50
	DefaultMaxSurgePercent         = 200
	DefaultFailureThresholdPercent = 50
	DefaultRolloutDeadline         = 10 * time.Minute
	DefaultHealthInterval          = 10 * time.Second
	DefaultHealthTimeout           = 5 * time.Second
	DefaultHealthRetries           = 3
	DefaultHealthStartPeriod       = 30 * time.Second
)

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (s *ServiceSpec) ApplyDefaults() {
	if s.RolloutPolicy.MinHealthyPercent == 0 {
		s.RolloutPolicy.MinHealthyPercent = DefaultMinHealthyPercent
	}
	if s.RolloutPolicy.MaxSurgePercent == 0 {
		s.RolloutPolicy.MaxSurgePercent = DefaultMaxSurgePercent
	}
	if s.RolloutPolicy.FailureThresholdPercent == 0 {
		s.RolloutPolicy.FailureThresholdPercent = DefaultFailureThresholdPercent
	}
	if s.RolloutPolicy.Deadline == 0 {
		s.RolloutPolicy.Deadline = DefaultRolloutDeadline
	}
	if s.HealthCheck.Interval == 0 {
		s.HealthCheck.Interval = DefaultHealthInterval
	}
	if s.HealthCheck.Timeout == 0 {
		s.HealthCheck.Timeout = DefaultHealthTimeout
	}
	if s.HealthCheck.Retries == 0 {
		s.HealthCheck.Retries = DefaultHealthRetries
	}
	if s.HealthCheck.StartPeriod == 0 {
		s.HealthCheck.StartPeriod = DefaultHealthStartPeriod
	}
	if s.MinReplicas == 0 {
		s.MinReplicas = 1
	}
	if s.DesiredReplicas == 0 {
		s.DesiredReplicas = s.MinReplicas
	}
	if s.MaxReplicas == 0 {
		s.MaxReplicas = s.DesiredReplicas
	}
}

// Validate checks the spec invariants.
func (s ServiceSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidSpec)
	}
	if s.ImageRef == "" {
		return fmt.Errorf("%w: service %q: image_ref is required", ErrInvalidSpec, s.Name)
	}
	if s.MinReplicas < 1 {
		return fmt.Errorf("%w: service %q: min_replicas must be at least 1", ErrInvalidSpec, s.Name)
	}
	if s.MinReplicas > s.DesiredReplicas || s.DesiredReplicas > s.MaxReplicas {
		return fmt.Errorf("%w: service %q: need min_replicas <= desired_replicas <= max_replicas, got %d/%d/%d",
			ErrInvalidSpec, s.Name, s.MinReplicas, s.DesiredReplicas, s.MaxReplicas)
	}
	if s.RolloutPolicy.MinHealthyPercent < 0 || s.RolloutPolicy.MinHealthyPercent > 100 {
		return fmt.Errorf("%w: service %q: min_healthy_percent must be in [0,100]", ErrInvalidSpec, s.Name)
	}
	if s.RolloutPolicy.MaxSurgePercent < 100 {
		return fmt.Errorf("%w: service %q: max_surge_percent must be at least 100", ErrInvalidSpec, s.Name)
	}
	return nil
}

// Revision is an immutable snapshot of a service spec at publish time,
// identified by a per-service monotonically increasing sequence.
type Revision struct {
	ServiceName string      `json:"service_name"`
	Sequence    int64       `json:"sequence"`
	Spec        ServiceSpec `json:"spec"`
	PublishedAt time.Time   `json:"published_at"`
}
