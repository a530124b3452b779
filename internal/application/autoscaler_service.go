package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-io/flotilla/internal/domain"
	"github.com/flotilla-io/flotilla/internal/infrastructure/metrics"
)

// AutoscalerService runs the per-service target-tracking loops. The
// deployment status field is the single-writer token: while a
// deployment of the service is non-terminal the rollout controller owns
// the replica topology and all scale actions are deferred, to be
// applied once the deployment reaches steady.
type AutoscalerService struct {
	Policies    domain.AutoscalingPolicyRepository
	Specs       domain.ServiceSpecRepository
	Deployments domain.DeploymentRepository
	Source      domain.MetricSource
	Rollouts    *RolloutService
	Log         *slog.Logger

	// Window is the metric query window; zero means one minute.
	Window time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	scalers map[string]*domain.Scaler
}

func (s *AutoscalerService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *AutoscalerService) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return time.Minute
}

func (s *AutoscalerService) scalerFor(policy domain.AutoscalingPolicy) *domain.Scaler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scalers == nil {
		s.scalers = make(map[string]*domain.Scaler)
	}
	policy.ApplyDefaults()
	sc := s.scalers[policy.ServiceName]
	if sc == nil {
		sc = &domain.Scaler{Policy: policy}
		s.scalers[policy.ServiceName] = sc
		return sc
	}
	// Operator-authored fields track the stored policy so a reload
	// takes effect on the next tick. Action history and any deferred
	// decision stay with the scaler.
	sc.Policy.TargetMetricName = policy.TargetMetricName
	sc.Policy.TargetValue = policy.TargetValue
	sc.Policy.ScaleOutCooldown = policy.ScaleOutCooldown
	sc.Policy.ScaleInCooldown = policy.ScaleInCooldown
	return sc
}

// Tick evaluates one service once. Missing metrics hold the current
// count; they are not an error against the service.
func (s *AutoscalerService) Tick(ctx context.Context, service string) error {
	policy, err := s.Policies.Get(ctx, service)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil // service is not autoscaled
		}
		return err
	}
	spec, err := s.Specs.Get(ctx, service)
	if err != nil {
		return err
	}

	sc := s.scalerFor(policy)
	now := s.now()
	current := s.Rollouts.ReplicaCount(service)

	rolloutActive := false
	if d, err := s.Deployments.Current(ctx, service); err == nil && !d.Status.Terminal() {
		rolloutActive = true
	}

	observed, metricOK := s.observe(ctx, policy.TargetMetricName)

	decision := sc.Evaluate(now, spec, current, observed, metricOK, rolloutActive)
	switch {
	case decision.Deferred:
		metrics.ScaleDecisions.WithLabelValues(service, "deferred").Inc()
		logger(s.Log).Debug("scale deferred during rollout",
			"service", service, "desired", decision.Desired)
		return nil
	case !decision.Apply:
		metrics.ScaleDecisions.WithLabelValues(service, "hold").Inc()
		return nil
	}

	kind := "out"
	if decision.Desired < current {
		kind = "in"
	}
	metrics.ScaleDecisions.WithLabelValues(service, kind).Inc()
	logger(s.Log).Info("scaling",
		"service", service, "from", current, "to", decision.Desired,
		"metric", policy.TargetMetricName, "observed", observed)

	if err := s.Rollouts.Resize(ctx, service, decision.Desired); err != nil {
		return fmt.Errorf("apply scale decision: %w", err)
	}
	return nil
}

// ApplyPending applies the scale decision recorded while a rollout held
// the topology. Called when a deployment of the service reaches steady.
func (s *AutoscalerService) ApplyPending(ctx context.Context, service string) error {
	s.mu.Lock()
	sc := s.scalers[service]
	s.mu.Unlock()
	if sc == nil {
		return nil
	}
	desired, ok := sc.ApplyPending()
	if !ok {
		return nil
	}
	logger(s.Log).Info("applying deferred scale decision", "service", service, "desired", desired)
	return s.Rollouts.Resize(ctx, service, desired)
}

// observe queries the policy metric, averaging the returned series.
func (s *AutoscalerService) observe(ctx context.Context, metric string) (float64, bool) {
	series, err := s.Source.Query(ctx, metric, s.window())
	if err != nil || len(series) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series)), true
}
