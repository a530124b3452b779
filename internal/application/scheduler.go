package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flotilla-io/flotilla/internal/domain"
	"github.com/flotilla-io/flotilla/internal/infrastructure/metrics"
	"github.com/flotilla-io/flotilla/internal/infrastructure/registry"
)

// Scheduler runs the per-service control loops: rollout ticking and
// steady-state probing, autoscaler evaluation, and alarm periods. Each
// loop is polling; none shares a lock with another service's work
// beyond the services' own synchronization.
type Scheduler struct {
	Specs      *SpecService
	Rollouts   *RolloutService
	Autoscaler *AutoscalerService
	Alerts     *AlertService
	Policies   domain.AutoscalingPolicyRepository
	Registry   *registry.Registry
	Log        *slog.Logger

	// Zero intervals fall back to 1s ticks, 15s scale evaluation, and
	// 1m alarm periods.
	TickInterval  time.Duration
	ScaleInterval time.Duration
	AlarmPeriod   time.Duration
}

func (s *Scheduler) tickInterval() time.Duration {
	if s.TickInterval > 0 {
		return s.TickInterval
	}
	return time.Second
}

func (s *Scheduler) scaleInterval() time.Duration {
	if s.ScaleInterval > 0 {
		return s.ScaleInterval
	}
	return 15 * time.Second
}

func (s *Scheduler) alarmPeriod() time.Duration {
	if s.AlarmPeriod > 0 {
		return s.AlarmPeriod
	}
	return time.Minute
}

// Publish snapshots the service's spec as a new revision and starts its
// rollout. Publishing is refused while another deployment of the
// service is non-terminal, so no revision is recorded that could not
// immediately deploy.
func (s *Scheduler) Publish(ctx context.Context, name string) (domain.Revision, error) {
	if s.Rollouts.Rolling(name) {
		return domain.Revision{}, fmt.Errorf("service %q: rollout in progress: %w", name, domain.ErrAlreadyExists)
	}
	rev, err := s.Specs.Publish(ctx, name)
	if err != nil {
		return domain.Revision{}, err
	}
	if _, err := s.Rollouts.Deploy(ctx, name); err != nil {
		return domain.Revision{}, err
	}
	return rev, nil
}

// ApplyConfig reconciles a loaded configuration against the store:
// changed or new service specs are stored and published, autoscaling
// policies are upserted, and the alarm set is replaced. Counter rules
// take effect at startup only. Per-service failures are logged and do
// not stop the rest of the reconciliation.
func (s *Scheduler) ApplyConfig(ctx context.Context, services []domain.ServiceSpec, policies []domain.AutoscalingPolicy, alarms []domain.AlarmConfig) error {
	for _, spec := range services {
		spec.ApplyDefaults()
		stored, err := s.Specs.Get(ctx, spec.Name)
		if err == nil && reflect.DeepEqual(stored, spec) {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := s.Specs.Apply(ctx, spec); err != nil {
			return err
		}
		if _, err := s.Publish(ctx, spec.Name); err != nil {
			logger(s.Log).Error("publish failed during reconcile",
				"service", spec.Name, "error", err)
		}
	}
	for _, p := range policies {
		if err := s.Policies.Put(ctx, p); err != nil {
			return err
		}
	}
	return s.Alerts.Configure(alarms)
}

// Run drives the control loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, s.tickInterval(), s.tickRollouts) })
	g.Go(func() error { return s.loop(ctx, s.scaleInterval(), s.tickAutoscalers) })
	g.Go(func() error {
		return s.loop(ctx, s.alarmPeriod(), func(ctx context.Context) {
			s.Alerts.EvaluatePeriod(ctx)
		})
	})
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// tickRollouts advances every active rollout one step, hands a service
// that just reached steady over to the autoscaler's deferred decision,
// and probes the fleets of steady services.
func (s *Scheduler) tickRollouts(ctx context.Context) {
	for _, name := range s.Rollouts.Active() {
		d, err := s.Rollouts.Step(ctx, name)
		if err != nil {
			logger(s.Log).Error("rollout step failed", "service", name, "error", err)
		}
		if d.Status == domain.DeploymentSteady {
			if err := s.Autoscaler.ApplyPending(ctx, name); err != nil {
				logger(s.Log).Error("deferred scale failed", "service", name, "error", err)
			}
		}
	}

	specs, err := s.Specs.List(ctx)
	if err != nil {
		logger(s.Log).Error("list specs for probing", "error", err)
		return
	}
	for _, spec := range specs {
		if s.Rollouts.Rolling(spec.Name) {
			continue
		}
		s.Rollouts.ProbeFleet(ctx, spec.Name, spec.HealthCheck)
	}

	if s.Registry != nil {
		for service, eps := range s.Registry.Snapshot(time.Now()) {
			metrics.RegistryEndpoints.WithLabelValues(service).Set(float64(len(eps)))
		}
	}
}

func (s *Scheduler) tickAutoscalers(ctx context.Context) {
	policies, err := s.Policies.List(ctx)
	if err != nil {
		logger(s.Log).Error("list autoscaling policies", "error", err)
		return
	}
	for _, p := range policies {
		if err := s.Autoscaler.Tick(ctx, p.ServiceName); err != nil {
			logger(s.Log).Error("autoscaler tick failed",
				"service", p.ServiceName, "error", err)
		}
	}
}
