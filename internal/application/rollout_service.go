package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flotilla-io/flotilla/internal/domain"
	"github.com/flotilla-io/flotilla/internal/infrastructure/metrics"
	"github.com/flotilla-io/flotilla/internal/infrastructure/registry"
)

// fleet is the running replica set of one service between rollouts.
type fleet struct {
	revision int64
	healthy  map[domain.ReplicaID]bool
	addrs    map[domain.ReplicaID]string
}

func newFleet() *fleet {
	return &fleet{
		healthy: make(map[domain.ReplicaID]bool),
		addrs:   make(map[domain.ReplicaID]string),
	}
}

func (f *fleet) existing() []domain.ExistingReplica {
	var out []domain.ExistingReplica
	for id, healthy := range f.healthy {
		out = append(out, domain.ExistingReplica{ID: id, Revision: f.revision, Healthy: healthy})
	}
	return out
}

// activeRollout pairs the rollout state machine with the specs it may
// need to launch, keyed by revision (rollback launches the old one).
type activeRollout struct {
	rollout *domain.Rollout
	specs   map[int64]domain.ServiceSpec
}

// RolloutService drives deployments through the rollout state machine,
// executing each tick's actions against the compute substrate and
// feeding probe results to both the state machine and the service
// registry. While a deployment is non-terminal this service is the sole
// writer of the service's replica topology.
type RolloutService struct {
	Specs       domain.ServiceSpecRepository
	Revisions   domain.RevisionRepository
	Deployments domain.DeploymentRepository
	Substrate   domain.ComputeSubstrate
	Registry    *registry.Registry
	Log         *slog.Logger

	// Now and Interval exist for tests; zero values mean wall clock and
	// one second.
	Now       func() time.Time
	Interval  time.Duration
	ProbeRate *rate.Limiter

	mu        sync.Mutex
	fleets    map[string]*fleet
	active    map[string]*activeRollout
	cancelled map[string]bool
}

func (s *RolloutService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *RolloutService) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return time.Second
}

func (s *RolloutService) fleetFor(service string) *fleet {
	if s.fleets == nil {
		s.fleets = make(map[string]*fleet)
	}
	f := s.fleets[service]
	if f == nil {
		f = newFleet()
		s.fleets[service] = f
	}
	return f
}

// Deploy starts a rollout of the latest published revision. It fails
// with ErrAlreadyExists while another deployment of the service is
// non-terminal.
func (s *RolloutService) Deploy(ctx context.Context, service string) (domain.Deployment, error) {
	rev, err := s.Revisions.Latest(ctx, service)
	if err != nil {
		return domain.Deployment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.fleetFor(service)
	r := domain.NewRollout(rev.Spec, rev, f.revision, f.existing(), s.now())

	if err := s.Deployments.Create(ctx, r.Deployment()); err != nil {
		return domain.Deployment{}, err
	}

	if s.active == nil {
		s.active = make(map[string]*activeRollout)
	}
	s.active[service] = &activeRollout{
		rollout: r,
		specs:   map[int64]domain.ServiceSpec{rev.Sequence: rev.Spec},
	}

	metrics.RolloutsStarted.WithLabelValues(service).Inc()
	logger(s.Log).Info("rollout started",
		"service", service, "revision", rev.Sequence, "from", f.revision)
	return r.Deployment(), nil
}

// Cancel forces the active rollout of a service into rollback. The flag
// is consumed by the next Step, which alone drives the state machine.
func (s *RolloutService) Cancel(service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[service] == nil {
		return fmt.Errorf("no active rollout for %q: %w", service, domain.ErrNotFound)
	}
	if s.cancelled == nil {
		s.cancelled = make(map[string]bool)
	}
	s.cancelled[service] = true
	logger(s.Log).Warn("rollout cancelled", "service", service)
	return nil
}

// Active lists the services with a non-terminal rollout, sorted.
func (s *RolloutService) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.active))
	for name := range s.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rolling reports whether a deployment of the service is non-terminal.
func (s *RolloutService) Rolling(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[service] != nil
}

// ReplicaCount is the current size of the service's fleet.
func (s *RolloutService) ReplicaCount(service string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fleetFor(service).healthy)
}

// Step advances the active rollout by one tick: run due probes, advance
// the state machine, execute its actions in order, persist the
// deployment record. The returned deployment reflects this tick.
func (s *RolloutService) Step(ctx context.Context, service string) (domain.Deployment, error) {
	s.mu.Lock()
	a := s.active[service]
	f := s.fleetFor(service)
	cancel := s.cancelled[service]
	delete(s.cancelled, service)
	addrs := make(map[domain.ReplicaID]string, len(f.addrs))
	for id, addr := range f.addrs {
		addrs[id] = addr
	}
	s.mu.Unlock()
	if a == nil {
		return domain.Deployment{}, fmt.Errorf("no active rollout for %q: %w", service, domain.ErrNotFound)
	}

	now := s.now()
	r := a.rollout
	if cancel {
		r.Cancel()
	}
	target := r.Deployment().TargetRevision
	hc := a.specs[target].HealthCheck

	for id, ok := range s.runProbes(ctx, hc, r.ProbeDue(now)) {
		r.ObserveProbe(id, ok, now)
		s.Registry.ObserveProbe(service, id, addrs[id], ok, now)
		outcome := "ok"
		if !ok {
			outcome = "fail"
		}
		metrics.ProbesTotal.WithLabelValues(service, outcome).Inc()
	}

	actions, tickErr := r.Tick(now)
	for _, action := range actions {
		if err := s.execute(ctx, service, a, f, action, now); err != nil {
			return r.Deployment(), err
		}
	}

	d := r.Deployment()
	if err := s.Deployments.Update(ctx, d); err != nil {
		return d, err
	}
	metrics.HealthyReplicas.WithLabelValues(service).Set(float64(d.HealthyTaskCount))

	if d.Status.Terminal() {
		s.finish(service, a, f, d, now)
	}
	return d, tickErr
}

// execute applies one topology action against the substrate and mirrors
// it into the rollout, the fleet, and the registry.
func (s *RolloutService) execute(ctx context.Context, service string, a *activeRollout, f *fleet, action domain.Action, now time.Time) error {
	switch action.Kind {
	case domain.ActionLaunch:
		spec, err := s.specFor(ctx, service, a, action.Revision)
		if err != nil {
			return err
		}
		id, err := s.Substrate.Launch(ctx, domain.ReplicaSpec{
			ServiceName:   service,
			Revision:      action.Revision,
			ImageRef:      spec.ImageRef,
			CPUUnits:      spec.CPUUnits,
			MemoryMB:      spec.MemoryMB,
			ContainerPort: spec.ContainerPort,
		})
		if err != nil {
			return fmt.Errorf("launch replica of %s rev %d: %w", service, action.Revision, err)
		}
		a.rollout.ReplicaLaunched(id, action.Revision, now)
		addr, err := s.Substrate.Address(ctx, id)
		if err == nil {
			s.mu.Lock()
			f.addrs[id] = addr
			s.mu.Unlock()
		}
	case domain.ActionRetire:
		if err := s.Substrate.Terminate(ctx, action.Replica); err != nil {
			return fmt.Errorf("terminate replica %s of %s: %w", action.Replica, service, err)
		}
		a.rollout.ReplicaTerminated(action.Replica)
		s.Registry.Deregister(service, action.Replica)
		s.mu.Lock()
		delete(f.healthy, action.Replica)
		delete(f.addrs, action.Replica)
		s.mu.Unlock()
	}
	return nil
}

// specFor resolves the spec of the revision an action launches; during
// rollback this is the prior revision's snapshot.
func (s *RolloutService) specFor(ctx context.Context, service string, a *activeRollout, revision int64) (domain.ServiceSpec, error) {
	if spec, ok := a.specs[revision]; ok {
		return spec, nil
	}
	rev, err := s.Revisions.Get(ctx, service, revision)
	if err != nil {
		return domain.ServiceSpec{}, fmt.Errorf("spec for revision %d: %w", revision, err)
	}
	a.specs[revision] = rev.Spec
	return rev.Spec, nil
}

// finish hands the topology back to the fleet once the deployment is
// terminal.
func (s *RolloutService) finish(service string, a *activeRollout, f *fleet, d domain.Deployment, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.healthy = make(map[domain.ReplicaID]bool)
	for _, e := range a.rollout.Existing() {
		f.healthy[e.ID] = e.Healthy
		f.revision = e.Revision
	}
	delete(s.active, service)

	metrics.RolloutsCompleted.WithLabelValues(service, string(d.Status)).Inc()
	metrics.RolloutDuration.WithLabelValues(service).Observe(now.Sub(d.StartedAt).Seconds())
	logger(s.Log).Info("rollout finished",
		"service", service, "status", string(d.Status), "healthy", d.HealthyTaskCount)
}

// Run deploys the latest revision and ticks the rollout until it
// reaches a terminal state. The terminal deployment is returned; a
// non-nil error is the fatal rollout error (timeout, failed rollback)
// or a substrate failure.
func (s *RolloutService) Run(ctx context.Context, service string) (domain.Deployment, error) {
	if _, err := s.Deploy(ctx, service); err != nil {
		return domain.Deployment{}, err
	}

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		d, err := s.Step(ctx, service)
		if err != nil || d.Status.Terminal() {
			return d, err
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProbeFleet probes every replica of a steady service, keeping the
// registry current. No-op while a rollout owns the topology, whose own
// probe schedule applies.
func (s *RolloutService) ProbeFleet(ctx context.Context, service string, hc domain.HealthCheck) {
	s.mu.Lock()
	if s.active[service] != nil {
		s.mu.Unlock()
		return
	}
	f := s.fleetFor(service)
	ids := make([]domain.ReplicaID, 0, len(f.healthy))
	for id := range f.healthy {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	now := s.now()
	for id, ok := range s.runProbes(ctx, hc, ids) {
		s.mu.Lock()
		f.healthy[id] = ok
		addr := f.addrs[id]
		s.mu.Unlock()
		s.Registry.ObserveProbe(service, id, addr, ok, now)
	}
}

// Resize launches or terminates replicas of the current revision to
// reach the desired count. Called by the autoscaler, which must hold
// the steady-state side of the single-writer handoff.
func (s *RolloutService) Resize(ctx context.Context, service string, desired int) error {
	s.mu.Lock()
	if s.active[service] != nil {
		s.mu.Unlock()
		return fmt.Errorf("service %q: rollout in progress: %w", service, domain.ErrAlreadyExists)
	}
	f := s.fleetFor(service)
	revision := f.revision
	current := len(f.healthy)
	s.mu.Unlock()

	if desired == current {
		return nil
	}

	rev, err := s.Revisions.Get(ctx, service, revision)
	if err != nil {
		return fmt.Errorf("resize %s: %w", service, err)
	}
	spec := rev.Spec

	for current < desired {
		id, err := s.Substrate.Launch(ctx, domain.ReplicaSpec{
			ServiceName:   service,
			Revision:      revision,
			ImageRef:      spec.ImageRef,
			CPUUnits:      spec.CPUUnits,
			MemoryMB:      spec.MemoryMB,
			ContainerPort: spec.ContainerPort,
		})
		if err != nil {
			return fmt.Errorf("scale out %s: %w", service, err)
		}
		s.mu.Lock()
		f.healthy[id] = false // healthy once probed
		if addr, aerr := s.Substrate.Address(ctx, id); aerr == nil {
			f.addrs[id] = addr
		}
		s.mu.Unlock()
		current++
	}

	for current > desired {
		s.mu.Lock()
		var victim domain.ReplicaID
		picked := false
		// Prefer shedding unhealthy replicas.
		for id, healthy := range f.healthy {
			if !picked || (!healthy && f.healthy[victim]) || (healthy == f.healthy[victim] && id < victim) {
				victim, picked = id, true
			}
		}
		s.mu.Unlock()
		if !picked {
			break
		}
		if err := s.Substrate.Terminate(ctx, victim); err != nil {
			return fmt.Errorf("scale in %s: %w", service, err)
		}
		s.Registry.Deregister(service, victim)
		s.mu.Lock()
		delete(f.healthy, victim)
		delete(f.addrs, victim)
		s.mu.Unlock()
		current--
	}

	logger(s.Log).Info("fleet resized", "service", service, "replicas", desired)
	return nil
}

// runProbes fans probes out across replicas, bounded by the configured
// rate limit. Probe errors count as unhealthy observations.
func (s *RolloutService) runProbes(ctx context.Context, hc domain.HealthCheck, ids []domain.ReplicaID) map[domain.ReplicaID]bool {
	out := make(map[domain.ReplicaID]bool, len(ids))
	if len(ids) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if s.ProbeRate != nil {
				if err := s.ProbeRate.Wait(gctx); err != nil {
					return err
				}
			}
			pctx := gctx
			if hc.Timeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(gctx, hc.Timeout)
				defer cancel()
			}
			ok, err := s.Substrate.Probe(pctx, id, hc)
			if err != nil {
				ok = false
			}
			mu.Lock()
			out[id] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
