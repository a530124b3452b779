package domain

import (
	"fmt"
	"sort"
	"time"
)

// ActionKind is the kind of replica topology change a rollout tick
// requests from the compute substrate.
type ActionKind string

const (
	ActionLaunch ActionKind = "launch"
	ActionRetire ActionKind = "retire"
)

// Action is one requested topology change. Launch carries the revision
// to launch; Retire carries the replica to terminate.
type Action struct {
	Kind     ActionKind
	Revision int64
	Replica  ReplicaID
}

// trackedReplica is the controller's view of one running replica.
type trackedReplica struct {
	id            ReplicaID
	revision      int64
	launchedAt    time.Time
	lastProbeAt   time.Time
	healthy       bool
	consecutiveOK int
	consecutiveKO int
	failed        bool // never settled, or lost health for good
}

// ExistingReplica seeds a rollout with the replicas already running
// when it starts. Pre-existing healthy replicas skip the settle gate.
type ExistingReplica struct {
	ID       ReplicaID
	Revision int64
	Healthy  bool
}

// Rollout drives one service through the deployment state machine:
// pending -> rolling -> steady, or rolling -> rolled_back when the
// circuit breaker trips, with failed reserved for a rollback that
// cannot restore the prior revision.
//
// The core invariant: healthy capacity never drops below
// ceil(desired * min_healthy_percent / 100), and total capacity never
// exceeds floor(desired * max_surge_percent / 100), at any instant of
// the rollout.
type Rollout struct {
	spec        ServiceSpec
	deployment  Deployment
	oldRevision int64
	deadline    time.Time

	rollingBack   bool
	cancelled     bool
	failedNewEver int // new-revision replicas that never settled, cumulative
	err           error

	replicas map[ReplicaID]*trackedReplica
}

// NewRollout starts tracking a rollout of target onto a service whose
// current replicas are given. oldRevision is the revision restored on
// rollback; zero means there is no prior revision.
func NewRollout(spec ServiceSpec, target Revision, oldRevision int64, current []ExistingReplica, now time.Time) *Rollout {
	r := &Rollout{
		spec: spec,
		deployment: Deployment{
			ServiceName:    spec.Name,
			TargetRevision: target.Sequence,
			Status:         DeploymentPending,
			StartedAt:      now,
		},
		oldRevision: oldRevision,
		deadline:    now.Add(spec.RolloutPolicy.Deadline),
		replicas:    make(map[ReplicaID]*trackedReplica),
	}
	for _, e := range current {
		r.replicas[e.ID] = &trackedReplica{
			id:         e.ID,
			revision:   e.Revision,
			launchedAt: now.Add(-spec.HealthCheck.StartPeriod), // already past settle
			healthy:    e.Healthy,
		}
	}
	return r
}

// MinHealthy is the healthy-capacity floor for this rollout.
func (r *Rollout) MinHealthy() int {
	return ceilDiv(r.spec.DesiredReplicas*r.spec.RolloutPolicy.MinHealthyPercent, 100)
}

// MaxTotal is the total-capacity ceiling for this rollout.
func (r *Rollout) MaxTotal() int {
	return r.spec.DesiredReplicas * r.spec.RolloutPolicy.MaxSurgePercent / 100
}

// breakerAllowance is how many new-revision replicas may fail to settle
// before the breaker trips. Defined as the configured fraction of the
// surge headroom above desired capacity.
func (r *Rollout) breakerAllowance() int {
	headroom := r.spec.DesiredReplicas * (r.spec.RolloutPolicy.MaxSurgePercent - 100) / 100
	return headroom * r.spec.RolloutPolicy.FailureThresholdPercent / 100
}

// Deployment returns the current deployment record.
func (r *Rollout) Deployment() Deployment { return r.deployment }

// Err returns the fatal error, if any, that ended the rollout.
func (r *Rollout) Err() error { return r.err }

// Cancel forces an immediate rollback transition on the next tick.
func (r *Rollout) Cancel() { r.cancelled = true }

// ReplicaLaunched records a replica the substrate launched for us.
func (r *Rollout) ReplicaLaunched(id ReplicaID, revision int64, now time.Time) {
	r.replicas[id] = &trackedReplica{id: id, revision: revision, launchedAt: now}
}

// ReplicaTerminated records a replica the substrate terminated for us.
func (r *Rollout) ReplicaTerminated(id ReplicaID) {
	delete(r.replicas, id)
}

// ProbeDue returns the replicas due for a health probe: past their
// start period and at least one interval since the last probe. Probe
// results are append-only observations fed back via ObserveProbe.
func (r *Rollout) ProbeDue(now time.Time) []ReplicaID {
	var due []ReplicaID
	for _, rep := range r.replicas {
		if rep.failed {
			continue
		}
		if now.Sub(rep.launchedAt) < r.spec.HealthCheck.StartPeriod {
			continue
		}
		if !rep.lastProbeAt.IsZero() && now.Sub(rep.lastProbeAt) < r.spec.HealthCheck.Interval {
			continue
		}
		due = append(due, rep.id)
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	return due
}

// ObserveProbe records one probe outcome. A replica becomes healthy
// after Retries consecutive successes and is marked failed after
// Retries consecutive failures, whether it ever settled or not.
func (r *Rollout) ObserveProbe(id ReplicaID, ok bool, now time.Time) {
	rep, found := r.replicas[id]
	if !found || rep.failed {
		return
	}
	rep.lastProbeAt = now
	if ok {
		rep.consecutiveKO = 0
		rep.consecutiveOK++
		if rep.healthy || rep.consecutiveOK >= r.spec.HealthCheck.Retries {
			rep.healthy = true
		}
		return
	}
	rep.consecutiveOK = 0
	rep.consecutiveKO++
	if rep.consecutiveKO >= r.spec.HealthCheck.Retries {
		rep.healthy = false
		rep.failed = true
		if rep.revision == r.deployment.TargetRevision && rep.revision != r.oldRevision {
			r.failedNewEver++
		}
	}
}

// Existing snapshots the tracked replicas, sorted by ID. Used to seed a
// successor rollout or to hand the fleet back to the autoscaler once
// the deployment is terminal. Failed replicas are excluded.
func (r *Rollout) Existing() []ExistingReplica {
	var out []ExistingReplica
	for _, rep := range r.replicas {
		if rep.failed {
			continue
		}
		out = append(out, ExistingReplica{ID: rep.id, Revision: rep.revision, Healthy: rep.healthy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthyTotal counts currently healthy replicas across both revisions.
func (r *Rollout) HealthyTotal() int {
	n := 0
	for _, rep := range r.replicas {
		if rep.healthy && !rep.failed {
			n++
		}
	}
	return n
}

// CurrentTotal counts all running replicas across both revisions.
func (r *Rollout) CurrentTotal() int { return len(r.replicas) }

func (r *Rollout) count(revision int64, healthyOnly bool) int {
	n := 0
	for _, rep := range r.replicas {
		if rep.revision != revision {
			continue
		}
		if healthyOnly && (!rep.healthy || rep.failed) {
			continue
		}
		n++
	}
	return n
}

// sortedByRevision returns tracked replicas of one revision, unhealthy
// first so retirement prefers replicas contributing no capacity.
func (r *Rollout) sortedByRevision(revision int64) []*trackedReplica {
	var out []*trackedReplica
	for _, rep := range r.replicas {
		if rep.revision == revision {
			out = append(out, rep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].healthy != out[j].healthy {
			return !out[i].healthy
		}
		return out[i].id < out[j].id
	})
	return out
}

// Tick advances the state machine and returns the topology changes to
// execute. It is the sole writer of the service's replica topology
// while the deployment is non-terminal. A non-nil error is fatal for
// the deployment (timeout or failed rollback).
func (r *Rollout) Tick(now time.Time) ([]Action, error) {
	if r.deployment.Status.Terminal() {
		return nil, nil
	}
	defer func() { r.deployment.HealthyTaskCount = r.HealthyTotal() }()

	if r.deployment.Status == DeploymentPending {
		r.deployment.Status = DeploymentRolling
	}

	if now.After(r.deadline) {
		r.deployment.Status = DeploymentFailed
		r.err = fmt.Errorf("service %q: %w", r.spec.Name, ErrRolloutTimeout)
		return nil, r.err
	}

	target := r.deployment.TargetRevision

	if !r.rollingBack && (r.cancelled || r.failedNewEver > r.breakerAllowance()) {
		r.rollingBack = true
	}

	if r.rollingBack {
		return r.tickRollback(target)
	}
	return r.tickForward(now, target)
}

func (r *Rollout) tickForward(now time.Time, target int64) ([]Action, error) {
	desired := r.spec.DesiredReplicas
	minHealthy := r.MinHealthy()
	maxTotal := r.MaxTotal()

	newTotal := r.count(target, false)
	newHealthy := r.count(target, true)
	oldTotal := r.CurrentTotal() - newTotal

	// Steady is judged on the tracked topology alone, with no actions
	// pending from this tick.
	if oldTotal == 0 && newTotal == desired && newHealthy == desired {
		r.deployment.Status = DeploymentSteady
		return nil, nil
	}

	var actions []Action

	// Failed replicas are dead weight against the surge ceiling.
	healthyBudget := r.HealthyTotal() - minHealthy
	for _, rep := range r.sortedByRevision(target) {
		if rep.failed {
			actions = append(actions, Action{Kind: ActionRetire, Replica: rep.id})
		}
	}
	newTotal -= len(actions)
	total := r.CurrentTotal() - len(actions)

	// Retire old replicas one-for-one against settled new replicas,
	// never letting healthy capacity dip below the floor. Unhealthy old
	// replicas cost nothing to retire.
	retired := 0
	for _, rep := range r.sortedByRevision(r.oldRevision) {
		if r.oldRevision == target {
			break
		}
		if retired >= newHealthy && rep.healthy {
			break
		}
		if rep.healthy {
			if healthyBudget < 1 {
				continue
			}
			healthyBudget--
		}
		actions = append(actions, Action{Kind: ActionRetire, Replica: rep.id})
		retired++
		total--
		oldTotal--
	}

	// No surge room and nothing retired: trade one healthy old replica
	// for launch room, if the floor allows it.
	if total >= maxTotal && newTotal < desired && retired == 0 && healthyBudget > 0 && oldTotal > 0 {
		for _, rep := range r.sortedByRevision(r.oldRevision) {
			if rep.healthy {
				actions = append(actions, Action{Kind: ActionRetire, Replica: rep.id})
				total--
				break
			}
		}
	}

	// Launch new-revision replicas while under the surge ceiling.
	for newTotal < desired && total < maxTotal {
		actions = append(actions, Action{Kind: ActionLaunch, Revision: target})
		newTotal++
		total++
	}
	return actions, nil
}

func (r *Rollout) tickRollback(target int64) ([]Action, error) {
	if r.oldRevision == 0 {
		// Nothing to restore: the first revision never became healthy.
		r.deployment.Status = DeploymentFailed
		r.err = fmt.Errorf("service %q: no prior revision to restore: %w", r.spec.Name, ErrRollbackFailed)
		return nil, r.err
	}

	// The prior revision failing its own health checks is the one case
	// that halts the service entirely.
	for _, rep := range r.sortedByRevision(r.oldRevision) {
		if rep.failed {
			r.deployment.Status = DeploymentFailed
			r.err = fmt.Errorf("service %q: restored revision %d failing health checks: %w",
				r.spec.Name, r.oldRevision, ErrRollbackFailed)
			return nil, r.err
		}
	}

	newRemaining := 0
	if r.oldRevision != target {
		newRemaining = r.count(target, false)
	}

	// Rolled back is judged on the tracked topology alone.
	if newRemaining == 0 && r.count(r.oldRevision, true) == r.spec.DesiredReplicas {
		r.deployment.Status = DeploymentRolledBack
		return nil, nil
	}

	var actions []Action

	// Tear down every new-revision replica.
	if r.oldRevision != target {
		for _, rep := range r.sortedByRevision(target) {
			actions = append(actions, Action{Kind: ActionRetire, Replica: rep.id})
		}
	}

	// Restore old-revision capacity to desired.
	oldTotal := r.count(r.oldRevision, false)
	for oldTotal < r.spec.DesiredReplicas {
		actions = append(actions, Action{Kind: ActionLaunch, Revision: r.oldRevision})
		oldTotal++
	}
	return actions, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
