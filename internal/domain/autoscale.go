package domain

import (
	"math"
	"time"
)

// DesiredReplicas is the target-tracking calculation:
// clamp(ceil(current * observed / target), min, max).
func DesiredReplicas(current int, observed, target float64, min, max int) int {
	if target <= 0 || current < 1 {
		return clampInt(current, min, max)
	}
	desired := int(math.Ceil(float64(current) * observed / target))
	return clampInt(desired, min, max)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScaleDecision is the outcome of one autoscaler evaluation.
type ScaleDecision struct {
	Desired int
	// Apply is false when cooldown holds the action, the metric was
	// unavailable, or desired equals current.
	Apply bool
	// Deferred is set when a non-terminal deployment owns the replica
	// topology; the desired value is recorded and applied on steady.
	Deferred bool
}

// Scaler is the per-service target-tracking control loop state. The
// policy record is operator-authored; Scaler adds the runtime bits
// (last action time, the value deferred during a rollout).
type Scaler struct {
	Policy AutoscalingPolicy

	pendingDesired int
	hasPending     bool
}

// Evaluate computes the scaling decision for one tick. metricOK is
// false when the metric source had no data: the scaler holds, which is
// not an error against the service. rolloutActive defers the action,
// recording it for ApplyPending once the deployment is steady.
func (s *Scaler) Evaluate(now time.Time, spec ServiceSpec, current int, observed float64, metricOK, rolloutActive bool) ScaleDecision {
	if !metricOK {
		return ScaleDecision{Desired: current}
	}

	desired := DesiredReplicas(current, observed, s.Policy.TargetValue, spec.MinReplicas, spec.MaxReplicas)

	if rolloutActive {
		s.pendingDesired = desired
		s.hasPending = true
		return ScaleDecision{Desired: desired, Deferred: true}
	}

	if desired == current {
		return ScaleDecision{Desired: desired}
	}

	cooldown := s.Policy.ScaleInCooldown
	if desired > current {
		cooldown = s.Policy.ScaleOutCooldown
	}
	if !s.Policy.LastActionAt.IsZero() && now.Sub(s.Policy.LastActionAt) < cooldown {
		return ScaleDecision{Desired: desired}
	}

	s.Policy.LastActionAt = now
	return ScaleDecision{Desired: desired, Apply: true}
}

// ApplyPending returns the desired value recorded while a rollout held
// the topology, clearing it. Second return is false when nothing was
// deferred.
func (s *Scaler) ApplyPending() (int, bool) {
	if !s.hasPending {
		return 0, false
	}
	s.hasPending = false
	return s.pendingDesired, true
}
