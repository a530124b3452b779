package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flotilla-io/flotilla/internal/application"
	"github.com/flotilla-io/flotilla/internal/domain"
)

func newScheduler(h *harness) *application.Scheduler {
	return &application.Scheduler{
		Specs:      h.specs,
		Rollouts:   h.rollouts,
		Autoscaler: h.scaler,
		Alerts:     &application.AlertService{},
		Policies:   h.policies,
		Registry:   h.registry,
	}
}

func TestSchedulerPublishStartsRollout(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	sched := newScheduler(h)

	if err := h.specs.Apply(ctx, apiGatewaySpec()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	rev, err := sched.Publish(ctx, "api-gateway")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if rev.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", rev.Sequence)
	}
	if !h.rollouts.Rolling("api-gateway") {
		t.Error("no rollout active after publish")
	}

	// A second publish is refused while the rollout is non-terminal; no
	// revision may be recorded that could not immediately deploy.
	if _, err := sched.Publish(ctx, "api-gateway"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Publish during rollout: %v, want ErrAlreadyExists", err)
	}
	if rev, err := h.rollouts.Revisions.Latest(ctx, "api-gateway"); err != nil || rev.Sequence != 1 {
		t.Errorf("Latest = %d, %v; want sequence 1", rev.Sequence, err)
	}
}

func TestSchedulerApplyConfigReconciles(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	sched := newScheduler(h)

	spec := apiGatewaySpec()
	policy := domain.AutoscalingPolicy{
		ServiceName:      "api-gateway",
		TargetMetricName: "cpu_utilization",
		TargetValue:      70,
	}
	policy.ApplyDefaults()

	if err := sched.ApplyConfig(ctx, []domain.ServiceSpec{spec}, []domain.AutoscalingPolicy{policy}, nil); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if !h.rollouts.Rolling("api-gateway") {
		t.Fatal("new spec not deployed")
	}
	if _, err := h.policies.Get(ctx, "api-gateway"); err != nil {
		t.Errorf("policy not stored: %v", err)
	}

	stepToTerminal(t, h, "api-gateway")

	// An unchanged spec must not republish.
	if err := sched.ApplyConfig(ctx, []domain.ServiceSpec{spec}, nil, nil); err != nil {
		t.Fatalf("ApplyConfig unchanged: %v", err)
	}
	if rev, _ := h.rollouts.Revisions.Latest(ctx, "api-gateway"); rev.Sequence != 1 {
		t.Errorf("unchanged spec republished, sequence = %d", rev.Sequence)
	}

	// A changed spec publishes the next revision and redeploys.
	spec.ImageRef = "registry.local/api-gateway:v2"
	if err := sched.ApplyConfig(ctx, []domain.ServiceSpec{spec}, nil, nil); err != nil {
		t.Fatalf("ApplyConfig changed: %v", err)
	}
	if rev, _ := h.rollouts.Revisions.Latest(ctx, "api-gateway"); rev.Sequence != 2 {
		t.Errorf("changed spec sequence = %d, want 2", rev.Sequence)
	}
	if !h.rollouts.Rolling("api-gateway") {
		t.Error("changed spec not deployed")
	}
}

// stepToTerminal ticks an already started rollout until it settles.
func stepToTerminal(t *testing.T, h *harness, service string) domain.Deployment {
	t.Helper()
	ctx := context.Background()
	var d domain.Deployment
	var err error
	for i := 0; i < 100; i++ {
		d, err = h.rollouts.Step(ctx, service)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if d.Status.Terminal() {
			return d
		}
		h.advance(31 * time.Second)
	}
	t.Fatalf("rollout did not settle, status %q", d.Status)
	return d
}
