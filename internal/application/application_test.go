package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flotilla-io/flotilla/internal/application"
	"github.com/flotilla-io/flotilla/internal/domain"
	"github.com/flotilla-io/flotilla/internal/infrastructure/registry"
	"github.com/flotilla-io/flotilla/internal/infrastructure/sqlite"
)

// fakeSubstrate runs replicas as map entries. Probe outcomes are
// controlled per replica; everything is healthy unless marked.
type fakeSubstrate struct {
	mu        sync.Mutex
	seq       int
	live      map[domain.ReplicaID]domain.ReplicaSpec
	unhealthy map[domain.ReplicaID]bool
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{
		live:      make(map[domain.ReplicaID]domain.ReplicaSpec),
		unhealthy: make(map[domain.ReplicaID]bool),
	}
}

func (f *fakeSubstrate) Launch(_ context.Context, spec domain.ReplicaSpec) (domain.ReplicaID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := domain.ReplicaID(fmt.Sprintf("r%d", f.seq))
	f.live[id] = spec
	return id, nil
}

func (f *fakeSubstrate) Terminate(_ context.Context, id domain.ReplicaID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return fmt.Errorf("replica %s not running", id)
	}
	delete(f.live, id)
	delete(f.unhealthy, id)
	return nil
}

func (f *fakeSubstrate) Probe(_ context.Context, id domain.ReplicaID, _ domain.HealthCheck) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return false, nil
	}
	return !f.unhealthy[id], nil
}

func (f *fakeSubstrate) Address(_ context.Context, id domain.ReplicaID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.live[id]
	if !ok {
		return "", fmt.Errorf("replica %s not running", id)
	}
	return fmt.Sprintf("%s.flotilla.local:%d", id, spec.ContainerPort), nil
}

func (f *fakeSubstrate) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeSubstrate) markUnhealthy(id domain.ReplicaID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy[id] = true
}

// stubSource serves canned series; absent metrics are unavailable.
type stubSource struct {
	mu     sync.Mutex
	series map[string][]float64
}

func (s *stubSource) set(metric string, values ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.series == nil {
		s.series = make(map[string][]float64)
	}
	s.series[metric] = values
}

func (s *stubSource) Query(_ context.Context, metric string, _ time.Duration) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.series[metric]
	if !ok {
		return nil, fmt.Errorf("metric %q: %w", metric, domain.ErrMetricUnavailable)
	}
	return values, nil
}

// stubSink records publishes and can fail the first N attempts.
type stubSink struct {
	mu        sync.Mutex
	failFirst int
	published []string
}

func (s *stubSink) Publish(_ context.Context, channel, subject, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirst > 0 {
		s.failFirst--
		return errors.New("sink unavailable")
	}
	s.published = append(s.published, channel+"|"+subject)
	return nil
}

type harness struct {
	specs    *application.SpecService
	rollouts *application.RolloutService
	scaler   *application.AutoscalerService
	policies *sqlite.PolicyRepo
	registry *registry.Registry
	sub      *fakeSubstrate
	source   *stubSource

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func setup(t *testing.T) *harness {
	t.Helper()
	db := sqlite.OpenTestDB(t)

	h := &harness{
		policies: &sqlite.PolicyRepo{DB: db},
		registry: registry.New(),
		sub:      newFakeSubstrate(),
		source:   &stubSource{},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	specRepo := &sqlite.SpecRepo{DB: db}
	revRepo := &sqlite.RevisionRepo{DB: db}
	depRepo := &sqlite.DeploymentRepo{DB: db}

	h.specs = &application.SpecService{Specs: specRepo, Revisions: revRepo}
	h.rollouts = &application.RolloutService{
		Specs:       specRepo,
		Revisions:   revRepo,
		Deployments: depRepo,
		Substrate:   h.sub,
		Registry:    h.registry,
		Now:         h.clock,
	}
	h.scaler = &application.AutoscalerService{
		Policies:    h.policies,
		Specs:       specRepo,
		Deployments: depRepo,
		Source:      h.source,
		Rollouts:    h.rollouts,
		Now:         h.clock,
	}
	return h
}

func apiGatewaySpec() domain.ServiceSpec {
	return domain.ServiceSpec{
		Name:          "api-gateway",
		ImageRef:      "registry.local/api-gateway:v1",
		CPUUnits:      256,
		MemoryMB:      512,
		ContainerPort: 8080,
		MinReplicas:   1,
		MaxReplicas:   3,
		HealthCheck: domain.HealthCheck{
			Path:    "/healthz",
			Retries: 1,
		},
	}
}

// deploySteady publishes the stored spec and ticks the rollout through
// to steady, failing the test on any other outcome.
func deploySteady(t *testing.T, h *harness, service string) domain.Deployment {
	t.Helper()
	ctx := context.Background()
	if _, err := h.specs.Publish(ctx, service); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.rollouts.Deploy(ctx, service); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	var d domain.Deployment
	var err error
	for i := 0; i < 100; i++ {
		d, err = h.rollouts.Step(ctx, service)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if d.Status.Terminal() {
			break
		}
		h.advance(31 * time.Second)
	}
	if d.Status != domain.DeploymentSteady {
		t.Fatalf("deployment status = %q, want steady", d.Status)
	}
	return d
}

func TestRolloutToSteady(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	spec := apiGatewaySpec()
	spec.DesiredReplicas = 2
	if err := h.specs.Apply(ctx, spec); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	d := deploySteady(t, h, "api-gateway")

	if d.HealthyTaskCount != 2 {
		t.Errorf("HealthyTaskCount = %d, want 2", d.HealthyTaskCount)
	}
	if h.sub.count() != 2 {
		t.Errorf("substrate replicas = %d, want 2", h.sub.count())
	}
	if eps := h.registry.Lookup("api-gateway", h.clock()); len(eps) != 2 {
		t.Errorf("registry endpoints = %v, want 2", eps)
	}
}

func TestSecondDeployWhileRollingFails(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	spec := apiGatewaySpec()
	spec.DesiredReplicas = 2
	_ = h.specs.Apply(ctx, spec)
	if _, err := h.specs.Publish(ctx, "api-gateway"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.rollouts.Deploy(ctx, "api-gateway"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if _, err := h.specs.Publish(ctx, "api-gateway"); err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	_, err := h.rollouts.Deploy(ctx, "api-gateway")
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("second Deploy: got %v, want ErrAlreadyExists", err)
	}
}

func TestCancelledRolloutRestoresOldRevision(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	spec := apiGatewaySpec()
	spec.DesiredReplicas = 2
	_ = h.specs.Apply(ctx, spec)
	deploySteady(t, h, "api-gateway")

	spec.ImageRef = "registry.local/api-gateway:v2"
	_ = h.specs.Apply(ctx, spec)
	if _, err := h.specs.Publish(ctx, "api-gateway"); err != nil {
		t.Fatalf("Publish v2: %v", err)
	}
	if _, err := h.rollouts.Deploy(ctx, "api-gateway"); err != nil {
		t.Fatalf("Deploy v2: %v", err)
	}
	if _, err := h.rollouts.Step(ctx, "api-gateway"); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if err := h.rollouts.Cancel("api-gateway"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	var d domain.Deployment
	var err error
	for i := 0; i < 100; i++ {
		h.advance(31 * time.Second)
		d, err = h.rollouts.Step(ctx, "api-gateway")
		if err != nil {
			t.Fatalf("Step after cancel: %v", err)
		}
		if d.Status.Terminal() {
			break
		}
	}
	if d.Status != domain.DeploymentRolledBack {
		t.Fatalf("status = %q, want rolled_back", d.Status)
	}
	if h.sub.count() != 2 {
		t.Errorf("substrate replicas = %d, want the 2 old ones", h.sub.count())
	}
	for _, rs := range h.sub.live {
		if rs.ImageRef != "registry.local/api-gateway:v1" {
			t.Errorf("surviving replica runs %q, want v1", rs.ImageRef)
		}
	}
}

func TestRedeploySameRevisionAfterRollback(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	spec := apiGatewaySpec()
	spec.DesiredReplicas = 2
	_ = h.specs.Apply(ctx, spec)
	deploySteady(t, h, "api-gateway")

	spec.ImageRef = "registry.local/api-gateway:v2"
	_ = h.specs.Apply(ctx, spec)
	if _, err := h.specs.Publish(ctx, "api-gateway"); err != nil {
		t.Fatalf("Publish v2: %v", err)
	}
	if _, err := h.rollouts.Deploy(ctx, "api-gateway"); err != nil {
		t.Fatalf("Deploy v2: %v", err)
	}
	if _, err := h.rollouts.Step(ctx, "api-gateway"); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := h.rollouts.Cancel("api-gateway"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	var d domain.Deployment
	var err error
	for i := 0; i < 100; i++ {
		h.advance(31 * time.Second)
		d, err = h.rollouts.Step(ctx, "api-gateway")
		if err != nil {
			t.Fatalf("Step after cancel: %v", err)
		}
		if d.Status.Terminal() {
			break
		}
	}
	if d.Status != domain.DeploymentRolledBack {
		t.Fatalf("status = %q, want rolled_back", d.Status)
	}

	// A second attempt at the same revision starts fresh.
	if _, err := h.rollouts.Deploy(ctx, "api-gateway"); err != nil {
		t.Fatalf("Deploy retry: %v", err)
	}
	for i := 0; i < 100; i++ {
		d, err = h.rollouts.Step(ctx, "api-gateway")
		if err != nil {
			t.Fatalf("Step retry: %v", err)
		}
		if d.Status.Terminal() {
			break
		}
		h.advance(31 * time.Second)
	}
	if d.Status != domain.DeploymentSteady {
		t.Fatalf("retry status = %q, want steady", d.Status)
	}
	for _, rs := range h.sub.live {
		if rs.ImageRef != "registry.local/api-gateway:v2" {
			t.Errorf("replica runs %q, want v2", rs.ImageRef)
		}
	}
}

func TestConcurrentResizeAndRedeploy(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	spec := apiGatewaySpec()
	spec.DesiredReplicas = 2
	_ = h.specs.Apply(ctx, spec)
	deploySteady(t, h, "api-gateway")

	// Resize from another goroutine while a redeploy runs. Calls that
	// land during the rollout are refused; the ones around it must not
	// tear the fleet's address book out from under Step's probe loop.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = h.rollouts.Resize(ctx, "api-gateway", 2+i%2)
		}
	}()

	deploySteady(t, h, "api-gateway")
	wg.Wait()

	if got, want := h.sub.count(), h.rollouts.ReplicaCount("api-gateway"); got != want {
		t.Errorf("substrate replicas = %d, fleet tracks %d", got, want)
	}
}

func TestAutoscalerScalesOutWhenSteady(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	spec := apiGatewaySpec()
	spec.DesiredReplicas = 2
	_ = h.specs.Apply(ctx, spec)
	deploySteady(t, h, "api-gateway")

	if err := h.policies.Put(ctx, domain.AutoscalingPolicy{
		ServiceName:      "api-gateway",
		TargetMetricName: "cpu_utilization",
		TargetValue:      70,
	}); err != nil {
		t.Fatalf("Put policy: %v", err)
	}

	// ceil(2 * 140 / 70) = 4, clamped to max_replicas = 3.
	h.source.set("cpu_utilization", 140)
	if err := h.scaler.Tick(ctx, "api-gateway"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.sub.count() != 3 {
		t.Errorf("substrate replicas = %d, want 3", h.sub.count())
	}
}

func TestAutoscalerPicksUpPolicyUpdate(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	spec := apiGatewaySpec()
	spec.DesiredReplicas = 2
	_ = h.specs.Apply(ctx, spec)
	deploySteady(t, h, "api-gateway")

	policy := domain.AutoscalingPolicy{
		ServiceName:      "api-gateway",
		TargetMetricName: "cpu_utilization",
		TargetValue:      100,
	}
	_ = h.policies.Put(ctx, policy)

	// ceil(2 * 100 / 100) = 2 = current: hold.
	h.source.set("cpu_utilization", 100)
	if err := h.scaler.Tick(ctx, "api-gateway"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.sub.count() != 2 {
		t.Fatalf("substrate replicas = %d, want 2 before policy update", h.sub.count())
	}

	// An operator lowers the target; the next tick must evaluate with
	// the stored policy, not the one the scaler was created with.
	policy.TargetValue = 50
	if err := h.policies.Put(ctx, policy); err != nil {
		t.Fatalf("Put updated policy: %v", err)
	}

	// ceil(2 * 100 / 50) = 4, clamped to max_replicas = 3.
	if err := h.scaler.Tick(ctx, "api-gateway"); err != nil {
		t.Fatalf("Tick after update: %v", err)
	}
	if h.sub.count() != 3 {
		t.Errorf("substrate replicas = %d, want 3 after target lowered", h.sub.count())
	}
}

func TestAutoscalerHoldsOnMissingMetric(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	spec := apiGatewaySpec()
	spec.DesiredReplicas = 2
	_ = h.specs.Apply(ctx, spec)
	deploySteady(t, h, "api-gateway")

	_ = h.policies.Put(ctx, domain.AutoscalingPolicy{
		ServiceName:      "api-gateway",
		TargetMetricName: "cpu_utilization",
		TargetValue:      70,
	})

	// No datapoints published: hold.
	if err := h.scaler.Tick(ctx, "api-gateway"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.sub.count() != 2 {
		t.Errorf("substrate replicas = %d, want unchanged 2", h.sub.count())
	}
}

func TestAutoscalerDefersDuringRolloutThenApplies(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	spec := apiGatewaySpec()
	spec.DesiredReplicas = 2
	_ = h.specs.Apply(ctx, spec)
	deploySteady(t, h, "api-gateway")

	_ = h.policies.Put(ctx, domain.AutoscalingPolicy{
		ServiceName:      "api-gateway",
		TargetMetricName: "cpu_utilization",
		TargetValue:      70,
	})
	h.source.set("cpu_utilization", 140)

	// Start a new rollout: the scaler must defer.
	spec.ImageRef = "registry.local/api-gateway:v2"
	_ = h.specs.Apply(ctx, spec)
	if _, err := h.specs.Publish(ctx, "api-gateway"); err != nil {
		t.Fatalf("Publish v2: %v", err)
	}
	if _, err := h.rollouts.Deploy(ctx, "api-gateway"); err != nil {
		t.Fatalf("Deploy v2: %v", err)
	}
	if err := h.scaler.Tick(ctx, "api-gateway"); err != nil {
		t.Fatalf("Tick during rollout: %v", err)
	}
	if h.sub.count() > 4 {
		t.Errorf("scaler acted during rollout: %d replicas", h.sub.count())
	}

	for i := 0; i < 100; i++ {
		d, err := h.rollouts.Step(ctx, "api-gateway")
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if d.Status.Terminal() {
			if d.Status != domain.DeploymentSteady {
				t.Fatalf("status = %q, want steady", d.Status)
			}
			break
		}
		h.advance(31 * time.Second)
	}

	if err := h.scaler.ApplyPending(ctx, "api-gateway"); err != nil {
		t.Fatalf("ApplyPending: %v", err)
	}
	if h.sub.count() != 3 {
		t.Errorf("substrate replicas after deferred apply = %d, want 3", h.sub.count())
	}
}

func TestAlertFlow(t *testing.T) {
	ctx := context.Background()
	sink := &stubSink{}
	bank, err := application.NewCounterBank([]application.CounterRule{
		{Metric: "high_severity_events", Severity: "high"},
	})
	if err != nil {
		t.Fatalf("NewCounterBank: %v", err)
	}

	alerts := &application.AlertService{Bank: bank, Sink: sink}
	err = alerts.Configure([]domain.AlarmConfig{{
		Name:              "high-sev",
		MetricName:        "high_severity_events",
		Threshold:         0,
		Comparison:        domain.CompareGreater,
		EvaluationPeriods: 1,
		MissingData:       domain.MissingNotBreaching,
		Subscribers:       []string{"ops"},
	}})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// threshold=0, periods=1, ">" fires on the first qualifying period.
	alerts.Observe(application.Event{Severity: "high", Message: "intrusion detected"})
	alerts.EvaluatePeriod(ctx)
	if len(sink.published) != 1 {
		t.Fatalf("published = %v, want exactly one notification", sink.published)
	}

	// Still breaching: edge-triggered, no re-notify.
	alerts.Observe(application.Event{Severity: "high", Message: "intrusion detected"})
	alerts.EvaluatePeriod(ctx)
	if len(sink.published) != 1 {
		t.Fatalf("re-notified while already firing: %v", sink.published)
	}

	// Quiet period clears; next breach notifies again.
	alerts.EvaluatePeriod(ctx)
	if got := alerts.Statuses(); got[0].State != domain.AlarmOK {
		t.Fatalf("state after quiet period = %q, want ok", got[0].State)
	}
	alerts.Observe(application.Event{Severity: "high", Message: "intrusion detected"})
	alerts.EvaluatePeriod(ctx)
	if len(sink.published) != 2 {
		t.Fatalf("published = %v, want second notification", sink.published)
	}
}

func TestAlertNotificationRetriesThenDrops(t *testing.T) {
	ctx := context.Background()
	sink := &stubSink{failFirst: 5}
	bank, _ := application.NewCounterBank([]application.CounterRule{
		{Metric: "errors", Severity: "high"},
	})
	alerts := &application.AlertService{Bank: bank, Sink: sink, Retries: 2}
	_ = alerts.Configure([]domain.AlarmConfig{{
		Name:              "errors",
		MetricName:        "errors",
		Threshold:         0,
		Comparison:        domain.CompareGreater,
		EvaluationPeriods: 1,
		MissingData:       domain.MissingNotBreaching,
		Subscribers:       []string{"ops"},
	}})

	alerts.Observe(application.Event{Severity: "high", Message: "boom"})
	alerts.EvaluatePeriod(ctx)
	if len(sink.published) != 0 {
		t.Fatalf("notification delivered despite failing sink: %v", sink.published)
	}
	if got := alerts.Statuses(); got[0].State != domain.AlarmFiring {
		t.Fatalf("alarm state = %q, want firing despite dropped delivery", got[0].State)
	}
}
