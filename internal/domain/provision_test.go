package domain_test

import (
	"context"
	"testing"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// recordingRunner runs activities and records their names and node IDs
// in order so tests can assert execution sequence.
type recordingRunner struct {
	ctx      context.Context
	records  []activityRecord
	delegate domain.DurableRunner
}

type activityRecord struct {
	Name string
	// NodeID is set for provision-node.
	NodeID string
}

func (r *recordingRunner) ID() string               { return r.delegate.ID() }
func (r *recordingRunner) Context() context.Context { return r.ctx }

func (r *recordingRunner) Run(activity domain.Activity[any, any], in any) (any, error) {
	rec := activityRecord{Name: activity.Name()}
	if v, ok := in.(domain.ProvisionNodeInput); ok {
		rec.NodeID = v.Node.ID
	}
	r.records = append(r.records, rec)
	return r.delegate.Run(activity, in)
}

// syncRunnerImpl runs activities synchronously (no durability).
type syncRunnerImpl struct {
	ctx context.Context
}

func (s *syncRunnerImpl) ID() string               { return "test-sync" }
func (s *syncRunnerImpl) Context() context.Context { return s.ctx }
func (s *syncRunnerImpl) Run(activity domain.Activity[any, any], in any) (any, error) {
	return activity.Run(s.ctx, in)
}

// memResourceRepo is an in-memory ResourceRepository.
type memResourceRepo struct {
	nodes map[string]domain.ResourceNode
}

func newMemResourceRepo() *memResourceRepo {
	return &memResourceRepo{nodes: make(map[string]domain.ResourceNode)}
}

func (m *memResourceRepo) Upsert(_ context.Context, n domain.ResourceNode) error {
	m.nodes[n.ID] = n
	return nil
}

func (m *memResourceRepo) Get(_ context.Context, id string) (domain.ResourceNode, error) {
	n, ok := m.nodes[id]
	if !ok {
		return domain.ResourceNode{}, domain.ErrNotFound
	}
	return n, nil
}

func (m *memResourceRepo) List(_ context.Context) ([]domain.ResourceNode, error) {
	out := make([]domain.ResourceNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out, nil
}

// countingProvisioner counts Apply calls per node.
type countingProvisioner struct {
	applied map[string]int
}

func (p *countingProvisioner) Apply(_ context.Context, n domain.ResourceNode) error {
	if p.applied == nil {
		p.applied = make(map[string]int)
	}
	p.applied[n.ID]++
	return nil
}

func provisionHarness(desired []domain.ResourceNode) (*domain.ProvisionWorkflow, *memResourceRepo, *countingProvisioner) {
	repo := newMemResourceRepo()
	prov := &countingProvisioner{}
	wf := &domain.ProvisionWorkflow{Desired: desired, Resources: repo, Apply: prov}
	return wf, repo, prov
}

func TestProvision_DependenciesApplyBeforeDependents(t *testing.T) {
	wf, _, _ := provisionHarness(sharedGraph())
	ctx := context.Background()
	recorder := &recordingRunner{ctx: ctx, delegate: &syncRunnerImpl{ctx: ctx}}

	summary, err := wf.Run(recorder, map[string]bool{"alerting": true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Applied) != 5 {
		t.Fatalf("Applied = %v, want all 5 nodes", summary.Applied)
	}

	networkAt, queueAt := -1, -1
	for i, rec := range recorder.records {
		if rec.Name != "provision-node" {
			continue
		}
		switch rec.NodeID {
		case "network":
			networkAt = i
		case "event-queue":
			queueAt = i
		}
	}
	if networkAt < 0 || queueAt < 0 {
		t.Fatalf("provision-node not recorded for both nodes: %+v", recorder.records)
	}
	if networkAt >= queueAt {
		t.Errorf("network must provision before event-queue: network at %d, queue at %d", networkAt, queueAt)
	}
}

func TestProvision_PlanningRunsAsActivities(t *testing.T) {
	wf, _, _ := provisionHarness(sharedGraph())
	ctx := context.Background()
	recorder := &recordingRunner{ctx: ctx, delegate: &syncRunnerImpl{ctx: ctx}}

	if _, err := wf.Run(recorder, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var hasLoad, hasPlan bool
	for _, rec := range recorder.records {
		switch rec.Name {
		case "load-graph":
			hasLoad = true
		case "plan-apply":
			hasPlan = true
		}
	}
	if !hasLoad {
		t.Error("workflow must invoke load-graph as an activity")
	}
	if !hasPlan {
		t.Error("workflow must invoke plan-apply as an activity")
	}
}

func TestProvision_ReapplyUnchangedIsNoOp(t *testing.T) {
	wf, repo, prov := provisionHarness(sharedGraph())
	ctx := context.Background()
	runner := &syncRunnerImpl{ctx: ctx}

	if _, err := wf.Run(runner, map[string]bool{"alerting": true}); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	summary, err := wf.Run(runner, map[string]bool{"alerting": true})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(summary.Applied) != 0 {
		t.Errorf("re-apply of unchanged plan applied %v, want none", summary.Applied)
	}
	if len(summary.Unchanged) != 5 {
		t.Errorf("Unchanged = %v, want all 5 nodes", summary.Unchanged)
	}
	for id, n := range prov.applied {
		if n != 1 {
			t.Errorf("node %s applied %d times, want 1", id, n)
		}
	}
	for _, n := range repo.nodes {
		if n.State != domain.NodeReady {
			t.Errorf("node %s state = %q, want ready", n.ID, n.State)
		}
	}
}

func TestProvision_ChangedConfigReappliesOnlyThatNode(t *testing.T) {
	desired := sharedGraph()
	wf, _, prov := provisionHarness(desired)
	ctx := context.Background()
	runner := &syncRunnerImpl{ctx: ctx}

	if _, err := wf.Run(runner, map[string]bool{"alerting": true}); err != nil {
		t.Fatal(err)
	}

	// Change one node's desired config.
	for i := range wf.Desired {
		if wf.Desired[i].ID == "event-queue" {
			wf.Desired[i].Config = map[string]string{"visibility_timeout": "60"}
		}
	}

	summary, err := wf.Run(runner, map[string]bool{"alerting": true})
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Applied) != 1 || summary.Applied[0] != "event-queue" {
		t.Fatalf("Applied = %v, want [event-queue]", summary.Applied)
	}
	if prov.applied["network"] != 1 {
		t.Errorf("unrelated node re-applied %d times, want 1", prov.applied["network"])
	}
}

func TestProvision_GatedNodeSkippedWithoutFlag(t *testing.T) {
	wf, repo, _ := provisionHarness(sharedGraph())
	ctx := context.Background()
	runner := &syncRunnerImpl{ctx: ctx}

	summary, err := wf.Run(runner, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Applied) != 4 {
		t.Errorf("Applied = %v, want 4 nodes with alerting disabled", summary.Applied)
	}
	if _, err := repo.Get(ctx, "alert-topic"); err == nil {
		t.Error("gated node was provisioned despite disabled flag")
	}
}
