package goworkflows_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cschleiden/go-workflows/backend"
	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"

	"github.com/flotilla-io/flotilla/internal/domain"
	"github.com/flotilla-io/flotilla/internal/infrastructure/goworkflows"
	"github.com/flotilla-io/flotilla/internal/infrastructure/sqlite"
)

func startWorker(t *testing.T, b backend.Backend) *worker.Worker {
	t.Helper()
	w := worker.New(b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.WaitForCompletion()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	return w
}

type orderRecordingProvisioner struct {
	mu    sync.Mutex
	order []string
}

func (p *orderRecordingProvisioner) Apply(_ context.Context, node domain.ResourceNode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, node.ID)
	return nil
}

func TestProvision_GoWorkflows(t *testing.T) {
	b := wfsqlite.NewInMemoryBackend()
	w := startWorker(t, b)
	c := client.New(b)

	db := sqlite.OpenTestDB(t)
	resources := &sqlite.ResourceRepo{DB: db}
	prov := &orderRecordingProvisioner{}

	wf := &domain.ProvisionWorkflow{
		Desired: []domain.ResourceNode{
			{ID: "event-queue", DependsOn: []string{"network"}},
			{ID: "network"},
			{ID: "data-store", DependsOn: []string{"network"}},
			{ID: "alert-topic", DependsOn: []string{"network"}, Gate: "alerting"},
		},
		Resources: resources,
		Apply:     prov,
	}

	engine := &goworkflows.Engine{Worker: w, Client: c, Timeout: 10 * time.Second}
	runner, err := engine.ProvisionRunner(wf)
	if err != nil {
		t.Fatalf("ProvisionRunner: %v", err)
	}

	ctx := context.Background()
	handle, err := runner.Run(ctx, map[string]bool{"alerting": false})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	summary, err := handle.AwaitResult(ctx)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}

	if len(summary.Applied) != 3 {
		t.Fatalf("Applied = %v, want 3 nodes", summary.Applied)
	}
	if len(prov.order) == 0 || prov.order[0] != "network" {
		t.Errorf("apply order = %v, want network first", prov.order)
	}
	for _, id := range prov.order {
		if id == "alert-topic" {
			t.Error("gated node alert-topic was applied with alerting disabled")
		}
	}

	node, err := resources.Get(ctx, "network")
	if err != nil {
		t.Fatalf("Get network: %v", err)
	}
	if node.State != domain.NodeReady {
		t.Errorf("network state = %q, want ready", node.State)
	}

	// A second run over an unchanged graph is a no-op.
	handle, err = runner.Run(ctx, map[string]bool{"alerting": false})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	summary, err = handle.AwaitResult(ctx)
	if err != nil {
		t.Fatalf("second AwaitResult: %v", err)
	}
	if len(summary.Applied) != 0 {
		t.Errorf("second run Applied = %v, want none", summary.Applied)
	}
	if len(summary.Unchanged) != 3 {
		t.Errorf("second run Unchanged = %v, want 3 nodes", summary.Unchanged)
	}
}
