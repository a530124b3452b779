package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flotilla-io/flotilla/internal/domain"
	"github.com/flotilla-io/flotilla/internal/domain/deploymentrepotest"
	"github.com/flotilla-io/flotilla/internal/domain/revisionrepotest"
	"github.com/flotilla-io/flotilla/internal/domain/specrepotest"
	"github.com/flotilla-io/flotilla/internal/infrastructure/sqlite"
)

func TestSpecRepo(t *testing.T) {
	specrepotest.Run(t, func(t *testing.T) domain.ServiceSpecRepository {
		db := sqlite.OpenTestDB(t)
		return &sqlite.SpecRepo{DB: db}
	})
}

func TestRevisionRepo(t *testing.T) {
	revisionrepotest.Run(t, func(t *testing.T) domain.RevisionRepository {
		db := sqlite.OpenTestDB(t)
		return &sqlite.RevisionRepo{DB: db}
	})
}

func TestDeploymentRepo(t *testing.T) {
	deploymentrepotest.Run(t, func(t *testing.T) domain.DeploymentRepository {
		db := sqlite.OpenTestDB(t)
		return &sqlite.DeploymentRepo{DB: db}
	})
}

func TestPolicyRepo(t *testing.T) {
	ctx := context.Background()
	repo := &sqlite.PolicyRepo{DB: sqlite.OpenTestDB(t)}

	_, err := repo.Get(ctx, "api-gateway")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get on empty repo: got %v, want ErrNotFound", err)
	}

	p := domain.AutoscalingPolicy{
		ServiceName:      "api-gateway",
		TargetMetricName: "cpu_utilization",
		TargetValue:      70,
		ScaleOutCooldown: time.Minute,
		ScaleInCooldown:  5 * time.Minute,
	}
	if err := repo.Put(ctx, p); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := repo.Get(ctx, "api-gateway")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TargetValue != 70 || got.ScaleInCooldown != 5*time.Minute {
		t.Errorf("Get = %+v, want round-tripped policy", got)
	}

	// Put is an upsert.
	p.TargetValue = 55
	if err := repo.Put(ctx, p); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, _ = repo.Get(ctx, "api-gateway")
	if got.TargetValue != 55 {
		t.Errorf("TargetValue after upsert = %v, want 55", got.TargetValue)
	}

	_ = repo.Put(ctx, domain.AutoscalingPolicy{ServiceName: "event-ingest", TargetMetricName: "queue_depth", TargetValue: 100})
	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List: got %d policies, want 2", len(all))
	}
}

func TestResourceRepo(t *testing.T) {
	ctx := context.Background()
	repo := &sqlite.ResourceRepo{DB: sqlite.OpenTestDB(t)}

	_, err := repo.Get(ctx, "network")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get on empty repo: got %v, want ErrNotFound", err)
	}

	node := domain.ResourceNode{
		ID:        "data-store",
		DependsOn: []string{"network"},
		Config:    map[string]string{"capacity_mode": "on_demand"},
		State:     domain.NodeCreating,
	}
	if err := repo.Upsert(ctx, node); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	node.State = domain.NodeReady
	if err := repo.Upsert(ctx, node); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := repo.Get(ctx, "data-store")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != domain.NodeReady {
		t.Errorf("State = %q, want ready", got.State)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "network" {
		t.Errorf("DependsOn = %v, want [network]", got.DependsOn)
	}
	if got.Config["capacity_mode"] != "on_demand" {
		t.Errorf("Config = %v, want capacity_mode preserved", got.Config)
	}

	_ = repo.Upsert(ctx, domain.ResourceNode{ID: "network", State: domain.NodeReady})
	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List: got %d nodes, want 2", len(all))
	}
}
