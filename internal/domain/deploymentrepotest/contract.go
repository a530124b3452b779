// Package deploymentrepotest provides contract tests for
// [domain.DeploymentRepository] implementations.
package deploymentrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// Factory creates a fresh [domain.DeploymentRepository] for each test.
type Factory func(t *testing.T) domain.DeploymentRepository

func sampleDeployment(service string, revision int64) domain.Deployment {
	return domain.Deployment{
		ServiceName:    service,
		TargetRevision: revision,
		Status:         domain.DeploymentPending,
		StartedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// Run exercises the [domain.DeploymentRepository] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment("api-gateway", 1)

		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.Get(ctx, "api-gateway", 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != domain.DeploymentPending {
			t.Errorf("Status = %q, want pending", got.Status)
		}
		if !got.StartedAt.Equal(d.StartedAt) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, d.StartedAt)
		}
	})

	t.Run("SecondNonTerminalRejected", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, sampleDeployment("api-gateway", 1))

		err := repo.Create(ctx, sampleDeployment("api-gateway", 2))
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("second non-terminal Create: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("CreateAllowedAfterTerminal", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment("api-gateway", 1)
		_ = repo.Create(ctx, d)

		d.Status = domain.DeploymentSteady
		if err := repo.Update(ctx, d); err != nil {
			t.Fatalf("Update: %v", err)
		}

		if err := repo.Create(ctx, sampleDeployment("api-gateway", 2)); err != nil {
			t.Fatalf("Create after terminal: %v", err)
		}
	})

	t.Run("RetrySameRevisionAfterTerminal", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment("api-gateway", 1)
		_ = repo.Create(ctx, d)
		d.Status = domain.DeploymentRolledBack
		d.HealthyTaskCount = 1
		_ = repo.Update(ctx, d)

		retry := sampleDeployment("api-gateway", 1)
		retry.StartedAt = retry.StartedAt.Add(time.Hour)
		if err := repo.Create(ctx, retry); err != nil {
			t.Fatalf("Create retry after rolled back: %v", err)
		}

		got, err := repo.Get(ctx, "api-gateway", 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != domain.DeploymentPending {
			t.Errorf("retry Status = %q, want pending", got.Status)
		}
		if got.HealthyTaskCount != 0 {
			t.Errorf("retry HealthyTaskCount = %d, want 0", got.HealthyTaskCount)
		}
		if !got.StartedAt.Equal(retry.StartedAt) {
			t.Errorf("retry StartedAt = %v, want %v", got.StartedAt, retry.StartedAt)
		}
	})

	t.Run("RetrySameRevisionWhileActiveRejected", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, sampleDeployment("api-gateway", 1))

		err := repo.Create(ctx, sampleDeployment("api-gateway", 1))
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("retry while active: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("Current", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment("api-gateway", 1)
		_ = repo.Create(ctx, d)
		d.Status = domain.DeploymentSteady
		_ = repo.Update(ctx, d)
		_ = repo.Create(ctx, sampleDeployment("api-gateway", 2))

		got, err := repo.Current(ctx, "api-gateway")
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if got.TargetRevision != 2 {
			t.Errorf("Current revision = %d, want the most recent 2", got.TargetRevision)
		}
	})

	t.Run("CurrentNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Current(context.Background(), "ghost")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Current: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Update", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment("api-gateway", 1)
		_ = repo.Create(ctx, d)

		d.Status = domain.DeploymentRolling
		d.HealthyTaskCount = 3
		if err := repo.Update(ctx, d); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, _ := repo.Get(ctx, "api-gateway", 1)
		if got.Status != domain.DeploymentRolling {
			t.Errorf("Status after Update = %q, want rolling", got.Status)
		}
		if got.HealthyTaskCount != 3 {
			t.Errorf("HealthyTaskCount = %d, want 3", got.HealthyTaskCount)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Update(context.Background(), sampleDeployment("ghost", 9))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Update: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListByService", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment("api-gateway", 1)
		_ = repo.Create(ctx, d)
		d.Status = domain.DeploymentRolledBack
		_ = repo.Update(ctx, d)
		_ = repo.Create(ctx, sampleDeployment("api-gateway", 2))
		_ = repo.Create(ctx, sampleDeployment("event-ingest", 1))

		got, err := repo.ListByService(ctx, "api-gateway")
		if err != nil {
			t.Fatalf("ListByService: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListByService: got %d, want 2", len(got))
		}
	})
}
