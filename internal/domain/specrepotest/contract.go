// Package specrepotest provides contract tests for
// [domain.ServiceSpecRepository] implementations.
package specrepotest

import (
	"context"
	"errors"
	"testing"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// Factory creates a fresh [domain.ServiceSpecRepository] for each test.
type Factory func(t *testing.T) domain.ServiceSpecRepository

func sampleSpec(name string) domain.ServiceSpec {
	s := domain.ServiceSpec{
		Name:            name,
		ImageRef:        "registry.local/" + name + ":v1",
		CPUUnits:        256,
		MemoryMB:        512,
		ContainerPort:   8000,
		MinReplicas:     1,
		MaxReplicas:     4,
		DesiredReplicas: 2,
	}
	s.ApplyDefaults()
	return s
}

// Run exercises the [domain.ServiceSpecRepository] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("PutAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		spec := sampleSpec("api-gateway")

		if err := repo.Put(ctx, spec); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := repo.Get(ctx, "api-gateway")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ImageRef != spec.ImageRef {
			t.Errorf("ImageRef = %q, want %q", got.ImageRef, spec.ImageRef)
		}
		if got.RolloutPolicy.MinHealthyPercent != domain.DefaultMinHealthyPercent {
			t.Errorf("MinHealthyPercent = %d, want default %d",
				got.RolloutPolicy.MinHealthyPercent, domain.DefaultMinHealthyPercent)
		}
	})

	t.Run("PutIsUpsert", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		spec := sampleSpec("api-gateway")
		if err := repo.Put(ctx, spec); err != nil {
			t.Fatal(err)
		}

		spec.DesiredReplicas = 3
		if err := repo.Put(ctx, spec); err != nil {
			t.Fatalf("second Put: %v", err)
		}
		got, _ := repo.Get(ctx, "api-gateway")
		if got.DesiredReplicas != 3 {
			t.Errorf("DesiredReplicas after upsert = %d, want 3", got.DesiredReplicas)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "ghost")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Put(ctx, sampleSpec("api-gateway"))
		_ = repo.Put(ctx, sampleSpec("event-ingest"))

		got, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List: got %d, want 2", len(got))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Put(ctx, sampleSpec("api-gateway"))
		if err := repo.Delete(ctx, "api-gateway"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, err := repo.Get(ctx, "api-gateway")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Delete(context.Background(), "ghost")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Delete: got %v, want ErrNotFound", err)
		}
	})
}
