// Package revisionrepotest provides contract tests for
// [domain.RevisionRepository] implementations.
package revisionrepotest

import (
	"context"
	"errors"
	"testing"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// Factory creates a fresh [domain.RevisionRepository] for each test.
type Factory func(t *testing.T) domain.RevisionRepository

func sampleSpec(name, image string) domain.ServiceSpec {
	s := domain.ServiceSpec{
		Name:            name,
		ImageRef:        image,
		MinReplicas:     1,
		MaxReplicas:     4,
		DesiredReplicas: 2,
	}
	s.ApplyDefaults()
	return s
}

// Run exercises the [domain.RevisionRepository] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishAssignsMonotonicSequence", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		r1, err := repo.Publish(ctx, sampleSpec("api-gateway", "img:v1"))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		r2, err := repo.Publish(ctx, sampleSpec("api-gateway", "img:v2"))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if r1.Sequence != 1 || r2.Sequence != 2 {
			t.Fatalf("sequences = %d, %d, want 1, 2", r1.Sequence, r2.Sequence)
		}
	})

	t.Run("SequencesIndependentPerService", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_, _ = repo.Publish(ctx, sampleSpec("api-gateway", "img:v1"))
		r, err := repo.Publish(ctx, sampleSpec("event-ingest", "img:v1"))
		if err != nil {
			t.Fatal(err)
		}
		if r.Sequence != 1 {
			t.Fatalf("first event-ingest sequence = %d, want 1", r.Sequence)
		}
	})

	t.Run("GetSnapshotIsImmutable", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_, _ = repo.Publish(ctx, sampleSpec("api-gateway", "img:v1"))
		_, _ = repo.Publish(ctx, sampleSpec("api-gateway", "img:v2"))

		got, err := repo.Get(ctx, "api-gateway", 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Spec.ImageRef != "img:v1" {
			t.Errorf("revision 1 image = %q, want the snapshot at publish time", got.Spec.ImageRef)
		}
	})

	t.Run("Latest", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_, _ = repo.Publish(ctx, sampleSpec("api-gateway", "img:v1"))
		_, _ = repo.Publish(ctx, sampleSpec("api-gateway", "img:v2"))

		got, err := repo.Latest(ctx, "api-gateway")
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if got.Sequence != 2 {
			t.Errorf("Latest sequence = %d, want 2", got.Sequence)
		}
	})

	t.Run("LatestNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Latest(context.Background(), "ghost")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Latest: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListByService", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_, _ = repo.Publish(ctx, sampleSpec("api-gateway", "img:v1"))
		_, _ = repo.Publish(ctx, sampleSpec("api-gateway", "img:v2"))
		_, _ = repo.Publish(ctx, sampleSpec("event-ingest", "img:v1"))

		got, err := repo.ListByService(ctx, "api-gateway")
		if err != nil {
			t.Fatalf("ListByService: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListByService: got %d, want 2", len(got))
		}
	})
}
