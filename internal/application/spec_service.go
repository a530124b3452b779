package application

import (
	"context"
	"log/slog"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// SpecService manages the service descriptor store: operator-authored
// specs and the immutable revisions published from them.
type SpecService struct {
	Specs     domain.ServiceSpecRepository
	Revisions domain.RevisionRepository
	Log       *slog.Logger
}

// Apply defaults, validates, and stores a service spec. It does not
// publish a revision; deployment only ever follows an explicit Publish.
func (s *SpecService) Apply(ctx context.Context, spec domain.ServiceSpec) error {
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}
	return s.Specs.Put(ctx, spec)
}

// Publish snapshots the current spec of a service as a new immutable
// revision with the next per-service sequence number.
func (s *SpecService) Publish(ctx context.Context, name string) (domain.Revision, error) {
	spec, err := s.Specs.Get(ctx, name)
	if err != nil {
		return domain.Revision{}, err
	}
	rev, err := s.Revisions.Publish(ctx, spec)
	if err != nil {
		return domain.Revision{}, err
	}
	logger(s.Log).Info("revision published", "service", name, "sequence", rev.Sequence)
	return rev, nil
}

func (s *SpecService) Get(ctx context.Context, name string) (domain.ServiceSpec, error) {
	return s.Specs.Get(ctx, name)
}

func (s *SpecService) List(ctx context.Context) ([]domain.ServiceSpec, error) {
	return s.Specs.List(ctx)
}

func (s *SpecService) Delete(ctx context.Context, name string) error {
	return s.Specs.Delete(ctx, name)
}
