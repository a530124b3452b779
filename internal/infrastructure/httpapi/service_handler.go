package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flotilla-io/flotilla/internal/application"
	"github.com/flotilla-io/flotilla/internal/domain"
)

// revisionPublisher abstracts over plain publishing and the scheduler's
// publish-and-deploy.
type revisionPublisher interface {
	Publish(ctx context.Context, name string) (domain.Revision, error)
}

// ServiceHandler exposes service descriptors and revision publishing.
type ServiceHandler struct {
	specs     *application.SpecService
	publisher revisionPublisher
}

// NewServiceHandler builds the handler. A nil publisher publishes
// revisions without starting a rollout.
func NewServiceHandler(specs *application.SpecService, publisher revisionPublisher) *ServiceHandler {
	if publisher == nil {
		publisher = specs
	}
	return &ServiceHandler{specs: specs, publisher: publisher}
}

func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	specs, err := h.specs.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, specs)
}

func (h *ServiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	spec, err := h.specs.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// Put validates and stores a descriptor. The name in the URL wins over
// the name in the body.
func (h *ServiceHandler) Put(w http.ResponseWriter, r *http.Request) {
	var spec domain.ServiceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidSpec, err))
		return
	}
	spec.Name = chi.URLParam(r, "name")
	if err := h.specs.Apply(r.Context(), spec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (h *ServiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.specs.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Publish snapshots the stored descriptor as the next immutable
// revision. When the handler is wired to the scheduler, publishing
// also starts the rollout.
func (h *ServiceHandler) Publish(w http.ResponseWriter, r *http.Request) {
	rev, err := h.publisher.Publish(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}
