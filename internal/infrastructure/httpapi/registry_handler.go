package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flotilla-io/flotilla/internal/infrastructure/registry"
)

// RegistryHandler serves endpoint lookups from the in-memory service
// registry.
type RegistryHandler struct {
	registry *registry.Registry
	now      func() time.Time
}

func NewRegistryHandler(reg *registry.Registry, now func() time.Time) *RegistryHandler {
	if now == nil {
		now = time.Now
	}
	return &RegistryHandler{registry: reg, now: now}
}

// Lookup returns every live endpoint of a service. An unknown or fully
// stale service yields an empty list, not a 404: consumers treat the
// two the same way.
func (h *RegistryHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	eps := h.registry.Lookup(chi.URLParam(r, "service"), h.now())
	if eps == nil {
		eps = []registry.Endpoint{}
	}
	writeJSON(w, http.StatusOK, eps)
}

func (h *RegistryHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Snapshot(h.now()))
}
