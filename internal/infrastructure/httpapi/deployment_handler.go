package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flotilla-io/flotilla/internal/application"
	"github.com/flotilla-io/flotilla/internal/domain"
)

// DeploymentHandler starts, cancels, and reports rollouts. Deployments
// are advanced by the server's tick loop, not by the request handlers.
type DeploymentHandler struct {
	rollouts    *application.RolloutService
	deployments domain.DeploymentRepository
}

func NewDeploymentHandler(rollouts *application.RolloutService, deployments domain.DeploymentRepository) *DeploymentHandler {
	return &DeploymentHandler{rollouts: rollouts, deployments: deployments}
}

// Deploy starts a rollout of the latest published revision of the
// service. A 409 means another deployment is still in flight.
func (h *DeploymentHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	d, err := h.rollouts.Deploy(r.Context(), chi.URLParam(r, "service"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.deployments.Current(r.Context(), chi.URLParam(r, "service"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeploymentHandler) History(w http.ResponseWriter, r *http.Request) {
	ds, err := h.deployments.ListByService(r.Context(), chi.URLParam(r, "service"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *DeploymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.rollouts.Cancel(chi.URLParam(r, "service")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
