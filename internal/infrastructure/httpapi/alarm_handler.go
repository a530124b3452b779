package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flotilla-io/flotilla/internal/application"
	"github.com/flotilla-io/flotilla/internal/domain"
)

// AlarmHandler reports alarm states and ingests application events into
// the counter bank.
type AlarmHandler struct {
	alerts *application.AlertService
}

func NewAlarmHandler(alerts *application.AlertService) *AlarmHandler {
	return &AlarmHandler{alerts: alerts}
}

func (h *AlarmHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.alerts.Statuses())
}

// Ingest records one event against the counter rules. Events feed the
// current evaluation period; they do not trigger evaluation themselves.
func (h *AlarmHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var e application.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidSpec, err))
		return
	}
	h.alerts.Observe(e)
	w.WriteHeader(http.StatusAccepted)
}
