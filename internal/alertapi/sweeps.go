package alertapi

import (
	"net/http"
)

// maxSweepLimit caps the messages one on-demand intake sweep loads.
const maxSweepLimit = 1000

type intakeSweepRequest struct {
	Limit int `json:"limit"`
}

type contactSweepRequest struct {
	Threshold float64 `json:"threshold"`
}

// handleIntakeSweep runs one intake sweep inline. A zero limit uses the
// configured batch size; larger limits are capped at maxSweepLimit.
func (a *API) handleIntakeSweep(w http.ResponseWriter, r *http.Request) {
	var body intakeSweepRequest
	if !decodeBody(w, r, &body, true) {
		return
	}
	if body.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}
	body.Limit = min(body.Limit, maxSweepLimit)
	stats, err := a.svc.RunIntakeSweep(r.Context(), body.Limit)
	if err != nil {
		a.fail(w, r, err, "intake sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleContactSweep runs one contact alert sweep inline. A zero threshold uses the configured one.
func (a *API) handleContactSweep(w http.ResponseWriter, r *http.Request) {
	var body contactSweepRequest
	if !decodeBody(w, r, &body, true) {
		return
	}
	stats, err := a.svc.RunContactAlertSweep(r.Context(), body.Threshold)
	if err != nil {
		a.fail(w, r, err, "contact sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
