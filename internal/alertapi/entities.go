package alertapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

type scoreRequest struct {
	Score *float64 `json:"score"`
}

type riskResponse struct {
	ContactID string   `json:"contact_id"`
	Risk      *float64 `json:"risk"`
}

func (a *API) handleRegisterChild(w http.ResponseWriter, r *http.Request) {
	var c monitor.Child
	if !decodeBody(w, r, &c, false) {
		return
	}
	child, err := a.svc.RegisterChild(r.Context(), c)
	if err != nil {
		a.fail(w, r, err, "failed to register child")
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (a *API) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var d monitor.Device
	if !decodeBody(w, r, &d, false) {
		return
	}
	dev, created, err := a.svc.RegisterDevice(r.Context(), d)
	if err != nil {
		a.fail(w, r, err, "failed to register device", "child_id", d.ChildID)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, dev)
}

func (a *API) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	var req monitor.IngestRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	res, err := a.svc.IngestMessage(r.Context(), req)
	if err != nil {
		a.fail(w, r, err, "failed to ingest message", "child_id", req.ChildID)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("guardian.message.id", res.Message.ID),
		attribute.Bool("guardian.message.duplicate", res.Duplicate),
	)

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

type contactsResponse struct {
	Contacts []*monitor.Contact `json:"contacts"`
}

// handleContactsByRisk lists a child's contacts, riskiest first.
func (a *API) handleContactsByRisk(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	childID := v.Get("child_id")
	if childID == "" {
		writeError(w, http.StatusBadRequest, "child_id is required")
		return
	}

	var (
		minRisk float64
		limit   int
		err     error
	)
	if s := v.Get("min_risk"); s != "" {
		if minRisk, err = strconv.ParseFloat(s, 64); err != nil {
			writeError(w, http.StatusBadRequest, (&queryParamError{name: "min_risk"}).Error())
			return
		}
	}
	if s := v.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			writeError(w, http.StatusBadRequest, (&queryParamError{name: "limit"}).Error())
			return
		}
	}

	contacts, err := a.svc.ContactsByRisk(r.Context(), childID, minRisk, limit)
	if err != nil {
		a.fail(w, r, err, "failed to list contacts", "child_id", childID)
		return
	}
	if contacts == nil {
		contacts = []*monitor.Contact{}
	}
	writeJSON(w, http.StatusOK, contactsResponse{Contacts: contacts})
}

func (a *API) handleGetContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok, err := a.svc.GetContact(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get contact", "id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleContactRisk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	risk, defined, err := a.svc.ContactRisk(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to read contact risk", "id", id)
		return
	}
	out := riskResponse{ContactID: id}
	if defined {
		out.Risk = &risk
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleRecordContactScore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body scoreRequest
	if !decodeBody(w, r, &body, false) {
		return
	}
	if body.Score == nil {
		writeError(w, http.StatusBadRequest, "score is required")
		return
	}
	risk, err := a.svc.UpdateContactRisk(r.Context(), id, *body.Score)
	if err != nil {
		a.fail(w, r, err, "failed to update contact risk", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, riskResponse{ContactID: id, Risk: &risk})
}
