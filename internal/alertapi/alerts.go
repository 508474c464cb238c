package alertapi

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/guardian/internal/authmw"
	"github.com/linnemanlabs/guardian/internal/monitor"
)

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

type countResponse struct {
	Count int `json:"count"`
}

type alertsResponse struct {
	Alerts []*monitor.Alert `json:"alerts"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

func (a *API) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var in monitor.NewAlert
	if !decodeBody(w, r, &in, false) {
		return
	}

	res, err := a.svc.CreateAlert(r.Context(), in)
	if err != nil {
		a.fail(w, r, err, "failed to create alert", "alert_type", in.Type)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("guardian.alert.outcome", string(res.Outcome)))

	if res.Created() {
		span.SetAttributes(attribute.String("guardian.alert.id", res.Alert.ID))
		writeJSON(w, http.StatusCreated, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("guardian.alert.id", id))

	al, ok, err := a.svc.GetAlert(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get alert", "id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("guardian.alert.status", string(al.Status)))
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body resolveRequest
	if !decodeBody(w, r, &body, true) {
		return
	}
	resolver := authmw.IdentityFromContext(r.Context())
	if resolver == "" {
		resolver = body.ResolvedBy
	}

	res, err := a.svc.ResolveAlert(r.Context(), id, resolver, body.Notes)
	if err != nil {
		a.fail(w, r, err, "failed to resolve alert", "id", id)
		return
	}
	if res.Outcome == monitor.OutcomeNotFound {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleQueryAlerts(w http.ResponseWriter, r *http.Request) {
	q, err := parseAlertQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := a.svc.QueryAlerts(r.Context(), q)
	if err != nil {
		a.fail(w, r, err, "failed to query alerts")
		return
	}
	if alerts == nil {
		alerts = []*monitor.Alert{}
	}
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts, Limit: q.Limit, Offset: q.Offset})
}

func (a *API) handleCountAlerts(w http.ResponseWriter, r *http.Request) {
	q, err := parseAlertQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.svc.CountAlerts(r.Context(), q)
	if err != nil {
		a.fail(w, r, err, "failed to count alerts")
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

type queryParamError struct {
	name string
}

func (e *queryParamError) Error() string {
	return "invalid query parameter " + e.name
}

func parseAlertQuery(v url.Values) (monitor.AlertQuery, error) {
	q := monitor.AlertQuery{
		ChildID:   v.Get("child_id"),
		ContactID: v.Get("contact_id"),
		Type:      monitor.AlertType(v.Get("type")),
		Status:    monitor.AlertStatus(v.Get("status")),
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"since_days", &q.SinceDays},
		{"limit", &q.Limit},
		{"offset", &q.Offset},
	}
	for _, p := range ints {
		s := v.Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, &queryParamError{name: p.name}
		}
		*p.dst = n
	}

	if s := v.Get("severity_min"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return q, &queryParamError{name: "severity_min"}
		}
		q.SeverityMin = f
	}
	return q, nil
}
