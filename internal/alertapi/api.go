// Package alertapi exposes the guardian pipeline over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

const maxBodyBytes = 1 << 20

// Service defines the business operations alertapi needs.
type Service interface {
	RegisterChild(ctx context.Context, c monitor.Child) (*monitor.Child, error)
	RegisterDevice(ctx context.Context, d monitor.Device) (*monitor.Device, bool, error)
	IngestMessage(ctx context.Context, req monitor.IngestRequest) (monitor.IngestResult, error)

	GetContact(ctx context.Context, id string) (*monitor.Contact, bool, error)
	ContactsByRisk(ctx context.Context, childID string, minRisk float64, limit int) ([]*monitor.Contact, error)
	ContactRisk(ctx context.Context, contactID string) (float64, bool, error)
	UpdateContactRisk(ctx context.Context, contactID string, score float64) (float64, error)

	CreateAlert(ctx context.Context, in monitor.NewAlert) (monitor.CreateResult, error)
	ResolveAlert(ctx context.Context, id, resolvedBy, notes string) (monitor.ResolveResult, error)
	GetAlert(ctx context.Context, id string) (*monitor.Alert, bool, error)
	QueryAlerts(ctx context.Context, q monitor.AlertQuery) ([]*monitor.Alert, error)
	CountAlerts(ctx context.Context, q monitor.AlertQuery) (int, error)

	RunIntakeSweep(ctx context.Context, batchLimit int) (monitor.IntakeStats, error)
	RunContactAlertSweep(ctx context.Context, threshold float64) (monitor.ContactSweepStats, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Service
}

// New creates a new API handler.
func New(logger log.Logger, svc Service) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("monitor service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/children", a.handleRegisterChild)
		r.Post("/devices", a.handleRegisterDevice)
		r.Post("/messages", a.handleIngestMessage)

		r.Get("/contacts", a.handleContactsByRisk)
		r.Get("/contacts/{id}", a.handleGetContact)
		r.Get("/contacts/{id}/risk", a.handleContactRisk)
		r.Post("/contacts/{id}/scores", a.handleRecordContactScore)

		r.Get("/alerts", a.handleQueryAlerts)
		r.Post("/alerts", a.handleCreateAlert)
		r.Get("/alerts/count", a.handleCountAlerts)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Post("/alerts/{id}/resolve", a.handleResolveAlert)

		r.Post("/sweeps/intake", a.handleIntakeSweep)
		r.Post("/sweeps/contacts", a.handleContactSweep)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON body into v. An empty body is allowed when
// optional is set and leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid payload")
	return false
}

// fail maps a service error to a response. Caller mistakes are echoed;
// anything else is logged and hidden behind a 500.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case monitor.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
