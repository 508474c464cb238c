package monitor

import "errors"

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessed is returned by Store.RecordScore when the message was scored before.
	ErrAlreadyProcessed = errors.New("message already processed")

	// ErrResolverRequired is returned when resolving without a resolver identity.
	ErrResolverRequired = errors.New("resolver identity is required")

	// ErrInvalidScore is returned for scores outside [0,1] or NaN.
	ErrInvalidScore = errors.New("score must be within [0,1]")

	// ErrInvalidInput marks caller errors (missing fields, unknown alert type).
	ErrInvalidInput = errors.New("invalid input")
)

// Outcome classifies a per-item result so callers can tell "nothing to do"
// from "retry me". Fatal conditions are returned as errors instead.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeTransient  Outcome = "transient"
)

// CreateResult is the outcome of an alert creation attempt.
type CreateResult struct {
	Alert   *Alert  `json:"alert,omitempty"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Created reports whether a new alert row was written.
func (r CreateResult) Created() bool { return r.Outcome == OutcomeOK }

// ResolveResult is the outcome of a resolve attempt.
type ResolveResult struct {
	Alert   *Alert  `json:"alert,omitempty"`
	Outcome Outcome `json:"outcome"`
}

// ScoreResult is the outcome of scoring a single message.
type ScoreResult struct {
	MessageID string  `json:"message_id"`
	Score     float64 `json:"score"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
}

// IntakeStats summarizes one intake sweep.
type IntakeStats struct {
	Processed        int `json:"processed"`
	Skipped          int `json:"skipped"`
	Duplicates       int `json:"duplicates"`
	AlertsCreated    int `json:"alerts_created"`
	AlertsSuppressed int `json:"alerts_suppressed"`
}

// ContactSweepStats summarizes one contact-risk sweep.
type ContactSweepStats struct {
	Scanned          int `json:"scanned"`
	AlertsCreated    int `json:"alerts_created"`
	AlertsSuppressed int `json:"alerts_suppressed"`
}
