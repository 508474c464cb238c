package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
	notifyTimeout     = 15 * time.Second
)

// NewAlert is a candidate alert handed to AlertManager.Create.
type NewAlert struct {
	Type      AlertType `json:"alert_type"`
	ChildID   string    `json:"child_id,omitempty"`
	ContactID string    `json:"contact_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Score     float64   `json:"score"`
	Details   string    `json:"details,omitempty"`
}

// AlertQuery filters alerts for Query and Count. Zero values mean "any".
type AlertQuery struct {
	ChildID     string      `json:"child_id,omitempty"`
	ContactID   string      `json:"contact_id,omitempty"`
	Type        AlertType   `json:"alert_type,omitempty"`
	Status      AlertStatus `json:"status,omitempty"`
	SeverityMin float64     `json:"severity_min,omitempty"`
	SinceDays   int         `json:"since_days,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	Offset      int         `json:"offset,omitempty"`
}

// AlertManager creates alerts through the cooldown gate and owns the
// open to resolved transition.
type AlertManager struct {
	store    Store
	gate     *Gate
	locker   Locker
	notifier Notifier
	logger   log.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewAlertManager creates an AlertManager. notifier and metrics may be nil.
func NewAlertManager(store Store, gate *Gate, locker Locker, notifier Notifier, logger log.Logger, metrics *Metrics, now func() time.Time) *AlertManager {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if logger == nil {
		logger = log.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &AlertManager{
		store:    store,
		gate:     gate,
		locker:   locker,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      now,
	}
}

// Create raises a new alert unless the cooldown for its subject key refuses it.
// A refusal is reported as OutcomeSuppressed, not as an error.
func (m *AlertManager) Create(ctx context.Context, in NewAlert) (CreateResult, error) {
	if !in.Type.Valid() {
		return CreateResult{}, fmt.Errorf("%w: unknown alert type %q", ErrInvalidInput, in.Type)
	}
	if in.ChildID == "" && in.ContactID == "" {
		return CreateResult{}, fmt.Errorf("%w: alert needs a child or contact", ErrInvalidInput)
	}
	if err := CheckScore(in.Score); err != nil {
		return CreateResult{}, err
	}

	key := SubjectKey(in.Type, in.ChildID, in.ContactID)

	unlock, err := m.locker.Lock(ctx, alertLockKey(key, in.Type))
	if err != nil {
		return CreateResult{}, fmt.Errorf("lock subject %s: %w", key, err)
	}
	defer unlock()

	now := m.now().UTC().Truncate(time.Microsecond)

	admitted, err := m.gate.Admit(ctx, key, in.Type, now)
	if err != nil {
		return CreateResult{}, fmt.Errorf("cooldown lookup %s: %w", key, err)
	}
	if !admitted {
		m.metrics.observeAlert(in.Type, OutcomeSuppressed)
		return CreateResult{Outcome: OutcomeSuppressed, Reason: "cooldown"}, nil
	}

	a := &Alert{
		ID:         ulid.Make().String(),
		SubjectKey: key,
		ChildID:    in.ChildID,
		ContactID:  in.ContactID,
		MessageID:  in.MessageID,
		Type:       in.Type,
		Score:      in.Score,
		Details:    in.Details,
		Status:     StatusOpen,
		CreatedAt:  now,
	}

	inserted, err := m.store.CreateAlert(context.WithoutCancel(ctx), a, m.gate.Cutoff(now))
	if err != nil {
		return CreateResult{}, fmt.Errorf("create alert %s: %w", key, err)
	}
	if !inserted {
		// another process won the race inside the cooldown window
		m.metrics.observeAlert(in.Type, OutcomeSuppressed)
		return CreateResult{Outcome: OutcomeSuppressed, Reason: "cooldown (concurrent)"}, nil
	}

	m.metrics.observeAlert(in.Type, OutcomeOK)
	m.logger.Info(ctx, "alert created",
		"alert_id", a.ID,
		"alert_type", a.Type,
		"subject_key", a.SubjectKey,
		"score", a.Score,
	)

	if m.notifier != nil {
		cp := *a
		go m.notify(context.WithoutCancel(ctx), &cp)
	}

	return CreateResult{Alert: a, Outcome: OutcomeOK}, nil
}

func (m *AlertManager) notify(ctx context.Context, a *Alert) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, a); err != nil {
		m.logger.Error(ctx, err, "alert notification failed", "alert_id", a.ID)
	}
}

// Resolve closes an open alert. Unknown or already resolved alerts yield
// OutcomeNotFound and leave stored state untouched.
func (m *AlertManager) Resolve(ctx context.Context, id, resolvedBy, notes string) (ResolveResult, error) {
	resolvedBy = strings.TrimSpace(resolvedBy)
	if resolvedBy == "" {
		return ResolveResult{}, ErrResolverRequired
	}

	a, ok, err := m.store.ResolveAlert(ctx, id, resolvedBy, notes, m.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return ResolveResult{}, fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if !ok {
		m.metrics.observeResolve(OutcomeNotFound)
		return ResolveResult{Outcome: OutcomeNotFound}, nil
	}

	m.metrics.observeResolve(OutcomeOK)
	m.logger.Info(ctx, "alert resolved", "alert_id", id, "resolved_by", resolvedBy)
	return ResolveResult{Alert: a, Outcome: OutcomeOK}, nil
}

// Get retrieves an alert by ID.
func (m *AlertManager) Get(ctx context.Context, id string) (*Alert, bool, error) {
	return m.store.GetAlert(ctx, id)
}

// Query returns matching alerts newest first.
func (m *AlertManager) Query(ctx context.Context, q AlertQuery) ([]*Alert, error) {
	f, err := m.filter(q)
	if err != nil {
		return nil, err
	}
	return m.store.QueryAlerts(ctx, f)
}

// Count returns the number of alerts matching q, ignoring Limit and Offset.
func (m *AlertManager) Count(ctx context.Context, q AlertQuery) (int, error) {
	f, err := m.filter(q)
	if err != nil {
		return 0, err
	}
	f.Limit, f.Offset = 0, 0
	return m.store.CountAlerts(ctx, f)
}

func (m *AlertManager) filter(q AlertQuery) (AlertFilter, error) {
	if q.Type != "" && !q.Type.Valid() {
		return AlertFilter{}, fmt.Errorf("%w: unknown alert type %q", ErrInvalidInput, q.Type)
	}
	if q.Status != "" && q.Status != StatusOpen && q.Status != StatusResolved {
		return AlertFilter{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, q.Status)
	}
	if q.SinceDays < 0 || q.Limit < 0 || q.Offset < 0 {
		return AlertFilter{}, fmt.Errorf("%w: negative since_days, limit or offset", ErrInvalidInput)
	}
	if q.SeverityMin != 0 {
		if err := CheckScore(q.SeverityMin); err != nil {
			return AlertFilter{}, fmt.Errorf("%w: severity_min: %w", ErrInvalidInput, err)
		}
	}

	f := AlertFilter{
		ChildID:     q.ChildID,
		ContactID:   q.ContactID,
		Type:        q.Type,
		Status:      q.Status,
		SeverityMin: q.SeverityMin,
		Limit:       q.Limit,
		Offset:      q.Offset,
	}
	if q.SinceDays > 0 {
		f.Since = m.now().UTC().AddDate(0, 0, -q.SinceDays)
	}
	f.Limit = clampLimit(f.Limit)
	return f, nil
}

// clampLimit applies the default page size to 0 and caps large limits.
func clampLimit(limit int) int {
	switch {
	case limit == 0:
		return defaultQueryLimit
	case limit > maxQueryLimit:
		return maxQueryLimit
	}
	return limit
}
