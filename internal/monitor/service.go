package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
)

// Deps are the collaborators of a Service. Store and Scorer are required.
type Deps struct {
	Store    Store
	Scorer   Scorer
	Locker   Locker
	Notifier Notifier
	Logger   log.Logger
	Metrics  *Metrics
	Now      func() time.Time
}

// Service is the business boundary for the risk pipeline: sweeps, alert
// lifecycle and ingestion.
type Service struct {
	cfg     Config
	store   Store
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time

	agg    *Aggregator
	alerts *AlertManager
	intake *Intake
	sweep  *ContactSweep
}

// NewService validates cfg and wires the pipeline components.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("monitor config: %w", err)
	}
	if deps.Store == nil {
		return nil, xerrors.New("monitor: store is required")
	}
	if deps.Scorer == nil {
		return nil, xerrors.New("monitor: scorer is required")
	}
	if deps.Locker == nil {
		deps.Locker = NewKeyedMutex()
	}
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	agg := NewAggregator(deps.Store, deps.Locker, cfg, deps.Now)
	gate := NewGate(deps.Store, cfg.AlertCooldown)
	alerts := NewAlertManager(deps.Store, gate, deps.Locker, deps.Notifier, deps.Logger, deps.Metrics, deps.Now)

	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     deps.Now,
		agg:     agg,
		alerts:  alerts,
		intake:  NewIntake(deps.Store, deps.Scorer, agg, alerts, cfg, deps.Logger, deps.Metrics),
		sweep:   NewContactSweep(deps.Store, alerts, cfg, deps.Logger, deps.Metrics),
	}, nil
}

// Config returns the pipeline configuration.
func (s *Service) Config() Config { return s.cfg }

// RunIntakeSweep scores up to batchLimit unprocessed messages.
func (s *Service) RunIntakeSweep(ctx context.Context, batchLimit int) (IntakeStats, error) {
	start := time.Now()
	stats, err := s.intake.ProcessBatch(ctx, batchLimit)
	s.metrics.observeSweep("intake", start, err)

	if err != nil {
		s.logger.Error(ctx, err, "intake sweep failed",
			"processed", stats.Processed,
			"skipped", stats.Skipped,
		)
		return stats, err
	}
	if stats != (IntakeStats{}) {
		s.logger.Info(ctx, "intake sweep complete",
			"processed", stats.Processed,
			"skipped", stats.Skipped,
			"duplicates", stats.Duplicates,
			"alerts_created", stats.AlertsCreated,
			"alerts_suppressed", stats.AlertsSuppressed,
			"duration", time.Since(start),
		)
	}
	return stats, nil
}

// RunContactAlertSweep raises contact alerts at threshold. threshold <= 0
// uses the configured contact threshold.
func (s *Service) RunContactAlertSweep(ctx context.Context, threshold float64) (ContactSweepStats, error) {
	if threshold <= 0 {
		threshold = s.cfg.ContactRiskThreshold
	}

	start := time.Now()
	stats, err := s.sweep.Run(ctx, threshold)
	s.metrics.observeSweep("contacts", start, err)

	if err != nil {
		s.logger.Error(ctx, err, "contact sweep failed", "scanned", stats.Scanned)
		return stats, err
	}
	s.logger.Info(ctx, "contact sweep complete",
		"scanned", stats.Scanned,
		"alerts_created", stats.AlertsCreated,
		"alerts_suppressed", stats.AlertsSuppressed,
		"threshold", threshold,
		"duration", time.Since(start),
	)
	return stats, nil
}

// CreateAlert raises an alert through the cooldown gate.
func (s *Service) CreateAlert(ctx context.Context, in NewAlert) (CreateResult, error) {
	return s.alerts.Create(ctx, in)
}

// ResolveAlert closes an open alert.
func (s *Service) ResolveAlert(ctx context.Context, id, resolvedBy, notes string) (ResolveResult, error) {
	return s.alerts.Resolve(ctx, id, resolvedBy, notes)
}

// QueryAlerts returns alerts matching q, newest first.
func (s *Service) QueryAlerts(ctx context.Context, q AlertQuery) ([]*Alert, error) {
	return s.alerts.Query(ctx, q)
}

// CountAlerts counts alerts matching q.
func (s *Service) CountAlerts(ctx context.Context, q AlertQuery) (int, error) {
	return s.alerts.Count(ctx, q)
}

// GetAlert retrieves an alert by ID.
func (s *Service) GetAlert(ctx context.Context, id string) (*Alert, bool, error) {
	return s.alerts.Get(ctx, id)
}

// GetContact retrieves a contact with its current window and risk.
func (s *Service) GetContact(ctx context.Context, id string) (*Contact, bool, error) {
	return s.store.GetContact(ctx, id)
}

// ContactsByRisk lists a child's scored contacts with risk >= minRisk,
// highest first. limit 0 uses the default page size; larger values are capped.
func (s *Service) ContactsByRisk(ctx context.Context, childID string, minRisk float64, limit int) ([]*Contact, error) {
	if strings.TrimSpace(childID) == "" {
		return nil, fmt.Errorf("%w: missing child_id", ErrInvalidInput)
	}
	if minRisk != 0 {
		if err := CheckScore(minRisk); err != nil {
			return nil, fmt.Errorf("%w: min_risk: %w", ErrInvalidInput, err)
		}
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidInput)
	}
	limit = clampLimit(limit)

	contacts, err := s.store.ContactsByRisk(ctx, childID, minRisk, limit)
	if err != nil {
		return nil, fmt.Errorf("contacts by risk for %s: %w", childID, err)
	}
	return contacts, nil
}

// UpdateContactRisk pushes a score directly into a contact's window.
func (s *Service) UpdateContactRisk(ctx context.Context, contactID string, score float64) (float64, error) {
	return s.agg.Update(ctx, contactID, score)
}

// ContactRisk returns the current risk; defined is false for an empty window.
func (s *Service) ContactRisk(ctx context.Context, contactID string) (float64, bool, error) {
	return s.agg.CurrentRisk(ctx, contactID)
}

// RegisterChild stores a new child profile.
func (s *Service) RegisterChild(ctx context.Context, c Child) (*Child, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidInput)
	}
	if c.Age < 0 {
		return nil, fmt.Errorf("%w: negative age", ErrInvalidInput)
	}
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	c.CreatedAt = s.now().UTC()

	if err := s.store.PutChild(ctx, &c); err != nil {
		return nil, fmt.Errorf("store child: %w", err)
	}
	s.logger.Info(ctx, "child registered", "child_id", c.ID)
	return &c, nil
}

// RegisterDevice stores a device unless its UUID is already known, in which
// case the existing device is returned with created=false.
func (s *Service) RegisterDevice(ctx context.Context, d Device) (*Device, bool, error) {
	d.UUID = strings.TrimSpace(d.UUID)
	if d.UUID == "" {
		return nil, false, fmt.Errorf("%w: missing uuid", ErrInvalidInput)
	}
	if d.ChildID != "" {
		if err := s.requireChild(ctx, d.ChildID); err != nil {
			return nil, false, err
		}
	}
	d.ID = ulid.Make().String()
	d.RegisteredAt = s.now().UTC()

	stored, created, err := s.store.RegisterDevice(ctx, &d)
	if err != nil {
		return nil, false, fmt.Errorf("register device: %w", err)
	}
	if created {
		s.logger.Info(ctx, "device registered", "device_id", stored.ID, "child_id", stored.ChildID)
	}
	return stored, created, nil
}

// IngestMessage stores a captured message for the next intake sweep.
// Re-ingesting the same content is a no-op that returns the stored message.
func (s *Service) IngestMessage(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if err := req.Validate(); err != nil {
		return IngestResult{}, err
	}
	if err := s.requireChild(ctx, req.ChildID); err != nil {
		return IngestResult{}, err
	}

	ts := req.Timestamp.UTC()
	contact, _, err := s.store.EnsureContact(ctx, &Contact{
		ID:          ulid.Make().String(),
		ChildID:     req.ChildID,
		Platform:    req.Platform,
		Handle:      req.contactHandle(),
		DisplayName: req.DisplayName,
		FirstSeen:   ts,
		LastSeen:    ts,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("ensure contact: %w", err)
	}

	msg, created, err := s.store.InsertMessage(ctx, &Message{
		ID:          ulid.Make().String(),
		ChildID:     req.ChildID,
		ContactID:   contact.ID,
		DeviceID:    req.DeviceID,
		Platform:    req.Platform,
		Sender:      req.Sender,
		Receiver:    req.Receiver,
		Content:     req.Content,
		ContentHash: ContentHash(ts, req.Sender, req.Receiver, req.Content),
		Timestamp:   ts,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("insert message: %w", err)
	}
	s.metrics.observeIngest(!created)

	return IngestResult{Message: msg, Contact: contact, Duplicate: !created}, nil
}

func (s *Service) requireChild(ctx context.Context, id string) error {
	_, ok, err := s.store.GetChild(ctx, id)
	if err != nil {
		return fmt.Errorf("load child %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("child %s: %w", id, ErrNotFound)
	}
	return nil
}

// IsClientError reports whether err is caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidScore) ||
		errors.Is(err, ErrResolverRequired) ||
		errors.Is(err, ErrNotFound)
}
