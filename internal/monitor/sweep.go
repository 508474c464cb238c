package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"
)

const contactPageSize = 200

// ContactSweep raises contact alerts for every contact whose aggregated
// risk has reached its threshold.
type ContactSweep struct {
	store   Store
	alerts  *AlertManager
	cfg     Config
	logger  log.Logger
	metrics *Metrics
}

// NewContactSweep creates a contact sweep.
func NewContactSweep(store Store, alerts *AlertManager, cfg Config, logger log.Logger, metrics *Metrics) *ContactSweep {
	if logger == nil {
		logger = log.Nop()
	}
	return &ContactSweep{
		store:   store,
		alerts:  alerts,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Run scans contacts with risk >= threshold. Age bands may lower or raise
// the threshold per child. Contacts with an empty window are never alerted.
func (s *ContactSweep) Run(ctx context.Context, threshold float64) (ContactSweepStats, error) {
	if !validThreshold(threshold) {
		return ContactSweepStats{}, fmt.Errorf("%w: contact threshold %v must be in (0,1]", ErrInvalidInput, threshold)
	}

	floor := s.cfg.Thresholds.minContact(threshold)
	children := newChildCache(s.store, s.cfg.Thresholds)

	var (
		mu      sync.Mutex
		stats   ContactSweepStats
		pageErr error
		stopped bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	after := ""
	for {
		if gctx.Err() != nil {
			stopped = true
			break
		}
		page, err := s.store.ContactsAtRisk(gctx, floor, after, contactPageSize)
		if err != nil {
			pageErr = fmt.Errorf("page contacts after %q: %w", after, err)
			break
		}
		for _, c := range page {
			g.Go(func() error {
				var local ContactSweepStats
				err := s.check(gctx, c, threshold, children, &local)

				mu.Lock()
				stats.Scanned += local.Scanned
				stats.AlertsCreated += local.AlertsCreated
				stats.AlertsSuppressed += local.AlertsSuppressed
				mu.Unlock()
				return err
			})
		}
		if len(page) < contactPageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	err := g.Wait()
	switch {
	case err != nil:
	case pageErr != nil:
		err = pageErr
	case stopped:
		err = ctx.Err()
	}
	return stats, err
}

func (s *ContactSweep) check(ctx context.Context, c *Contact, base float64, children *childCache, stats *ContactSweepStats) error {
	if len(c.History) == 0 {
		return nil
	}
	stats.Scanned++

	child, err := children.get(ctx, c.ChildID)
	if err != nil {
		return fmt.Errorf("load child %s: %w", c.ChildID, err)
	}
	threshold := s.cfg.Thresholds.Contact(base, child)
	if c.Risk < threshold {
		return nil
	}
	s.metrics.observeContactRisk(c.Risk)

	res, err := s.alerts.Create(ctx, NewAlert{
		Type:      AlertHighRiskContact,
		ChildID:   c.ChildID,
		ContactID: c.ID,
		Score:     c.Risk,
		Details:   fmt.Sprintf("contact %s on %s has risk %.2f over %d messages (threshold %.2f)", c.Handle, c.Platform, c.Risk, len(c.History), threshold),
	})
	if err != nil {
		return fmt.Errorf("contact alert for %s: %w", c.ID, err)
	}
	if res.Created() {
		stats.AlertsCreated++
	} else {
		stats.AlertsSuppressed++
	}
	return nil
}
