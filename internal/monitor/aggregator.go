package monitor

import (
	"context"
	"fmt"
	"time"
)

// Aggregator owns each contact's rolling score window and derived risk.
// Updates for one contact are serialized by the Locker and applied through
// the store's atomic read-modify-write; different contacts never contend.
type Aggregator struct {
	store  Store
	locker Locker
	size   int
	policy RiskPolicy
	now    func() time.Time
}

// NewAggregator creates an Aggregator with a window of cfg.WindowSize.
func NewAggregator(store Store, locker Locker, cfg Config, now func() time.Time) *Aggregator {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		store:  store,
		locker: locker,
		size:   cfg.WindowSize,
		policy: cfg.Risk,
		now:    now,
	}
}

// Update pushes score into the contact's window and returns the new risk.
func (a *Aggregator) Update(ctx context.Context, contactID string, score float64) (float64, error) {
	if err := CheckScore(score); err != nil {
		return 0, err
	}

	unlock, err := a.locker.Lock(ctx, contactLockKey(contactID))
	if err != nil {
		return 0, fmt.Errorf("lock contact %s: %w", contactID, err)
	}
	defer unlock()

	// the write itself must not be abandoned halfway by cancellation
	c, err := a.store.UpdateContact(context.WithoutCancel(ctx), contactID, a.apply(score, a.now()))
	if err != nil {
		return 0, fmt.Errorf("update contact %s: %w", contactID, err)
	}
	return c.Risk, nil
}

// Record commits a message score and the matching window update atomically.
func (a *Aggregator) Record(ctx context.Context, m *Message, score float64) (*Contact, error) {
	if err := CheckScore(score); err != nil {
		return nil, err
	}

	unlock, err := a.locker.Lock(ctx, contactLockKey(m.ContactID))
	if err != nil {
		return nil, fmt.Errorf("lock contact %s: %w", m.ContactID, err)
	}
	defer unlock()

	return a.store.RecordScore(context.WithoutCancel(ctx), m.ID, score, a.now(), a.apply(score, m.Timestamp))
}

// CurrentRisk returns the contact's risk. defined is false while the window is empty.
func (a *Aggregator) CurrentRisk(ctx context.Context, contactID string) (risk float64, defined bool, err error) {
	c, ok, err := a.store.GetContact(ctx, contactID)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	if len(c.History) == 0 {
		return 0, false, nil
	}
	return c.Risk, true, nil
}

func (a *Aggregator) apply(score float64, seen time.Time) ContactMutator {
	return func(c *Contact) error {
		c.History = pushWindow(c.History, score, a.size)
		c.Risk = a.policy.Risk(c.History)
		c.InteractionCount++
		if seen.After(c.LastSeen) {
			c.LastSeen = seen
		}
		return nil
	}
}
