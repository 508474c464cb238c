package monitor

import (
	"context"
	"time"
)

// Gate decides whether a candidate alert may be raised, based on the most
// recent alert of the same type for the same subject key. It is a
// read-then-decide check; AlertManager re-checks inside the store write.
type Gate struct {
	store    Store
	cooldown time.Duration
}

// NewGate creates a cooldown gate.
func NewGate(store Store, cooldown time.Duration) *Gate {
	return &Gate{store: store, cooldown: cooldown}
}

// Admit reports whether an alert for (subjectKey, t) is allowed at now.
func (g *Gate) Admit(ctx context.Context, subjectKey string, t AlertType, now time.Time) (bool, error) {
	last, ok, err := g.store.LatestAlert(ctx, subjectKey, t)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return now.Sub(last.CreatedAt) >= g.cooldown, nil
}

// Cutoff is the newest creation time an existing alert may have without blocking one at now.
func (g *Gate) Cutoff(now time.Time) time.Time {
	return now.Add(-g.cooldown)
}

// SubjectKey returns the finest-grained entity an alert of type t concerns:
// the contact for contact alerts, the child+contact pair for message alerts.
func SubjectKey(t AlertType, childID, contactID string) string {
	if t == AlertHighRiskMessage && childID != "" {
		return "child:" + childID + "/contact:" + contactID
	}
	if contactID == "" {
		return "child:" + childID
	}
	return "contact:" + contactID
}
