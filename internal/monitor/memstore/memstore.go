// Package memstore provides an in-memory implementation of monitor.Store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

// Store holds pipeline state in memory. Suitable for dev/testing.
// A single lock covers every map so multi-entity writes are atomic.
type Store struct {
	mu sync.RWMutex

	children map[string]*monitor.Child
	devices  map[string]*monitor.Device // uuid -> device
	contacts map[string]*monitor.Contact
	byHandle map[string]string // child/platform/handle -> contact ID
	messages map[string]*monitor.Message
	byHash   map[string]string // content hash -> message ID
	alerts   map[string]*monitor.Alert
	latest   map[string]string // subject key + type -> newest alert ID
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		children: make(map[string]*monitor.Child),
		devices:  make(map[string]*monitor.Device),
		contacts: make(map[string]*monitor.Contact),
		byHandle: make(map[string]string),
		messages: make(map[string]*monitor.Message),
		byHash:   make(map[string]string),
		alerts:   make(map[string]*monitor.Alert),
		latest:   make(map[string]string),
	}
}

var _ monitor.Store = (*Store)(nil)

// PutChild stores a copy of the child, replacing any with the same ID.
func (s *Store) PutChild(_ context.Context, c *monitor.Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.children[c.ID] = &cp
	return nil
}

// GetChild retrieves a child by ID. Returns a copy.
func (s *Store) GetChild(_ context.Context, id string) (*monitor.Child, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.children[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

// RegisterDevice inserts d unless its UUID is known.
func (s *Store) RegisterDevice(_ context.Context, d *monitor.Device) (*monitor.Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.devices[d.UUID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *d
	s.devices[d.UUID] = &cp
	out := cp
	return &out, true, nil
}

func handleKey(childID, platform, handle string) string {
	return childID + "\x00" + platform + "\x00" + handle
}

// EnsureContact inserts c unless its natural key is known.
func (s *Store) EnsureContact(_ context.Context, c *monitor.Contact) (*monitor.Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := handleKey(c.ChildID, c.Platform, c.Handle)
	if id, ok := s.byHandle[key]; ok {
		return s.contacts[id].Clone(), false, nil
	}
	cp := c.Clone()
	s.contacts[c.ID] = cp
	s.byHandle[key] = c.ID
	return cp.Clone(), true, nil
}

// GetContact retrieves a contact by ID. Returns a deep copy.
func (s *Store) GetContact(_ context.Context, id string) (*monitor.Contact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, false, nil
	}
	return c.Clone(), true, nil
}

// UpdateContact applies fn to a copy and commits it only if fn succeeds.
func (s *Store) UpdateContact(_ context.Context, id string, fn monitor.ContactMutator) (*monitor.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", id, monitor.ErrNotFound)
	}
	cp := c.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	s.contacts[id] = cp
	return cp.Clone(), nil
}

// ContactsAtRisk pages contacts with risk >= minRisk ordered by ID.
func (s *Store) ContactsAtRisk(_ context.Context, minRisk float64, afterID string, limit int) ([]*monitor.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*monitor.Contact
	for id, c := range s.contacts {
		if id > afterID && c.Risk >= minRisk {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *monitor.Contact) int { return cmp.Compare(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ContactsByRisk lists a child's scored contacts, highest risk first.
func (s *Store) ContactsByRisk(_ context.Context, childID string, minRisk float64, limit int) ([]*monitor.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*monitor.Contact
	for _, c := range s.contacts {
		if c.ChildID == childID && len(c.History) > 0 && c.Risk >= minRisk {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *monitor.Contact) int {
		if r := cmp.Compare(b.Risk, a.Risk); r != 0 {
			return r
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneMessage(m *monitor.Message) *monitor.Message {
	cp := *m
	if m.Score != nil {
		v := *m.Score
		cp.Score = &v
	}
	if m.ProcessedAt != nil {
		v := *m.ProcessedAt
		cp.ProcessedAt = &v
	}
	return &cp
}

// InsertMessage inserts m unless its content hash is known.
func (s *Store) InsertMessage(_ context.Context, m *monitor.Message) (*monitor.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHash[m.ContentHash]; ok {
		return cloneMessage(s.messages[id]), false, nil
	}
	cp := cloneMessage(m)
	s.messages[m.ID] = cp
	s.byHash[m.ContentHash] = m.ID
	return cloneMessage(cp), true, nil
}

// GetMessage retrieves a message by ID. Returns a copy.
func (s *Store) GetMessage(_ context.Context, id string) (*monitor.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, nil
	}
	return cloneMessage(m), true, nil
}

// UnprocessedMessages returns up to limit unprocessed messages, oldest first.
func (s *Store) UnprocessedMessages(_ context.Context, limit int) ([]*monitor.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*monitor.Message
	for _, m := range s.messages {
		if !m.Processed {
			out = append(out, cloneMessage(m))
		}
	}
	slices.SortFunc(out, func(a, b *monitor.Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordScore marks the message processed and applies fn to its contact in one step.
func (s *Store) RecordScore(_ context.Context, messageID string, score float64, processedAt time.Time, fn monitor.ContactMutator) (*monitor.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, monitor.ErrNotFound)
	}
	if m.Processed {
		return nil, monitor.ErrAlreadyProcessed
	}
	c, ok := s.contacts[m.ContactID]
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", m.ContactID, monitor.ErrNotFound)
	}
	cp := c.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}

	mc := cloneMessage(m)
	mc.Score = &score
	mc.Processed = true
	mc.ProcessedAt = &processedAt
	s.messages[messageID] = mc
	s.contacts[cp.ID] = cp
	return cp.Clone(), nil
}

func cloneAlert(a *monitor.Alert) *monitor.Alert {
	cp := *a
	if a.ResolvedAt != nil {
		v := *a.ResolvedAt
		cp.ResolvedAt = &v
	}
	return &cp
}

func latestKey(subjectKey string, t monitor.AlertType) string {
	return subjectKey + "\x00" + string(t)
}

// LatestAlert returns the newest alert for (subjectKey, t).
func (s *Store) LatestAlert(_ context.Context, subjectKey string, t monitor.AlertType) (*monitor.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latest[latestKey(subjectKey, t)]
	if !ok {
		return nil, false, nil
	}
	return cloneAlert(s.alerts[id]), true, nil
}

// CreateAlert inserts a unless an alert for the same pair was created after cutoff.
func (s *Store) CreateAlert(_ context.Context, a *monitor.Alert, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := latestKey(a.SubjectKey, a.Type)
	if id, ok := s.latest[key]; ok && s.alerts[id].CreatedAt.After(cutoff) {
		return false, nil
	}
	s.alerts[a.ID] = cloneAlert(a)
	if id, ok := s.latest[key]; !ok || !s.alerts[id].CreatedAt.After(a.CreatedAt) {
		s.latest[key] = a.ID
	}
	return true, nil
}

// GetAlert retrieves an alert by ID. Returns a copy.
func (s *Store) GetAlert(_ context.Context, id string) (*monitor.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return cloneAlert(a), true, nil
}

// ResolveAlert transitions an open alert to resolved.
func (s *Store) ResolveAlert(_ context.Context, id, resolvedBy, notes string, at time.Time) (*monitor.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.Status != monitor.StatusOpen {
		return nil, false, nil
	}
	cp := cloneAlert(a)
	cp.Status = monitor.StatusResolved
	cp.ResolvedAt = &at
	cp.ResolvedBy = resolvedBy
	cp.ResolutionNotes = notes
	s.alerts[id] = cp
	return cloneAlert(cp), true, nil
}

func matches(a *monitor.Alert, f monitor.AlertFilter) bool {
	switch {
	case f.ChildID != "" && a.ChildID != f.ChildID:
		return false
	case f.ContactID != "" && a.ContactID != f.ContactID:
		return false
	case f.Type != "" && a.Type != f.Type:
		return false
	case f.Status != "" && a.Status != f.Status:
		return false
	case a.Score < f.SeverityMin:
		return false
	case !f.Since.IsZero() && a.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

// QueryAlerts returns matching alerts newest first.
func (s *Store) QueryAlerts(_ context.Context, f monitor.AlertFilter) ([]*monitor.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*monitor.Alert
	for _, a := range s.alerts {
		if matches(a, f) {
			out = append(out, cloneAlert(a))
		}
	}
	slices.SortFunc(out, func(a, b *monitor.Alert) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountAlerts counts matching alerts.
func (s *Store) CountAlerts(_ context.Context, f monitor.AlertFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.alerts {
		if matches(a, f) {
			n++
		}
	}
	return n, nil
}
