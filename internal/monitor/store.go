package monitor

import (
	"context"
	"time"
)

// ContactMutator updates a contact in place inside a store's atomic
// read-modify-write. Returning an error aborts the write.
type ContactMutator func(c *Contact) error

// Store is the persistence interface for the pipeline. Implementations must
// make UpdateContact, RecordScore and CreateAlert atomic with respect to
// concurrent callers, and treat unique-key conflicts on insert as no-ops.
type Store interface {
	PutChild(ctx context.Context, c *Child) error
	GetChild(ctx context.Context, id string) (*Child, bool, error)
	// RegisterDevice inserts d unless its UUID exists; returns the stored device and whether it was created.
	RegisterDevice(ctx context.Context, d *Device) (*Device, bool, error)

	// EnsureContact inserts c unless (ChildID, Platform, Handle) exists; returns the stored contact and whether it was created.
	EnsureContact(ctx context.Context, c *Contact) (*Contact, bool, error)
	GetContact(ctx context.Context, id string) (*Contact, bool, error)
	UpdateContact(ctx context.Context, id string, fn ContactMutator) (*Contact, error)
	// ContactsAtRisk pages contacts with Risk >= minRisk and ID > afterID, ordered by ID.
	ContactsAtRisk(ctx context.Context, minRisk float64, afterID string, limit int) ([]*Contact, error)
	// ContactsByRisk lists a child's contacts with a non-empty window and Risk >= minRisk,
	// highest risk first. limit <= 0 means no limit.
	ContactsByRisk(ctx context.Context, childID string, minRisk float64, limit int) ([]*Contact, error)

	// InsertMessage inserts m unless its ContentHash exists; returns the stored message and whether it was created.
	InsertMessage(ctx context.Context, m *Message) (*Message, bool, error)
	GetMessage(ctx context.Context, id string) (*Message, bool, error)
	// UnprocessedMessages returns up to limit unprocessed messages, oldest first.
	UnprocessedMessages(ctx context.Context, limit int) ([]*Message, error)
	// RecordScore sets the score and processed flag on the message and applies fn to
	// its contact as one atomic step. Returns ErrAlreadyProcessed if scored before.
	RecordScore(ctx context.Context, messageID string, score float64, processedAt time.Time, fn ContactMutator) (*Contact, error)

	// LatestAlert returns the most recently created alert for the exact (subjectKey, type) pair.
	LatestAlert(ctx context.Context, subjectKey string, t AlertType) (*Alert, bool, error)
	// CreateAlert inserts a unless an alert with the same (SubjectKey, Type) was
	// created after cutoff. The check and insert are atomic.
	CreateAlert(ctx context.Context, a *Alert, cutoff time.Time) (bool, error)
	GetAlert(ctx context.Context, id string) (*Alert, bool, error)
	// ResolveAlert transitions an open alert to resolved. Returns false for unknown or already resolved alerts.
	ResolveAlert(ctx context.Context, id, resolvedBy, notes string, at time.Time) (*Alert, bool, error)
	// QueryAlerts returns matching alerts newest first, bounded by f.Limit.
	QueryAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	CountAlerts(ctx context.Context, f AlertFilter) (int, error)
}
