// Package pgstore provides a PostgreSQL implementation of monitor.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

var tracer = otel.Tracer("github.com/linnemanlabs/guardian/internal/monitor/pgstore")

//go:embed schema.sql
var schema string

// Store persists pipeline state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ monitor.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// fail records err on span and returns it unchanged.
func fail(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, monitor.ErrAlreadyProcessed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PutChild upserts a child.
func (s *Store) PutChild(ctx context.Context, c *monitor.Child) error {
	ctx, span := startSpan(ctx, "PutChild", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO children (id, name, age, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, age = EXCLUDED.age`,
		c.ID, c.Name, c.Age, c.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert child: %w", err))
	}
	return nil
}

// GetChild retrieves a child by ID.
func (s *Store) GetChild(ctx context.Context, id string) (*monitor.Child, bool, error) {
	ctx, span := startSpan(ctx, "GetChild", "SELECT")
	defer span.End()

	var c monitor.Child
	err := s.pool.QueryRow(ctx, `SELECT id, name, age, created_at FROM children WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Age, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get child: %w", err))
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, true, nil
}

const deviceColumns = `id, uuid, name, platform, child_id, registered_at`

func scanDevice(row pgx.Row) (*monitor.Device, error) {
	var d monitor.Device
	if err := row.Scan(&d.ID, &d.UUID, &d.Name, &d.Platform, &d.ChildID, &d.RegisteredAt); err != nil {
		return nil, err
	}
	d.RegisteredAt = d.RegisteredAt.UTC()
	return &d, nil
}

// RegisterDevice inserts d unless its UUID is known.
func (s *Store) RegisterDevice(ctx context.Context, d *monitor.Device) (*monitor.Device, bool, error) {
	ctx, span := startSpan(ctx, "RegisterDevice", "INSERT")
	defer span.End()

	out, err := scanDevice(s.pool.QueryRow(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (uuid) DO NOTHING RETURNING `+deviceColumns,
		d.ID, d.UUID, d.Name, d.Platform, d.ChildID, d.RegisteredAt,
	))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fail(span, fmt.Errorf("insert device: %w", err))
	}

	out, err = scanDevice(s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE uuid = $1`, d.UUID))
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("load device: %w", err))
	}
	return out, false, nil
}

const contactColumns = `id, child_id, platform, handle, display_name, first_seen, last_seen, interaction_count, risk, history`

func scanContact(row pgx.Row) (*monitor.Contact, error) {
	var c monitor.Contact
	if err := row.Scan(&c.ID, &c.ChildID, &c.Platform, &c.Handle, &c.DisplayName,
		&c.FirstSeen, &c.LastSeen, &c.InteractionCount, &c.Risk, &c.History); err != nil {
		return nil, err
	}
	c.FirstSeen = c.FirstSeen.UTC()
	c.LastSeen = c.LastSeen.UTC()
	if c.History == nil {
		c.History = []float64{}
	}
	return &c, nil
}

func history(h []float64) []float64 {
	if h == nil {
		return []float64{}
	}
	return h
}

// EnsureContact inserts c unless its (child, platform, handle) key is known.
func (s *Store) EnsureContact(ctx context.Context, c *monitor.Contact) (*monitor.Contact, bool, error) {
	ctx, span := startSpan(ctx, "EnsureContact", "INSERT")
	defer span.End()

	out, err := scanContact(s.pool.QueryRow(ctx,
		`INSERT INTO contacts (`+contactColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (child_id, platform, handle) DO NOTHING RETURNING `+contactColumns,
		c.ID, c.ChildID, c.Platform, c.Handle, c.DisplayName,
		c.FirstSeen, c.LastSeen, c.InteractionCount, c.Risk, history(c.History),
	))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fail(span, fmt.Errorf("insert contact: %w", err))
	}

	out, err = scanContact(s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE child_id = $1 AND platform = $2 AND handle = $3`,
		c.ChildID, c.Platform, c.Handle,
	))
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("load contact: %w", err))
	}
	return out, false, nil
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, id string) (*monitor.Contact, bool, error) {
	ctx, span := startSpan(ctx, "GetContact", "SELECT")
	defer span.End()

	c, err := scanContact(s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get contact: %w", err))
	}
	return c, true, nil
}

func lockContact(ctx context.Context, tx pgx.Tx, id string) (*monitor.Contact, error) {
	c, err := scanContact(tx.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock contact: %w", err)
	}
	return c, nil
}

func saveContact(ctx context.Context, tx pgx.Tx, c *monitor.Contact) error {
	_, err := tx.Exec(ctx,
		`UPDATE contacts SET display_name = $2, last_seen = $3, interaction_count = $4, risk = $5, history = $6
		 WHERE id = $1`,
		c.ID, c.DisplayName, c.LastSeen, c.InteractionCount, c.Risk, history(c.History),
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	return nil
}

// UpdateContact applies fn to the row locked FOR UPDATE.
func (s *Store) UpdateContact(ctx context.Context, id string, fn monitor.ContactMutator) (*monitor.Contact, error) {
	ctx, span := startSpan(ctx, "UpdateContact", "UPDATE")
	defer span.End()

	var out *monitor.Contact
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := lockContact(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := saveContact(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// nullableLimit maps a non-positive limit to NULL, which PostgreSQL reads as "no limit".
func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// ContactsAtRisk pages contacts with risk >= minRisk ordered by ID.
func (s *Store) ContactsAtRisk(ctx context.Context, minRisk float64, afterID string, limit int) ([]*monitor.Contact, error) {
	ctx, span := startSpan(ctx, "ContactsAtRisk", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE risk >= $1 AND id > $2 ORDER BY id LIMIT $3`,
		minRisk, afterID, nullableLimit(limit),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query contacts: %w", err))
	}
	defer rows.Close()

	var out []*monitor.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan contact: %w", err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate contacts: %w", err))
	}
	return out, nil
}

// ContactsByRisk lists a child's scored contacts, highest risk first.
func (s *Store) ContactsByRisk(ctx context.Context, childID string, minRisk float64, limit int) ([]*monitor.Contact, error) {
	ctx, span := startSpan(ctx, "ContactsByRisk", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts
		WHERE child_id = $1 AND risk >= $2 AND cardinality(history) > 0
		ORDER BY risk DESC, id LIMIT $3`,
		childID, minRisk, nullableLimit(limit),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query contacts by risk: %w", err))
	}
	defer rows.Close()

	var out []*monitor.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan contact: %w", err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate contacts: %w", err))
	}
	return out, nil
}

const messageColumns = `id, child_id, contact_id, device_id, platform, sender, receiver, content,
	content_hash, ts, score, processed, processed_at`

func scanMessage(row pgx.Row) (*monitor.Message, error) {
	var m monitor.Message
	if err := row.Scan(&m.ID, &m.ChildID, &m.ContactID, &m.DeviceID, &m.Platform, &m.Sender,
		&m.Receiver, &m.Content, &m.ContentHash, &m.Timestamp, &m.Score, &m.Processed, &m.ProcessedAt); err != nil {
		return nil, err
	}
	m.Timestamp = m.Timestamp.UTC()
	if m.ProcessedAt != nil {
		t := m.ProcessedAt.UTC()
		m.ProcessedAt = &t
	}
	return &m, nil
}

// InsertMessage inserts m unless its content hash is known.
func (s *Store) InsertMessage(ctx context.Context, m *monitor.Message) (*monitor.Message, bool, error) {
	ctx, span := startSpan(ctx, "InsertMessage", "INSERT")
	defer span.End()

	out, err := scanMessage(s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, child_id, contact_id, device_id, platform, sender, receiver, content, content_hash, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (content_hash) DO NOTHING RETURNING `+messageColumns,
		m.ID, m.ChildID, m.ContactID, m.DeviceID, m.Platform, m.Sender, m.Receiver, m.Content,
		m.ContentHash, m.Timestamp,
	))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fail(span, fmt.Errorf("insert message: %w", err))
	}

	out, err = scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE content_hash = $1`, m.ContentHash))
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("load message: %w", err))
	}
	return out, false, nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*monitor.Message, bool, error) {
	ctx, span := startSpan(ctx, "GetMessage", "SELECT")
	defer span.End()

	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get message: %w", err))
	}
	return m, true, nil
}

// UnprocessedMessages returns up to limit unprocessed messages, oldest first.
func (s *Store) UnprocessedMessages(ctx context.Context, limit int) ([]*monitor.Message, error) {
	ctx, span := startSpan(ctx, "UnprocessedMessages", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE NOT processed ORDER BY ts, id LIMIT $1`,
		nullableLimit(limit),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()

	var out []*monitor.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan message: %w", err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate messages: %w", err))
	}
	span.SetAttributes(attribute.Int("guardian.messages", len(out)))
	return out, nil
}

// RecordScore locks the message then its contact, so concurrent sweeps
// scoring the same message serialize and the loser sees it processed.
func (s *Store) RecordScore(ctx context.Context, messageID string, score float64, processedAt time.Time, fn monitor.ContactMutator) (*monitor.Contact, error) {
	ctx, span := startSpan(ctx, "RecordScore", "UPDATE")
	defer span.End()

	var out *monitor.Contact
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			contactID string
			processed bool
		)
		err := tx.QueryRow(ctx, `SELECT contact_id, processed FROM messages WHERE id = $1 FOR UPDATE`, messageID).
			Scan(&contactID, &processed)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("message %s: %w", messageID, monitor.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock message: %w", err)
		}
		if processed {
			return monitor.ErrAlreadyProcessed
		}

		c, err := lockContact(ctx, tx, contactID)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := saveContact(ctx, tx, c); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE messages SET score = $2, processed = TRUE, processed_at = $3 WHERE id = $1`,
			messageID, score, processedAt,
		); err != nil {
			return fmt.Errorf("mark message processed: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

const alertColumns = `id, subject_key, child_id, contact_id, message_id, alert_type, score, details,
	status, created_at, resolved_at, resolved_by, resolution_notes`

func scanAlert(row pgx.Row) (*monitor.Alert, error) {
	var (
		a      monitor.Alert
		typ    string
		status string
	)
	if err := row.Scan(&a.ID, &a.SubjectKey, &a.ChildID, &a.ContactID, &a.MessageID, &typ, &a.Score,
		&a.Details, &status, &a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy, &a.ResolutionNotes); err != nil {
		return nil, err
	}
	a.Type = monitor.AlertType(typ)
	a.Status = monitor.AlertStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	if a.ResolvedAt != nil {
		t := a.ResolvedAt.UTC()
		a.ResolvedAt = &t
	}
	return &a, nil
}

const latestAlertQuery = `SELECT ` + alertColumns + ` FROM alerts
	WHERE subject_key = $1 AND alert_type = $2 ORDER BY created_at DESC, id DESC LIMIT 1`

// LatestAlert returns the newest alert for (subjectKey, t).
func (s *Store) LatestAlert(ctx context.Context, subjectKey string, t monitor.AlertType) (*monitor.Alert, bool, error) {
	ctx, span := startSpan(ctx, "LatestAlert", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, latestAlertQuery, subjectKey, string(t)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("latest alert: %w", err))
	}
	return a, true, nil
}

// CreateAlert takes a transaction-scoped advisory lock on the subject key
// and alert type, re-checks the cooldown and inserts.
func (s *Store) CreateAlert(ctx context.Context, a *monitor.Alert, cutoff time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "CreateAlert", "INSERT")
	defer span.End()
	span.SetAttributes(
		attribute.String("guardian.subject_key", a.SubjectKey),
		attribute.String("guardian.alert_type", string(a.Type)),
	)

	inserted := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.SubjectKey+"/"+string(a.Type)); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		last, err := scanAlert(tx.QueryRow(ctx, latestAlertQuery, a.SubjectKey, string(a.Type)))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("latest alert: %w", err)
		case last.CreatedAt.After(cutoff):
			return nil
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO alerts (id, subject_key, child_id, contact_id, message_id, alert_type, score, details, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, a.SubjectKey, a.ChildID, a.ContactID, a.MessageID, string(a.Type), a.Score,
			a.Details, string(a.Status), a.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fail(span, err)
	}
	span.SetAttributes(attribute.Bool("guardian.inserted", inserted))
	return inserted, nil
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*monitor.Alert, bool, error) {
	ctx, span := startSpan(ctx, "GetAlert", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get alert: %w", err))
	}
	return a, true, nil
}

// ResolveAlert transitions an open alert to resolved in a single conditional update.
func (s *Store) ResolveAlert(ctx context.Context, id, resolvedBy, notes string, at time.Time) (*monitor.Alert, bool, error) {
	ctx, span := startSpan(ctx, "ResolveAlert", "UPDATE")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx,
		`UPDATE alerts SET status = $2, resolved_at = $3, resolved_by = $4, resolution_notes = $5
		 WHERE id = $1 AND status = $6 RETURNING `+alertColumns,
		id, string(monitor.StatusResolved), at, resolvedBy, notes, string(monitor.StatusOpen),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("resolve alert: %w", err))
	}
	return a, true, nil
}

func alertWhere(f monitor.AlertFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, arg any) {
		args = append(args, arg)
		conds = append(conds, col+" $"+strconv.Itoa(len(args)))
	}
	if f.ChildID != "" {
		add("child_id =", f.ChildID)
	}
	if f.ContactID != "" {
		add("contact_id =", f.ContactID)
	}
	if f.Type != "" {
		add("alert_type =", string(f.Type))
	}
	if f.Status != "" {
		add("status =", string(f.Status))
	}
	if f.SeverityMin > 0 {
		add("score >=", f.SeverityMin)
	}
	if !f.Since.IsZero() {
		add("created_at >=", f.Since)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryAlerts returns matching alerts newest first.
func (s *Store) QueryAlerts(ctx context.Context, f monitor.AlertFilter) ([]*monitor.Alert, error) {
	ctx, span := startSpan(ctx, "QueryAlerts", "SELECT")
	defer span.End()

	where, args := alertWhere(f)
	args = append(args, nullableLimit(f.Limit), f.Offset)
	query := `SELECT ` + alertColumns + ` FROM alerts` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*monitor.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan alert: %w", err))
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	return out, nil
}

// CountAlerts counts matching alerts.
func (s *Store) CountAlerts(ctx context.Context, f monitor.AlertFilter) (int, error) {
	ctx, span := startSpan(ctx, "CountAlerts", "SELECT")
	defer span.End()

	where, args := alertWhere(f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alerts`+where, args...).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count alerts: %w", err))
	}
	return n, nil
}
