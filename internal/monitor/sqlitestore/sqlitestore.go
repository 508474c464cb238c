// Package sqlitestore provides a SQLite implementation of monitor.Store for
// single-node deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

//go:embed schema.sql
var schema string

// Store persists pipeline state in a SQLite file.
type Store struct {
	db *sql.DB
}

var _ monitor.Store = (*Store)(nil)

// New opens (or creates) the database at path and applies the schema.
// Transactions take the write lock up front so read-modify-write steps
// stay atomic across processes sharing the file.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}
	// one writer at a time; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PutChild upserts a child.
func (s *Store) PutChild(ctx context.Context, c *monitor.Child) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO children (id, name, age, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, age = excluded.age`,
		c.ID, c.Name, c.Age, nanos(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert child: %w", err)
	}
	return nil
}

// GetChild retrieves a child by ID.
func (s *Store) GetChild(ctx context.Context, id string) (*monitor.Child, bool, error) {
	var (
		c       monitor.Child
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, age, created_at FROM children WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Age, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get child: %w", err)
	}
	c.CreatedAt = fromNanos(created)
	return &c, true, nil
}

const deviceColumns = `id, uuid, name, platform, child_id, registered_at`

func scanDevice(row scanner) (*monitor.Device, error) {
	var (
		d   monitor.Device
		reg int64
	)
	if err := row.Scan(&d.ID, &d.UUID, &d.Name, &d.Platform, &d.ChildID, &reg); err != nil {
		return nil, err
	}
	d.RegisteredAt = fromNanos(reg)
	return &d, nil
}

// RegisterDevice inserts d unless its UUID is known.
func (s *Store) RegisterDevice(ctx context.Context, d *monitor.Device) (*monitor.Device, bool, error) {
	var (
		out     *monitor.Device
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (uuid) DO NOTHING`,
			d.ID, d.UUID, d.Name, d.Platform, d.ChildID, nanos(d.RegisteredAt),
		)
		if err != nil {
			return fmt.Errorf("insert device: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n == 1

		out, err = scanDevice(tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE uuid = ?`, d.UUID))
		if err != nil {
			return fmt.Errorf("load device: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

const contactColumns = `id, child_id, platform, handle, display_name, first_seen, last_seen, interaction_count, risk, history`

func scanContact(row scanner) (*monitor.Contact, error) {
	var (
		c           monitor.Contact
		first, last int64
		history     string
	)
	if err := row.Scan(&c.ID, &c.ChildID, &c.Platform, &c.Handle, &c.DisplayName,
		&first, &last, &c.InteractionCount, &c.Risk, &history); err != nil {
		return nil, err
	}
	c.FirstSeen = fromNanos(first)
	c.LastSeen = fromNanos(last)
	if err := json.Unmarshal([]byte(history), &c.History); err != nil {
		return nil, fmt.Errorf("unmarshal history for %s: %w", c.ID, err)
	}
	return &c, nil
}

func marshalHistory(h []float64) (string, error) {
	if h == nil {
		h = []float64{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	return string(b), nil
}

// EnsureContact inserts c unless its (child, platform, handle) key is known.
func (s *Store) EnsureContact(ctx context.Context, c *monitor.Contact) (*monitor.Contact, bool, error) {
	history, err := marshalHistory(c.History)
	if err != nil {
		return nil, false, err
	}

	var (
		out     *monitor.Contact
		created bool
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (child_id, platform, handle) DO NOTHING`,
			c.ID, c.ChildID, c.Platform, c.Handle, c.DisplayName,
			nanos(c.FirstSeen), nanos(c.LastSeen), c.InteractionCount, c.Risk, history,
		)
		if err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n == 1

		out, err = scanContact(tx.QueryRowContext(ctx,
			`SELECT `+contactColumns+` FROM contacts WHERE child_id = ? AND platform = ? AND handle = ?`,
			c.ChildID, c.Platform, c.Handle,
		))
		if err != nil {
			return fmt.Errorf("load contact: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, id string) (*monitor.Contact, bool, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get contact: %w", err)
	}
	return c, true, nil
}

func loadContactTx(ctx context.Context, tx *sql.Tx, id string) (*monitor.Contact, error) {
	c, err := scanContact(tx.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	return c, nil
}

func saveContactTx(ctx context.Context, tx *sql.Tx, c *monitor.Contact) error {
	history, err := marshalHistory(c.History)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE contacts SET display_name = ?, last_seen = ?, interaction_count = ?, risk = ?, history = ? WHERE id = ?`,
		c.DisplayName, nanos(c.LastSeen), c.InteractionCount, c.Risk, history, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	return nil
}

// UpdateContact applies fn inside a transaction.
func (s *Store) UpdateContact(ctx context.Context, id string, fn monitor.ContactMutator) (*monitor.Contact, error) {
	var out *monitor.Contact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := loadContactTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := saveContactTx(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// ContactsAtRisk pages contacts with risk >= minRisk ordered by ID.
func (s *Store) ContactsAtRisk(ctx context.Context, minRisk float64, afterID string, limit int) ([]*monitor.Contact, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE risk >= ? AND id > ? ORDER BY id LIMIT ?`,
		minRisk, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var out []*monitor.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

// ContactsByRisk lists a child's scored contacts, highest risk first.
func (s *Store) ContactsByRisk(ctx context.Context, childID string, minRisk float64, limit int) ([]*monitor.Contact, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		WHERE child_id = ? AND risk >= ? AND json_array_length(history) > 0
		ORDER BY risk DESC, id LIMIT ?`,
		childID, minRisk, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query contacts by risk: %w", err)
	}
	defer rows.Close()

	var out []*monitor.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

const messageColumns = `id, child_id, contact_id, device_id, platform, sender, receiver, content,
	content_hash, ts, score, processed, processed_at`

func scanMessage(row scanner) (*monitor.Message, error) {
	var (
		m           monitor.Message
		ts          int64
		score       sql.NullFloat64
		processedAt sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ChildID, &m.ContactID, &m.DeviceID, &m.Platform, &m.Sender,
		&m.Receiver, &m.Content, &m.ContentHash, &ts, &score, &m.Processed, &processedAt); err != nil {
		return nil, err
	}
	m.Timestamp = fromNanos(ts)
	if score.Valid {
		m.Score = &score.Float64
	}
	if processedAt.Valid {
		t := fromNanos(processedAt.Int64)
		m.ProcessedAt = &t
	}
	return &m, nil
}

// InsertMessage inserts m unless its content hash is known.
func (s *Store) InsertMessage(ctx context.Context, m *monitor.Message) (*monitor.Message, bool, error) {
	var (
		out     *monitor.Message
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, child_id, contact_id, device_id, platform, sender, receiver, content, content_hash, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (content_hash) DO NOTHING`,
			m.ID, m.ChildID, m.ContactID, m.DeviceID, m.Platform, m.Sender, m.Receiver, m.Content,
			m.ContentHash, nanos(m.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n == 1

		out, err = scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE content_hash = ?`, m.ContentHash))
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*monitor.Message, bool, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get message: %w", err)
	}
	return m, true, nil
}

// UnprocessedMessages returns up to limit unprocessed messages, oldest first.
func (s *Store) UnprocessedMessages(ctx context.Context, limit int) ([]*monitor.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE processed = 0 ORDER BY ts, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*monitor.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// RecordScore marks the message processed and applies fn to its contact in one transaction.
func (s *Store) RecordScore(ctx context.Context, messageID string, score float64, processedAt time.Time, fn monitor.ContactMutator) (*monitor.Contact, error) {
	var out *monitor.Contact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			contactID string
			processed bool
		)
		err := tx.QueryRowContext(ctx, `SELECT contact_id, processed FROM messages WHERE id = ?`, messageID).
			Scan(&contactID, &processed)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", messageID, monitor.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		if processed {
			return monitor.ErrAlreadyProcessed
		}

		c, err := loadContactTx(ctx, tx, contactID)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := saveContactTx(ctx, tx, c); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET score = ?, processed = 1, processed_at = ? WHERE id = ?`,
			score, nanos(processedAt), messageID,
		); err != nil {
			return fmt.Errorf("mark message processed: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

const alertColumns = `id, subject_key, child_id, contact_id, message_id, alert_type, score, details,
	status, created_at, resolved_at, resolved_by, resolution_notes`

func scanAlert(row scanner) (*monitor.Alert, error) {
	var (
		a          monitor.Alert
		typ        string
		status     string
		created    int64
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.SubjectKey, &a.ChildID, &a.ContactID, &a.MessageID, &typ, &a.Score,
		&a.Details, &status, &created, &resolvedAt, &a.ResolvedBy, &a.ResolutionNotes); err != nil {
		return nil, err
	}
	a.Type = monitor.AlertType(typ)
	a.Status = monitor.AlertStatus(status)
	a.CreatedAt = fromNanos(created)
	if resolvedAt.Valid {
		t := fromNanos(resolvedAt.Int64)
		a.ResolvedAt = &t
	}
	return &a, nil
}

func latestAlert(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, subjectKey string, t monitor.AlertType) (*monitor.Alert, bool, error) {
	a, err := scanAlert(q.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE subject_key = ? AND alert_type = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		subjectKey, string(t),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("latest alert: %w", err)
	}
	return a, true, nil
}

// LatestAlert returns the newest alert for (subjectKey, t).
func (s *Store) LatestAlert(ctx context.Context, subjectKey string, t monitor.AlertType) (*monitor.Alert, bool, error) {
	return latestAlert(ctx, s.db, subjectKey, t)
}

// CreateAlert inserts a unless an alert for the same pair was created after cutoff.
func (s *Store) CreateAlert(ctx context.Context, a *monitor.Alert, cutoff time.Time) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		last, ok, err := latestAlert(ctx, tx, a.SubjectKey, a.Type)
		if err != nil {
			return err
		}
		if ok && last.CreatedAt.After(cutoff) {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', '')`,
			a.ID, a.SubjectKey, a.ChildID, a.ContactID, a.MessageID, string(a.Type), a.Score,
			a.Details, string(a.Status), nanos(a.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*monitor.Alert, bool, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get alert: %w", err)
	}
	return a, true, nil
}

// ResolveAlert transitions an open alert to resolved.
func (s *Store) ResolveAlert(ctx context.Context, id, resolvedBy, notes string, at time.Time) (*monitor.Alert, bool, error) {
	var out *monitor.Alert
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE alerts SET status = ?, resolved_at = ?, resolved_by = ?, resolution_notes = ?
			 WHERE id = ? AND status = ?`,
			string(monitor.StatusResolved), nanos(at), resolvedBy, notes, id, string(monitor.StatusOpen),
		)
		if err != nil {
			return fmt.Errorf("resolve alert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		out, err = scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("load alert: %w", err)
		}
		return nil
	})
	if err != nil || out == nil {
		return nil, false, err
	}
	return out, true, nil
}

func alertWhere(f monitor.AlertFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.ChildID != "" {
		add("child_id = ?", f.ChildID)
	}
	if f.ContactID != "" {
		add("contact_id = ?", f.ContactID)
	}
	if f.Type != "" {
		add("alert_type = ?", string(f.Type))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.SeverityMin > 0 {
		add("score >= ?", f.SeverityMin)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", nanos(f.Since))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryAlerts returns matching alerts newest first.
func (s *Store) QueryAlerts(ctx context.Context, f monitor.AlertFilter) ([]*monitor.Alert, error) {
	where, args := alertWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*monitor.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

// CountAlerts counts matching alerts.
func (s *Store) CountAlerts(ctx context.Context, f monitor.AlertFilter) (int, error) {
	where, args := alertWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM alerts`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return n, nil
}
