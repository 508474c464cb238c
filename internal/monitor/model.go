package monitor

import "time"

// AlertType names the rule that raised an alert.
type AlertType string

const (
	// AlertHighRiskMessage is raised when a single message scores at or above the message threshold
	AlertHighRiskMessage AlertType = "high_risk_message"

	// AlertHighRiskContact is raised when a contact's aggregated risk reaches the contact threshold
	AlertHighRiskContact AlertType = "high_risk_contact"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	return t == AlertHighRiskMessage || t == AlertHighRiskContact
}

// AlertStatus tracks where an alert is in its lifecycle.
type AlertStatus string

const (
	// StatusOpen means raised and awaiting review
	StatusOpen AlertStatus = "open"

	// StatusResolved means reviewed and closed, terminal
	StatusResolved AlertStatus = "resolved"
)

// Child is a monitored person. Age drives per-band alert thresholds.
type Child struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Age       int       `json:"age"`
	CreatedAt time.Time `json:"created_at"`
}

// Device is a registered capture device. UUID is unique.
type Device struct {
	ID           string    `json:"id"`
	UUID         string    `json:"uuid"`
	Name         string    `json:"name,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	ChildID      string    `json:"child_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Contact is the subject whose risk is aggregated. Risk and History are
// owned by the Aggregator; everything else only reads them.
type Contact struct {
	ID               string    `json:"id"`
	ChildID          string    `json:"child_id"`
	Platform         string    `json:"platform"`
	Handle           string    `json:"handle"`
	DisplayName      string    `json:"display_name,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	InteractionCount int       `json:"interaction_count"`
	Risk             float64   `json:"risk"`
	History          []float64 `json:"history"`
}

// Clone returns a deep copy so stores never hand out shared history slices.
func (c *Contact) Clone() *Contact {
	cp := *c
	cp.History = append([]float64(nil), c.History...)
	return &cp
}

// Message is a captured communication event. ContentHash is the
// idempotency key; Score is nil until the intake sweep processes it.
type Message struct {
	ID          string     `json:"id"`
	ChildID     string     `json:"child_id"`
	ContactID   string     `json:"contact_id"`
	DeviceID    string     `json:"device_id,omitempty"`
	Platform    string     `json:"platform"`
	Sender      string     `json:"sender"`
	Receiver    string     `json:"receiver,omitempty"`
	Content     string     `json:"content"`
	ContentHash string     `json:"content_hash"`
	Timestamp   time.Time  `json:"timestamp"`
	Score       *float64   `json:"score,omitempty"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Alert is an actionable finding for human review. It is append-only
// except for the single open to resolved transition.
type Alert struct {
	ID              string      `json:"id"`
	SubjectKey      string      `json:"subject_key"`
	ChildID         string      `json:"child_id,omitempty"`
	ContactID       string      `json:"contact_id,omitempty"`
	MessageID       string      `json:"message_id,omitempty"`
	Type            AlertType   `json:"alert_type"`
	Score           float64     `json:"score"`
	Details         string      `json:"details,omitempty"`
	Status          AlertStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	ResolutionNotes string      `json:"resolution_notes,omitempty"`
}

// Level buckets the alert score for display.
func (a *Alert) Level() string {
	switch {
	case a.Score >= 0.9:
		return "critical"
	case a.Score >= 0.75:
		return "high"
	case a.Score >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// AlertFilter is the store-level alert selection. Zero values mean "any".
type AlertFilter struct {
	ChildID     string
	ContactID   string
	Type        AlertType
	Status      AlertStatus
	SeverityMin float64
	Since       time.Time
	Limit       int
	Offset      int
}
