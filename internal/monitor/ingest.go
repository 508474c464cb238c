package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// IngestRequest is a raw captured message. Contact defaults to Sender and
// identifies the counterpart together with ChildID and Platform.
type IngestRequest struct {
	ChildID     string    `json:"child_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Platform    string    `json:"platform"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver,omitempty"`
	Contact     string    `json:"contact,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// IngestResult reports the stored message. Duplicate is true when the
// content hash was already known and nothing was written.
type IngestResult struct {
	Message   *Message `json:"message"`
	Contact   *Contact `json:"contact"`
	Duplicate bool     `json:"duplicate"`
}

// Validate checks required fields.
func (r *IngestRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ChildID) == "" {
		missing = append(missing, "child_id")
	}
	if strings.TrimSpace(r.Platform) == "" {
		missing = append(missing, "platform")
	}
	if strings.TrimSpace(r.Sender) == "" {
		missing = append(missing, "sender")
	}
	if r.Content == "" {
		missing = append(missing, "content")
	}
	if r.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

func (r *IngestRequest) contactHandle() string {
	if h := strings.TrimSpace(r.Contact); h != "" {
		return h
	}
	return strings.TrimSpace(r.Sender)
}

// ContentHash is the idempotency key for a message: hex SHA-256 over
// timestamp, sender, receiver and text.
func ContentHash(ts time.Time, sender, receiver, text string) string {
	sum := sha256.Sum256([]byte(ts.UTC().Format(time.RFC3339Nano) + ":" + sender + ":" + receiver + ":" + text))
	return hex.EncodeToString(sum[:])
}
