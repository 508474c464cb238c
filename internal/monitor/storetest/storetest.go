// Package storetest is a conformance suite every monitor.Store implementation runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) monitor.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite. Subtests run sequentially so shared databases
// can be reset by the factory.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s monitor.Store)
	}{
		{"children", testChildren},
		{"devices", testDevices},
		{"contacts", testContacts},
		{"update contact", testUpdateContact},
		{"messages", testMessages},
		{"unprocessed order", testUnprocessedOrder},
		{"record score", testRecordScore},
		{"record score concurrent", testRecordScoreConcurrent},
		{"contacts at risk", testContactsAtRisk},
		{"contacts by risk", testContactsByRisk},
		{"create alert cooldown", testCreateAlert},
		{"resolve alert", testResolveAlert},
		{"query alerts", testQueryAlerts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func seedChild(t *testing.T, s monitor.Store, id string, age int) *monitor.Child {
	t.Helper()
	c := &monitor.Child{ID: id, Name: "child " + id, Age: age, CreatedAt: base}
	if err := s.PutChild(context.Background(), c); err != nil {
		t.Fatalf("PutChild: %v", err)
	}
	return c
}

func seedContact(t *testing.T, s monitor.Store, id, childID, handle string) *monitor.Contact {
	t.Helper()
	c, _, err := s.EnsureContact(context.Background(), &monitor.Contact{
		ID:        id,
		ChildID:   childID,
		Platform:  "sms",
		Handle:    handle,
		FirstSeen: base,
		LastSeen:  base,
	})
	if err != nil {
		t.Fatalf("EnsureContact: %v", err)
	}
	return c
}

func seedMessage(t *testing.T, s monitor.Store, id, contactID string, ts time.Time) *monitor.Message {
	t.Helper()
	m, _, err := s.InsertMessage(context.Background(), &monitor.Message{
		ID:          id,
		ChildID:     "c1",
		ContactID:   contactID,
		Platform:    "sms",
		Sender:      "someone",
		Content:     "hello " + id,
		ContentHash: "hash-" + id,
		Timestamp:   ts,
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	return m
}

func push(score float64) monitor.ContactMutator {
	return func(c *monitor.Contact) error {
		c.History = append(c.History, score)
		var sum float64
		for _, v := range c.History {
			sum += v
		}
		c.Risk = sum / float64(len(c.History))
		c.InteractionCount++
		return nil
	}
}

func testChildren(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	seedChild(t, s, "c1", 11)

	got, ok, err := s.GetChild(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("GetChild = %v, %v", ok, err)
	}
	if got.Age != 11 || got.Name != "child c1" {
		t.Errorf("child = %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}

	if _, ok, err := s.GetChild(ctx, "missing"); err != nil || ok {
		t.Errorf("GetChild(missing) = %v, %v; want false, nil", ok, err)
	}
}

func testDevices(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	seedChild(t, s, "c1", 11)

	d1, created, err := s.RegisterDevice(ctx, &monitor.Device{ID: "d1", UUID: "uuid-1", Name: "phone", ChildID: "c1", RegisteredAt: base})
	if err != nil || !created {
		t.Fatalf("RegisterDevice = %v, %v", created, err)
	}
	d2, created, err := s.RegisterDevice(ctx, &monitor.Device{ID: "d2", UUID: "uuid-1", Name: "other", RegisteredAt: base})
	if err != nil {
		t.Fatalf("RegisterDevice dup: %v", err)
	}
	if created {
		t.Error("duplicate UUID reported as created")
	}
	if d2.ID != d1.ID || d2.Name != "phone" {
		t.Errorf("duplicate returned %+v, want existing %+v", d2, d1)
	}
}

func testContacts(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	first := seedContact(t, s, "k1", "c1", "alice")

	again, created, err := s.EnsureContact(ctx, &monitor.Contact{ID: "k2", ChildID: "c1", Platform: "sms", Handle: "alice", FirstSeen: base, LastSeen: base})
	if err != nil {
		t.Fatalf("EnsureContact: %v", err)
	}
	if created || again.ID != first.ID {
		t.Errorf("EnsureContact dup = %q created=%v, want %q created=false", again.ID, created, first.ID)
	}

	other, created, err := s.EnsureContact(ctx, &monitor.Contact{ID: "k3", ChildID: "c1", Platform: "chat", Handle: "alice", FirstSeen: base, LastSeen: base})
	if err != nil || !created || other.ID != "k3" {
		t.Errorf("different platform = %+v, %v, %v; want new contact k3", other, created, err)
	}

	got, ok, err := s.GetContact(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetContact = %v, %v", ok, err)
	}
	if len(got.History) != 0 || got.Risk != 0 {
		t.Errorf("new contact has history %v risk %v", got.History, got.Risk)
	}
}

func testUpdateContact(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	seedContact(t, s, "k1", "c1", "alice")

	c, err := s.UpdateContact(ctx, "k1", push(0.4))
	if err != nil {
		t.Fatalf("UpdateContact: %v", err)
	}
	if c.Risk != 0.4 || len(c.History) != 1 || c.InteractionCount != 1 {
		t.Errorf("after update = %+v", c)
	}

	boom := errors.New("boom")
	if _, err := s.UpdateContact(ctx, "k1", func(c *monitor.Contact) error {
		c.Risk = 1
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("UpdateContact err = %v, want boom", err)
	}
	got, _, _ := s.GetContact(ctx, "k1")
	if got.Risk != 0.4 {
		t.Errorf("failed mutator leaked: risk = %v", got.Risk)
	}

	if _, err := s.UpdateContact(ctx, "missing", push(0.1)); !errors.Is(err, monitor.ErrNotFound) {
		t.Errorf("UpdateContact(missing) err = %v, want ErrNotFound", err)
	}
}

func testMessages(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	seedContact(t, s, "k1", "c1", "alice")
	first := seedMessage(t, s, "m1", "k1", base)

	dup, created, err := s.InsertMessage(ctx, &monitor.Message{
		ID: "m2", ChildID: "c1", ContactID: "k1", Platform: "sms", Sender: "x",
		Content: "other", ContentHash: first.ContentHash, Timestamp: base,
	})
	if err != nil {
		t.Fatalf("InsertMessage dup: %v", err)
	}
	if created || dup.ID != "m1" {
		t.Errorf("dup = %q created=%v, want m1 created=false", dup.ID, created)
	}

	got, ok, err := s.GetMessage(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("GetMessage = %v, %v", ok, err)
	}
	if got.Processed || got.Score != nil {
		t.Errorf("fresh message processed=%v score=%v", got.Processed, got.Score)
	}
	if !got.Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, base)
	}
}

func testUnprocessedOrder(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	seedContact(t, s, "k1", "c1", "alice")
	seedMessage(t, s, "m3", "k1", base.Add(3*time.Minute))
	seedMessage(t, s, "m1", "k1", base.Add(1*time.Minute))
	seedMessage(t, s, "m2", "k1", base.Add(2*time.Minute))

	if _, err := s.RecordScore(ctx, "m1", 0.1, base, push(0.1)); err != nil {
		t.Fatalf("RecordScore: %v", err)
	}

	got, err := s.UnprocessedMessages(ctx, 10)
	if err != nil {
		t.Fatalf("UnprocessedMessages: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m2" || got[1].ID != "m3" {
		t.Errorf("unprocessed = %v, want [m2 m3]", ids(got))
	}

	got, err = s.UnprocessedMessages(ctx, 1)
	if err != nil {
		t.Fatalf("UnprocessedMessages: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m2" {
		t.Errorf("limited = %v, want [m2]", ids(got))
	}
}

func ids(msgs []*monitor.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func testRecordScore(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	seedContact(t, s, "k1", "c1", "alice")
	seedMessage(t, s, "m1", "k1", base)

	c, err := s.RecordScore(ctx, "m1", 0.8, base.Add(time.Minute), push(0.8))
	if err != nil {
		t.Fatalf("RecordScore: %v", err)
	}
	if c.Risk != 0.8 || len(c.History) != 1 {
		t.Errorf("contact after score = %+v", c)
	}

	m, _, _ := s.GetMessage(ctx, "m1")
	if !m.Processed || m.Score == nil || *m.Score != 0.8 || m.ProcessedAt == nil {
		t.Errorf("message after score = %+v", m)
	}

	if _, err := s.RecordScore(ctx, "m1", 0.2, base, push(0.2)); !errors.Is(err, monitor.ErrAlreadyProcessed) {
		t.Fatalf("second RecordScore err = %v, want ErrAlreadyProcessed", err)
	}
	c, _, _ = s.GetContact(ctx, "k1")
	if len(c.History) != 1 {
		t.Errorf("history after duplicate = %v, want one entry", c.History)
	}

	if _, err := s.RecordScore(ctx, "missing", 0.2, base, push(0.2)); !errors.Is(err, monitor.ErrNotFound) {
		t.Errorf("RecordScore(missing) err = %v, want ErrNotFound", err)
	}
}

func testRecordScoreConcurrent(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	seedContact(t, s, "k1", "c1", "alice")
	const n = 20
	for i := range n {
		seedMessage(t, s, fmt.Sprintf("m%02d", i), "k1", base.Add(time.Duration(i)*time.Second))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := range n {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.RecordScore(ctx, fmt.Sprintf("m%02d", i), 0.5, base, push(0.5))
				if err != nil && !errors.Is(err, monitor.ErrAlreadyProcessed) {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RecordScore: %v", err)
	}

	c, _, _ := s.GetContact(ctx, "k1")
	if len(c.History) != n || c.InteractionCount != n {
		t.Errorf("history len = %d count = %d, want %d each", len(c.History), c.InteractionCount, n)
	}
}

func testContactsAtRisk(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	risks := map[string]float64{"k1": 0.9, "k2": 0.2, "k3": 0.6, "k4": 0.75}
	for id, r := range risks {
		seedContact(t, s, id, "c1", "h-"+id)
		if _, err := s.UpdateContact(ctx, id, push(r)); err != nil {
			t.Fatalf("UpdateContact: %v", err)
		}
	}

	page, err := s.ContactsAtRisk(ctx, 0.6, "", 2)
	if err != nil {
		t.Fatalf("ContactsAtRisk: %v", err)
	}
	if len(page) != 2 || page[0].ID != "k1" || page[1].ID != "k3" {
		t.Fatalf("page 1 = %v, want [k1 k3]", contactIDs(page))
	}
	page, err = s.ContactsAtRisk(ctx, 0.6, page[1].ID, 2)
	if err != nil {
		t.Fatalf("ContactsAtRisk: %v", err)
	}
	if len(page) != 1 || page[0].ID != "k4" {
		t.Errorf("page 2 = %v, want [k4]", contactIDs(page))
	}
	if len(page[0].History) != 1 {
		t.Errorf("paged contact history = %v", page[0].History)
	}
}

func testContactsByRisk(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	risks := map[string]float64{"k1": 0.9, "k2": 0.2, "k3": 0.6, "k4": 0.75}
	for id, r := range risks {
		seedContact(t, s, id, "c1", "h-"+id)
		if _, err := s.UpdateContact(ctx, id, push(r)); err != nil {
			t.Fatalf("UpdateContact: %v", err)
		}
	}
	seedContact(t, s, "k5", "c1", "h-k5") // never scored
	seedContact(t, s, "k6", "c2", "h-k6")
	if _, err := s.UpdateContact(ctx, "k6", push(0.95)); err != nil {
		t.Fatalf("UpdateContact: %v", err)
	}

	tests := []struct {
		name    string
		childID string
		minRisk float64
		limit   int
		want    []string
	}{
		{"all scored, highest first", "c1", 0, 0, []string{"k1", "k4", "k3", "k2"}},
		{"min risk inclusive", "c1", 0.6, 0, []string{"k1", "k4", "k3"}},
		{"limit", "c1", 0, 2, []string{"k1", "k4"}},
		{"other child", "c2", 0, 0, []string{"k6"}},
		{"unknown child", "c9", 0, 0, []string{}},
	}
	for _, tt := range tests {
		got, err := s.ContactsByRisk(ctx, tt.childID, tt.minRisk, tt.limit)
		if err != nil {
			t.Fatalf("%s: ContactsByRisk: %v", tt.name, err)
		}
		if g := contactIDs(got); !slices.Equal(g, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, g, tt.want)
		}
	}
}

func contactIDs(cs []*monitor.Contact) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func newAlert(id, key string, t monitor.AlertType, at time.Time, score float64) *monitor.Alert {
	return &monitor.Alert{
		ID:         id,
		SubjectKey: key,
		ChildID:    "c1",
		ContactID:  "k1",
		Type:       t,
		Score:      score,
		Status:     monitor.StatusOpen,
		CreatedAt:  at,
	}
}

func testCreateAlert(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	const window = 24 * time.Hour
	key := "contact:k1"

	if _, ok, err := s.LatestAlert(ctx, key, monitor.AlertHighRiskContact); err != nil || ok {
		t.Fatalf("LatestAlert on empty = %v, %v", ok, err)
	}

	ok, err := s.CreateAlert(ctx, newAlert("a1", key, monitor.AlertHighRiskContact, base, 0.8), base.Add(-window))
	if err != nil || !ok {
		t.Fatalf("first CreateAlert = %v, %v", ok, err)
	}

	at := base.Add(time.Hour)
	ok, err = s.CreateAlert(ctx, newAlert("a2", key, monitor.AlertHighRiskContact, at, 0.8), at.Add(-window))
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if ok {
		t.Error("alert inside cooldown was inserted")
	}

	ok, err = s.CreateAlert(ctx, newAlert("a3", key, monitor.AlertHighRiskMessage, at, 0.8), at.Add(-window))
	if err != nil || !ok {
		t.Errorf("other alert type blocked: %v, %v", ok, err)
	}

	at = base.Add(window)
	ok, err = s.CreateAlert(ctx, newAlert("a4", key, monitor.AlertHighRiskContact, at, 0.8), at.Add(-window))
	if err != nil || !ok {
		t.Errorf("alert exactly one cooldown later = %v, %v; want inserted", ok, err)
	}

	last, ok, err := s.LatestAlert(ctx, key, monitor.AlertHighRiskContact)
	if err != nil || !ok {
		t.Fatalf("LatestAlert = %v, %v", ok, err)
	}
	if last.ID != "a4" {
		t.Errorf("LatestAlert = %q, want a4", last.ID)
	}
}

func testResolveAlert(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	if _, err := s.CreateAlert(ctx, newAlert("a1", "contact:k1", monitor.AlertHighRiskContact, base, 0.8), base.Add(-time.Hour)); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	at := base.Add(time.Hour)
	a, ok, err := s.ResolveAlert(ctx, "a1", "parent", "talked to them", at)
	if err != nil || !ok {
		t.Fatalf("ResolveAlert = %v, %v", ok, err)
	}
	if a.Status != monitor.StatusResolved || a.ResolvedBy != "parent" || a.ResolvedAt == nil || !a.ResolvedAt.Equal(at) {
		t.Errorf("resolved alert = %+v", a)
	}

	if _, ok, err := s.ResolveAlert(ctx, "a1", "someone else", "", at.Add(time.Hour)); err != nil || ok {
		t.Errorf("second ResolveAlert = %v, %v; want false, nil", ok, err)
	}
	got, _, _ := s.GetAlert(ctx, "a1")
	if got.ResolvedBy != "parent" || !got.ResolvedAt.Equal(at) {
		t.Errorf("second resolve rewrote alert: %+v", got)
	}

	if _, ok, err := s.ResolveAlert(ctx, "missing", "parent", "", at); err != nil || ok {
		t.Errorf("ResolveAlert(missing) = %v, %v; want false, nil", ok, err)
	}
}

func testQueryAlerts(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	past := base.Add(-30 * 24 * time.Hour)
	fixtures := []*monitor.Alert{
		newAlert("a1", "contact:k1", monitor.AlertHighRiskContact, base, 0.65),
		newAlert("a2", "child:c1/contact:k1", monitor.AlertHighRiskMessage, base.Add(time.Minute), 0.95),
		newAlert("a3", "contact:k2", monitor.AlertHighRiskContact, base.Add(2*time.Minute), 0.8),
		newAlert("a4", "contact:k3", monitor.AlertHighRiskContact, past, 0.9),
	}
	fixtures[2].ContactID = "k2"
	fixtures[3].ContactID = "k3"
	for _, a := range fixtures {
		if ok, err := s.CreateAlert(ctx, a, a.CreatedAt.Add(-time.Hour)); err != nil || !ok {
			t.Fatalf("CreateAlert %s = %v, %v", a.ID, ok, err)
		}
	}
	if _, _, err := s.ResolveAlert(ctx, "a3", "parent", "", base.Add(time.Hour)); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	tests := []struct {
		name string
		f    monitor.AlertFilter
		want []string
	}{
		{"all newest first", monitor.AlertFilter{}, []string{"a3", "a2", "a1", "a4"}},
		{"by contact", monitor.AlertFilter{ContactID: "k1"}, []string{"a2", "a1"}},
		{"by type", monitor.AlertFilter{Type: monitor.AlertHighRiskMessage}, []string{"a2"}},
		{"open only", monitor.AlertFilter{Status: monitor.StatusOpen}, []string{"a2", "a1", "a4"}},
		{"severity", monitor.AlertFilter{SeverityMin: 0.8}, []string{"a3", "a2", "a4"}},
		{"since", monitor.AlertFilter{Since: base.Add(-24 * time.Hour)}, []string{"a3", "a2", "a1"}},
		{"limit offset", monitor.AlertFilter{Limit: 2, Offset: 1}, []string{"a2", "a1"}},
		{"no match", monitor.AlertFilter{ChildID: "nobody"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryAlerts(ctx, tt.f)
			if err != nil {
				t.Fatalf("QueryAlerts: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d alerts %v, want %v", len(got), alertIDs(got), tt.want)
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}

			cf := tt.f
			cf.Limit, cf.Offset = 0, 0
			n, err := s.CountAlerts(ctx, cf)
			if err != nil {
				t.Fatalf("CountAlerts: %v", err)
			}
			if tt.f.Limit == 0 && n != len(tt.want) {
				t.Errorf("CountAlerts = %d, want %d", n, len(tt.want))
			}
		})
	}
}

func alertIDs(as []*monitor.Alert) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.ID
	}
	return out
}
