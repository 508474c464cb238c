package memstore

import (
	"context"
	"testing"

	"github.com/linnemanlabs/guardian/internal/monitor"
	"github.com/linnemanlabs/guardian/internal/monitor/storetest"
)

func TestStore_Conformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(*testing.T) monitor.Store { return New() })
}

func TestStore_GetContactReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, _, err := s.EnsureContact(ctx, &monitor.Contact{ID: "k1", ChildID: "c1", Platform: "sms", Handle: "a", History: []float64{0.5}}); err != nil {
		t.Fatalf("EnsureContact: %v", err)
	}

	got, _, _ := s.GetContact(ctx, "k1")
	got.History[0] = 1
	got.Risk = 1

	again, _, _ := s.GetContact(ctx, "k1")
	if again.History[0] != 0.5 || again.Risk != 0 {
		t.Errorf("mutation leaked into store: %+v", again)
	}
}

func TestStore_ResolveReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := &monitor.Alert{ID: "a1", SubjectKey: "contact:k1", Type: monitor.AlertHighRiskContact, Status: monitor.StatusOpen}
	if _, err := s.CreateAlert(ctx, a, a.CreatedAt.Add(-1)); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	a.Status = monitor.StatusResolved

	got, ok, _ := s.GetAlert(ctx, "a1")
	if !ok || got.Status != monitor.StatusOpen {
		t.Errorf("caller mutation leaked: %+v", got)
	}
}
