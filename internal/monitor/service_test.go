package monitor_test

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/guardian/internal/monitor"
	"github.com/linnemanlabs/guardian/internal/monitor/memstore"
	"github.com/prometheus/client_golang/prometheus"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// parseScorer treats the message text as the score.
var parseScorer = monitor.ScorerFunc(func(_ context.Context, text string) (float64, error) {
	return strconv.ParseFloat(text, 64)
})

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*monitor.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a *monitor.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type harness struct {
	svc   *monitor.Service
	store *memstore.Store
	clock *fakeClock
}

func newHarness(t *testing.T, cfg monitor.Config, scorer monitor.Scorer) *harness {
	t.Helper()
	store := memstore.New()
	clock := &fakeClock{t: t0}
	svc, err := monitor.NewService(cfg, monitor.Deps{
		Store:  store,
		Scorer: scorer,
		Logger: log.Nop(),
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h := &harness{svc: svc, store: store, clock: clock}
	if _, err := svc.RegisterChild(context.Background(), monitor.Child{ID: "c1", Name: "Sam", Age: 14}); err != nil {
		t.Fatalf("RegisterChild: %v", err)
	}
	return h
}

func (h *harness) ingest(t *testing.T, sender, text string, at time.Time) monitor.IngestResult {
	t.Helper()
	res, err := h.svc.IngestMessage(context.Background(), monitor.IngestRequest{
		ChildID:   "c1",
		Platform:  "sms",
		Sender:    sender,
		Receiver:  "sam",
		Content:   text,
		Timestamp: at,
	})
	if err != nil {
		t.Fatalf("IngestMessage: %v", err)
	}
	return res
}

func TestNewService_RequiresDeps(t *testing.T) {
	t.Parallel()

	if _, err := monitor.NewService(monitor.DefaultConfig(), monitor.Deps{Scorer: parseScorer}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := monitor.NewService(monitor.DefaultConfig(), monitor.Deps{Store: memstore.New()}); err == nil {
		t.Error("expected error without scorer")
	}
	bad := monitor.DefaultConfig()
	bad.WindowSize = 0
	if _, err := monitor.NewService(bad, monitor.Deps{Store: memstore.New(), Scorer: parseScorer}); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestIngest_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()

	first := h.ingest(t, "stranger", "0.3", t0)
	if first.Duplicate {
		t.Fatal("first ingest reported duplicate")
	}
	second := h.ingest(t, "stranger", "0.3", t0)
	if !second.Duplicate {
		t.Fatal("second ingest not reported duplicate")
	}
	if second.Message.ID != first.Message.ID {
		t.Errorf("duplicate returned %s, want %s", second.Message.ID, first.Message.ID)
	}

	stats, err := h.svc.RunIntakeSweep(ctx, 0)
	if err != nil {
		t.Fatalf("RunIntakeSweep: %v", err)
	}
	if stats.Processed != 1 {
		t.Errorf("processed = %d, want 1", stats.Processed)
	}

	c, _, _ := h.svc.GetContact(ctx, first.Contact.ID)
	if len(c.History) != 1 || c.InteractionCount != 1 {
		t.Errorf("contact window = %v count = %d, want one entry", c.History, c.InteractionCount)
	}

	// re-ingest after processing stays a no-op
	third := h.ingest(t, "stranger", "0.3", t0)
	if !third.Duplicate || !third.Message.Processed {
		t.Errorf("late duplicate = %+v", third.Message)
	}
}

func TestIngest_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     monitor.IngestRequest
		wantErr error
	}{
		{"missing fields", monitor.IngestRequest{ChildID: "c1"}, monitor.ErrInvalidInput},
		{"unknown child", monitor.IngestRequest{ChildID: "nobody", Platform: "sms", Sender: "x", Content: "hi", Timestamp: t0}, monitor.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.IngestMessage(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("IngestMessage err = %v, want %v", err, tt.wantErr)
			}
			if !monitor.IsClientError(err) {
				t.Errorf("IsClientError(%v) = false", err)
			}
		})
	}
}

func TestRegisterDevice_Duplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()

	d1, created, err := h.svc.RegisterDevice(ctx, monitor.Device{UUID: "u-1", Name: "phone", ChildID: "c1"})
	if err != nil || !created {
		t.Fatalf("RegisterDevice = %v, %v", created, err)
	}
	d2, created, err := h.svc.RegisterDevice(ctx, monitor.Device{UUID: "u-1", Name: "tablet"})
	if err != nil {
		t.Fatalf("RegisterDevice dup: %v", err)
	}
	if created || d2.ID != d1.ID {
		t.Errorf("duplicate = %+v created=%v, want existing %s", d2, created, d1.ID)
	}

	if _, _, err := h.svc.RegisterDevice(ctx, monitor.Device{UUID: "u-2", ChildID: "ghost"}); !errors.Is(err, monitor.ErrNotFound) {
		t.Errorf("unknown child err = %v, want ErrNotFound", err)
	}
}

func TestIntake_MessageThresholdBoundary(t *testing.T) {
	t.Parallel()

	below := math.Nextafter(0.7, 0)
	tests := []struct {
		name      string
		score     float64
		wantAlert bool
	}{
		{"exactly threshold", 0.7, true},
		{"just below", below, false},
		{"above", 0.95, true},
		{"low", 0.1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, monitor.DefaultConfig(), parseScorer)
			ctx := context.Background()
			h.ingest(t, "stranger", strconv.FormatFloat(tt.score, 'g', -1, 64), t0)

			stats, err := h.svc.RunIntakeSweep(ctx, 0)
			if err != nil {
				t.Fatalf("RunIntakeSweep: %v", err)
			}
			if got := stats.AlertsCreated == 1; got != tt.wantAlert {
				t.Errorf("alert created = %v, want %v (stats %+v)", got, tt.wantAlert, stats)
			}

			alerts, err := h.svc.QueryAlerts(ctx, monitor.AlertQuery{Type: monitor.AlertHighRiskMessage})
			if err != nil {
				t.Fatalf("QueryAlerts: %v", err)
			}
			if (len(alerts) == 1) != tt.wantAlert {
				t.Errorf("stored alerts = %d, want alert=%v", len(alerts), tt.wantAlert)
			}
		})
	}
}

func TestIntake_AgeBandThreshold(t *testing.T) {
	t.Parallel()

	cfg := monitor.DefaultConfig()
	cfg.Thresholds.AgeBands = []monitor.AgeBand{{MaxAge: 15, MessageThreshold: 0.6}}
	h := newHarness(t, cfg, parseScorer) // child is 14
	h.ingest(t, "stranger", "0.65", t0)

	stats, err := h.svc.RunIntakeSweep(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunIntakeSweep: %v", err)
	}
	if stats.AlertsCreated != 1 {
		t.Errorf("alerts created = %d, want 1 with lowered band threshold", stats.AlertsCreated)
	}
}

func TestIntake_ScorerFailureLeavesMessage(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	scorer := monitor.ScorerFunc(func(ctx context.Context, text string) (float64, error) {
		if fail.Load() {
			return 0, errors.New("model unavailable")
		}
		return parseScorer(ctx, text)
	})

	h := newHarness(t, monitor.DefaultConfig(), scorer)
	ctx := context.Background()
	res := h.ingest(t, "stranger", "0.2", t0)
	h.ingest(t, "stranger", "1.5", t0.Add(time.Second)) // out of range is transient too

	stats, err := h.svc.RunIntakeSweep(ctx, 0)
	if err != nil {
		t.Fatalf("RunIntakeSweep: %v", err)
	}
	if stats.Skipped != 2 || stats.Processed != 0 {
		t.Fatalf("stats = %+v, want 2 skipped", stats)
	}
	m, _, _ := h.store.GetMessage(ctx, res.Message.ID)
	if m.Processed {
		t.Fatal("failed message marked processed")
	}

	fail.Store(false)
	stats, err = h.svc.RunIntakeSweep(ctx, 0)
	if err != nil {
		t.Fatalf("RunIntakeSweep: %v", err)
	}
	if stats.Processed != 1 || stats.Skipped != 1 {
		t.Errorf("retry stats = %+v, want 1 processed 1 skipped", stats)
	}
}

func TestIntake_ConcurrentSweepsProcessOnce(t *testing.T) {
	t.Parallel()

	cfg := monitor.DefaultConfig()
	cfg.WindowSize = 500
	h := newHarness(t, cfg, parseScorer)
	ctx := context.Background()

	const n = 60
	senders := []string{"a", "b", "c"}
	for i := range n {
		h.ingest(t, senders[i%len(senders)], "0.1"+strconv.Itoa(i), t0.Add(time.Duration(i)*time.Second))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total monitor.IntakeStats
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := h.svc.RunIntakeSweep(ctx, 0)
			if err != nil {
				t.Errorf("RunIntakeSweep: %v", err)
				return
			}
			mu.Lock()
			total.Processed += stats.Processed
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total.Processed != n {
		t.Errorf("processed across sweeps = %d, want %d", total.Processed, n)
	}

	var history int
	contacts, err := h.store.ContactsAtRisk(ctx, 0, "", 100)
	if err != nil {
		t.Fatalf("ContactsAtRisk: %v", err)
	}
	for _, c := range contacts {
		history += len(c.History)
	}
	if history != n {
		t.Errorf("total window entries = %d, want %d", history, n)
	}
}

func TestIntake_CancelledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	h.ingest(t, "stranger", "0.2", t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.svc.RunIntakeSweep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("RunIntakeSweep err = %v, want context.Canceled", err)
	}
}

func TestIntake_CancelMidScoreKeepsAlerts(t *testing.T) {
	t.Parallel()

	for run := range 20 {
		var cancel context.CancelFunc
		scorer := monitor.ScorerFunc(func(context.Context, string) (float64, error) {
			cancel()
			return 0.95, nil
		})

		h := newHarness(t, monitor.DefaultConfig(), scorer)
		var ids []string
		for i := range 8 {
			res := h.ingest(t, "sender-"+strconv.Itoa(i), "hi "+strconv.Itoa(i), t0.Add(time.Duration(i)*time.Second))
			ids = append(ids, res.Message.ID)
		}

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		_, _ = h.svc.RunIntakeSweep(ctx, 0)

		bg := context.Background()
		alerts, err := h.svc.QueryAlerts(bg, monitor.AlertQuery{Type: monitor.AlertHighRiskMessage})
		if err != nil {
			t.Fatalf("QueryAlerts: %v", err)
		}
		alerted := make(map[string]bool, len(alerts))
		for _, a := range alerts {
			alerted[a.MessageID] = true
		}

		for _, id := range ids {
			m, _, err := h.store.GetMessage(bg, id)
			if err != nil {
				t.Fatalf("GetMessage: %v", err)
			}
			if m.Processed && !alerted[id] {
				t.Fatalf("run %d: message %s processed with score 0.95 but has no alert", run, id)
			}
		}
	}
}

func TestAggregator_ConcurrentUpdatesWithEviction(t *testing.T) {
	t.Parallel()

	cfg := monitor.DefaultConfig()
	cfg.WindowSize = 50
	h := newHarness(t, cfg, parseScorer)
	ctx := context.Background()
	res := h.ingest(t, "stranger", "0.5", t0)
	id := res.Contact.ID

	const n = 300
	submitted := make(map[float64]bool, n)
	for i := range n {
		submitted[float64(i)/1000] = true
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.UpdateContactRisk(ctx, id, float64(i)/1000); err != nil {
				t.Errorf("UpdateContactRisk: %v", err)
			}
		}()
	}
	wg.Wait()

	c, _, _ := h.svc.GetContact(ctx, id)
	if len(c.History) != cfg.WindowSize {
		t.Fatalf("history = %d, want %d", len(c.History), cfg.WindowSize)
	}
	if c.InteractionCount != n {
		t.Errorf("interaction count = %d, want %d", c.InteractionCount, n)
	}

	seen := make(map[float64]bool, len(c.History))
	var sum float64
	for _, v := range c.History {
		if !submitted[v] {
			t.Errorf("window holds %v, which was never submitted", v)
		}
		if seen[v] {
			t.Errorf("window holds %v twice", v)
		}
		seen[v] = true
		sum += v
	}
	if want := sum / float64(len(c.History)); math.Abs(c.Risk-want) > 1e-9 {
		t.Errorf("risk = %v, want mean of window %v", c.Risk, want)
	}
}

func TestAggregator_ConcurrentUpdates(t *testing.T) {
	t.Parallel()

	cfg := monitor.DefaultConfig()
	cfg.WindowSize = 1000
	h := newHarness(t, cfg, parseScorer)
	ctx := context.Background()
	res := h.ingest(t, "stranger", "0.5", t0)
	id := res.Contact.ID

	const n = 200
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.UpdateContactRisk(ctx, id, float64(i%2)); err != nil {
				t.Errorf("UpdateContactRisk: %v", err)
			}
		}()
	}
	wg.Wait()

	c, _, _ := h.svc.GetContact(ctx, id)
	if len(c.History) != n || c.InteractionCount != n {
		t.Fatalf("history = %d count = %d, want %d", len(c.History), c.InteractionCount, n)
	}
	if math.Abs(c.Risk-0.5) > 1e-12 {
		t.Errorf("risk = %v, want 0.5", c.Risk)
	}
}

func TestAggregator_RiskUndefinedForEmptyWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()
	res := h.ingest(t, "stranger", "0.5", t0)

	if _, defined, err := h.svc.ContactRisk(ctx, res.Contact.ID); err != nil || defined {
		t.Errorf("ContactRisk = defined %v err %v, want undefined", defined, err)
	}
	if _, _, err := h.svc.ContactRisk(ctx, "missing"); !errors.Is(err, monitor.ErrNotFound) {
		t.Errorf("missing contact err = %v, want ErrNotFound", err)
	}
	if _, err := h.svc.UpdateContactRisk(ctx, res.Contact.ID, 1.2); !errors.Is(err, monitor.ErrInvalidScore) {
		t.Errorf("out of range update err = %v, want ErrInvalidScore", err)
	}
}

func TestCreateAlert_Cooldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()
	in := monitor.NewAlert{Type: monitor.AlertHighRiskContact, ChildID: "c1", ContactID: "k1", Score: 0.8}

	res, err := h.svc.CreateAlert(ctx, in)
	if err != nil || !res.Created() {
		t.Fatalf("first CreateAlert = %+v, %v", res, err)
	}

	h.clock.Advance(time.Hour)
	res, err = h.svc.CreateAlert(ctx, in)
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if res.Outcome != monitor.OutcomeSuppressed {
		t.Errorf("T+1h outcome = %s, want suppressed", res.Outcome)
	}

	other := in
	other.Type = monitor.AlertHighRiskMessage
	if res, err := h.svc.CreateAlert(ctx, other); err != nil || !res.Created() {
		t.Errorf("different type = %+v, %v; want created", res, err)
	}

	h.clock.Advance(24 * time.Hour)
	res, err = h.svc.CreateAlert(ctx, in)
	if err != nil || !res.Created() {
		t.Errorf("T+25h = %+v, %v; want created", res, err)
	}

	n, err := h.svc.CountAlerts(ctx, monitor.AlertQuery{Type: monitor.AlertHighRiskContact})
	if err != nil {
		t.Fatalf("CountAlerts: %v", err)
	}
	if n != 2 {
		t.Errorf("contact alerts = %d, want 2", n)
	}
}

func TestCreateAlert_ConcurrentSameSubject(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()
	in := monitor.NewAlert{Type: monitor.AlertHighRiskContact, ChildID: "c1", ContactID: "k1", Score: 0.8}

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.CreateAlert(ctx, in)
			if err != nil {
				t.Errorf("CreateAlert: %v", err)
				return
			}
			if res.Created() {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Errorf("created = %d, want exactly 1", got)
	}
}

func TestCreateAlert_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()

	tests := []struct {
		name string
		in   monitor.NewAlert
		want error
	}{
		{"unknown type", monitor.NewAlert{Type: "weird", ContactID: "k1", Score: 0.5}, monitor.ErrInvalidInput},
		{"no subject", monitor.NewAlert{Type: monitor.AlertHighRiskContact, Score: 0.5}, monitor.ErrInvalidInput},
		{"bad score", monitor.NewAlert{Type: monitor.AlertHighRiskContact, ContactID: "k1", Score: 2}, monitor.ErrInvalidScore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.CreateAlert(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolveAlert_ExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()
	res, err := h.svc.CreateAlert(ctx, monitor.NewAlert{Type: monitor.AlertHighRiskContact, ChildID: "c1", ContactID: "k1", Score: 0.8})
	if err != nil || !res.Created() {
		t.Fatalf("CreateAlert = %+v, %v", res, err)
	}
	id := res.Alert.ID

	if _, err := h.svc.ResolveAlert(ctx, id, "  ", "x"); !errors.Is(err, monitor.ErrResolverRequired) {
		t.Fatalf("blank resolver err = %v, want ErrResolverRequired", err)
	}

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.svc.ResolveAlert(ctx, id, "parent-"+strconv.Itoa(i), "")
			if err != nil {
				t.Errorf("ResolveAlert: %v", err)
				return
			}
			if r.Outcome == monitor.OutcomeOK {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := ok.Load(); got != 1 {
		t.Fatalf("successful resolves = %d, want 1", got)
	}

	a, _, _ := h.svc.GetAlert(ctx, id)
	if a.Status != monitor.StatusResolved || a.ResolvedAt == nil {
		t.Errorf("alert = %+v", a)
	}

	r, err := h.svc.ResolveAlert(ctx, "missing", "parent", "")
	if err != nil || r.Outcome != monitor.OutcomeNotFound {
		t.Errorf("missing = %+v, %v; want not_found", r, err)
	}
}

func TestContactSweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()

	risky := h.ingest(t, "risky", "0.9", t0).Contact
	h.ingest(t, "risky", "0.5", t0.Add(time.Second))
	calm := h.ingest(t, "calm", "0.1", t0).Contact
	silent := h.ingest(t, "silent", "0.95", t0).Contact

	// only the first two senders get scored
	if _, err := h.svc.UpdateContactRisk(ctx, risky.ID, 0.9); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.UpdateContactRisk(ctx, risky.ID, 0.5); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.UpdateContactRisk(ctx, calm.ID, 0.1); err != nil {
		t.Fatal(err)
	}

	stats, err := h.svc.RunContactAlertSweep(ctx, 0)
	if err != nil {
		t.Fatalf("RunContactAlertSweep: %v", err)
	}
	if stats.Scanned != 1 || stats.AlertsCreated != 1 {
		t.Fatalf("stats = %+v, want 1 scanned 1 created", stats)
	}

	alerts, _ := h.svc.QueryAlerts(ctx, monitor.AlertQuery{Type: monitor.AlertHighRiskContact})
	if len(alerts) != 1 || alerts[0].ContactID != risky.ID {
		t.Fatalf("alerts = %+v, want one for %s", alerts, risky.ID)
	}
	for _, a := range alerts {
		if a.ContactID == silent.ID {
			t.Error("contact with empty window was alerted")
		}
	}

	stats, err = h.svc.RunContactAlertSweep(ctx, 0)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if stats.AlertsCreated != 0 || stats.AlertsSuppressed != 1 {
		t.Errorf("second sweep = %+v, want 1 suppressed", stats)
	}

	if _, err := h.svc.RunContactAlertSweep(ctx, 1.5); !errors.Is(err, monitor.ErrInvalidInput) {
		t.Errorf("bad threshold err = %v, want ErrInvalidInput", err)
	}
}

func TestContactSweep_RiskAtThreshold(t *testing.T) {
	t.Parallel()

	cfg := monitor.DefaultConfig()
	cfg.ContactRiskThreshold = 0.7
	h := newHarness(t, cfg, parseScorer)
	ctx := context.Background()

	c := h.ingest(t, "steady", "0.7", t0).Contact
	var risk float64
	for range 3 {
		var err error
		if risk, err = h.svc.UpdateContactRisk(ctx, c.ID, 0.7); err != nil {
			t.Fatal(err)
		}
	}
	if risk != 0.7 {
		t.Fatalf("risk = %v, want exactly 0.7", risk)
	}

	stats, err := h.svc.RunContactAlertSweep(ctx, 0)
	if err != nil {
		t.Fatalf("RunContactAlertSweep: %v", err)
	}
	if stats.AlertsCreated != 1 {
		t.Errorf("stats = %+v, want 1 created for risk equal to threshold", stats)
	}
}

func TestQueryAlerts_Filters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.DefaultConfig(), parseScorer)
	ctx := context.Background()
	for i, score := range []float64{0.55, 0.8, 0.95} {
		in := monitor.NewAlert{Type: monitor.AlertHighRiskContact, ChildID: "c1", ContactID: "k" + strconv.Itoa(i), Score: score}
		if _, err := h.svc.CreateAlert(ctx, in); err != nil {
			t.Fatalf("CreateAlert: %v", err)
		}
		h.clock.Advance(48 * time.Hour)
	}

	tests := []struct {
		name string
		q    monitor.AlertQuery
		want int
	}{
		{"all", monitor.AlertQuery{}, 3},
		{"severity", monitor.AlertQuery{SeverityMin: 0.75}, 2},
		{"since days", monitor.AlertQuery{SinceDays: 3}, 1},
		{"limit", monitor.AlertQuery{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.svc.QueryAlerts(ctx, tt.q)
			if err != nil {
				t.Fatalf("QueryAlerts: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d, want %d", len(got), tt.want)
			}
		})
	}

	if _, err := h.svc.QueryAlerts(ctx, monitor.AlertQuery{Status: "bogus"}); !errors.Is(err, monitor.ErrInvalidInput) {
		t.Errorf("bad status err = %v, want ErrInvalidInput", err)
	}
}

func TestNotifierAndMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg)
	notifier := &recordingNotifier{}
	store := memstore.New()

	svc, err := monitor.NewService(monitor.DefaultConfig(), monitor.Deps{
		Store:    store,
		Scorer:   parseScorer,
		Notifier: notifier,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	in := monitor.NewAlert{Type: monitor.AlertHighRiskContact, ContactID: "k1", Score: 0.9}
	if _, err := svc.CreateAlert(ctx, in); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if _, err := svc.CreateAlert(ctx, in); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for notifier.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}

	if got := counterValue(t, reg, "guardian_alerts_total", "ok"); got != 1 {
		t.Errorf("alerts ok = %v, want 1", got)
	}
	if got := counterValue(t, reg, "guardian_alerts_total", "suppressed"); got != 1 {
		t.Errorf("alerts suppressed = %v, want 1", got)
	}
}

// counterValue sums the series of name carrying outcome as a label value.
func counterValue(t *testing.T, reg *prometheus.Registry, name, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}
