package queue

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/alerting"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

type capturedAlerts struct {
	mu     sync.Mutex
	alerts []*alerting.Alert
}

func (c *capturedAlerts) notifier() alerting.Notifier {
	return alerting.NotifierFunc(func(_ context.Context, alert *alerting.Alert) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		cp := *alert
		c.alerts = append(c.alerts, &cp)
		return nil
	})
}

func (c *capturedAlerts) kinds() []alerting.DebounceKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]alerting.DebounceKind, 0, len(c.alerts))
	for _, a := range c.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func newTestManager(cfg Config, captured *capturedAlerts) (*Manager, *store.MemoryStore) {
	st := store.NewMemoryStore()
	logger := log.New(io.Discard, "", 0)
	debouncer := alerting.NewDebouncer(nil, st, st, captured.notifier(), logger)
	return NewManager(cfg, st, st, debouncer, logger), st
}

func seedEntry(t *testing.T, st *store.MemoryStore, id, org string, scheduledAt time.Time) {
	t.Helper()
	err := st.Enqueue(context.Background(), &store.QueueEntry{
		ID:             id,
		OrganisationID: org,
		DestinationID:  "dest-1",
		Priority:       5,
		ScheduledAt:    scheduledAt,
		Status:         store.StatusPending,
		Payload: store.Payload{
			DeliveryID: "delivery-" + id,
			Type:       "order.created",
			Data:       json.RawMessage(`{}`),
		},
		IdempotencyKey: "key-" + id,
		CreatedAt:      scheduledAt,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func TestSampleNowAggregatesQueueState(t *testing.T) {
	m, st := newTestManager(Config{}, &capturedAlerts{})
	ctx := context.Background()
	now := time.Now()

	seedEntry(t, st, "p1", "org-1", now.Add(-3*time.Minute))
	seedEntry(t, st, "p2", "org-2", now.Add(-time.Minute))
	seedEntry(t, st, "done", "org-1", now.Add(-10*time.Minute))
	seedEntry(t, st, "lost", "org-1", now.Add(-10*time.Minute))

	// drive two entries to terminal states with known processing times
	claimed, _ := st.Dequeue(ctx, 10)
	if len(claimed) != 4 {
		t.Fatalf("expected to claim all entries, got %d", len(claimed))
	}
	doneAt := now.Add(-8 * time.Minute)
	st.UpdateStatus(ctx, "done", store.StatusCompleted, &doneAt)
	lostAt := now.Add(-6 * time.Minute)
	st.UpdateStatus(ctx, "lost", store.StatusFailed, &lostAt)
	st.ScheduleRetry(ctx, "p1", now, 0)
	st.ScheduleRetry(ctx, "p2", now, 0)

	sample, err := m.SampleNow(ctx)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if sample.Depth != 2 {
		t.Errorf("expected depth 2, got %d", sample.Depth)
	}
	if sample.ByStatus[store.StatusCompleted] != 1 || sample.ByStatus[store.StatusFailed] != 1 {
		t.Errorf("terminal counts wrong: %v", sample.ByStatus)
	}
	if sample.FailureRate != 0.5 {
		t.Errorf("expected failure rate 0.5, got %.2f", sample.FailureRate)
	}
	if sample.AvgProcessing <= 0 {
		t.Errorf("expected positive average processing time, got %s", sample.AvgProcessing)
	}

	// both terminal entries processed inside the last 15 minutes, none in 5
	if sample.Rates.M5 != 0 {
		t.Errorf("expected 5m rate 0, got %.3f", sample.Rates.M5)
	}
	if sample.Rates.M15 != 2.0/15 {
		t.Errorf("expected 15m rate %.3f, got %.3f", 2.0/15, sample.Rates.M15)
	}
	if sample.Rates.M60 != 2.0/60 {
		t.Errorf("expected 60m rate %.3f, got %.3f", 2.0/60, sample.Rates.M60)
	}

	// org-1 waited 2m (done) and 4m (lost); the average is 3m
	if got := sample.OrgAvgWait["org-1"]; got != 3*time.Minute {
		t.Errorf("expected org-1 average wait 3m, got %s", got)
	}

	if m.Latest() == nil {
		t.Error("latest sample not retained")
	}
}

func TestSeverityForGradesOvershoot(t *testing.T) {
	cases := []struct {
		value, threshold float64
		want             alerting.Severity
	}{
		{100, 100, alerting.SeverityLow},
		{149, 100, alerting.SeverityLow},
		{150, 100, alerting.SeverityMedium},
		{200, 100, alerting.SeverityHigh},
		{300, 100, alerting.SeverityCritical},
		{1000, 100, alerting.SeverityCritical},
		{50, 0, alerting.SeverityLow},
	}
	for _, tc := range cases {
		if got := SeverityFor(tc.value, tc.threshold); got != tc.want {
			t.Errorf("SeverityFor(%.0f, %.0f) = %s, want %s", tc.value, tc.threshold, got, tc.want)
		}
	}
}

func TestThresholdCrossingRaisesDebouncedAlert(t *testing.T) {
	captured := &capturedAlerts{}
	m, st := newTestManager(Config{
		Thresholds: Thresholds{QueueDepth: 2},
	}, captured)
	ctx := context.Background()
	now := time.Now()

	seedEntry(t, st, "a", "org-1", now)
	seedEntry(t, st, "b", "org-1", now)
	seedEntry(t, st, "c", "org-1", now)

	m.sampleTick(ctx)

	kinds := captured.kinds()
	if len(kinds) == 0 {
		t.Fatal("expected a backlog alert")
	}
	if kinds[0] != alerting.KindQueueBacklog {
		t.Errorf("expected queue_backlog, got %s", kinds[0])
	}

	// the same condition on the next pass is debounced away
	before := len(captured.kinds())
	m.sampleTick(ctx)
	if len(captured.kinds()) != before {
		t.Error("repeat crossing inside the cooldown must not notify")
	}
}

func TestOvershootSeveritySurvivesDebounce(t *testing.T) {
	captured := &capturedAlerts{}
	m, st := newTestManager(Config{
		Thresholds: Thresholds{QueueDepth: 1},
	}, captured)
	ctx := context.Background()
	now := time.Now()

	// depth 3 against threshold 1 grades critical
	seedEntry(t, st, "a", "org-1", now)
	seedEntry(t, st, "b", "org-1", now)
	seedEntry(t, st, "c", "org-1", now)

	m.sampleTick(ctx)

	captured.mu.Lock()
	defer captured.mu.Unlock()
	if len(captured.alerts) == 0 {
		t.Fatal("expected a backlog alert")
	}
	got := captured.alerts[0]
	if got.Severity != alerting.SeverityCritical {
		t.Errorf("overshoot grade lost in the debouncer: got %s", got.Severity)
	}
	if len(got.Channels) != 4 {
		t.Errorf("critical alert should carry all channels, got %v", got.Channels)
	}
}

func TestCleanupTickAppliesRetentionPerStatus(t *testing.T) {
	m, st := newTestManager(Config{
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
		CancelledRetention: 24 * time.Hour,
	}, &capturedAlerts{})
	ctx := context.Background()
	now := time.Now()

	seedEntry(t, st, "old-done", "org-1", now.Add(-time.Hour))
	seedEntry(t, st, "old-lost", "org-1", now.Add(-time.Hour))
	seedEntry(t, st, "new-done", "org-1", now.Add(-time.Hour))
	st.Dequeue(ctx, 10)

	twoDaysAgo := now.Add(-48 * time.Hour)
	st.UpdateStatus(ctx, "old-done", store.StatusCompleted, &twoDaysAgo)
	st.UpdateStatus(ctx, "old-lost", store.StatusFailed, &twoDaysAgo)
	recent := now.Add(-time.Minute)
	st.UpdateStatus(ctx, "new-done", store.StatusCompleted, &recent)

	m.cleanupTick(ctx)

	if _, err := st.FindByID(ctx, "old-done"); err != store.ErrNotFound {
		t.Error("completed entry past retention should be purged")
	}
	// failed entries keep a 7 day retention; two days old must survive
	if _, err := st.FindByID(ctx, "old-lost"); err != nil {
		t.Errorf("failed entry inside retention was purged: %v", err)
	}
	if _, err := st.FindByID(ctx, "new-done"); err != nil {
		t.Errorf("recent completed entry must survive cleanup: %v", err)
	}
}

func TestCleanupTickPurgesExpiredLinks(t *testing.T) {
	m, st := newTestManager(Config{}, &capturedAlerts{})
	ctx := context.Background()
	now := time.Now()

	st.CreateDownloadLink(ctx, &store.DownloadLink{
		ID: "l1", OrganisationID: "org-1", DeliveryID: "del-1",
		Token: "expired-token", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour),
	})
	st.CreateDownloadLink(ctx, &store.DownloadLink{
		ID: "l2", OrganisationID: "org-1", DeliveryID: "del-2",
		Token: "live-token", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	})

	m.cleanupTick(ctx)

	if _, err := st.GetDownloadLink(ctx, "expired-token"); err != store.ErrNotFound {
		t.Errorf("expired link should be purged, got %v", err)
	}
	if _, err := st.GetDownloadLink(ctx, "live-token"); err != nil {
		t.Errorf("unexpired link must survive cleanup: %v", err)
	}
}

func TestSweepTickReleasesStuckEntries(t *testing.T) {
	m, st := newTestManager(Config{StuckAfter: 5 * time.Minute}, &capturedAlerts{})
	ctx := context.Background()

	seedEntry(t, st, "stuck", "org-1", time.Now().Add(-time.Minute))
	st.Dequeue(ctx, 1)

	// nothing is stuck yet
	m.sweepTick(ctx)
	e, _ := st.FindByID(ctx, "stuck")
	if e.Status != store.StatusProcessing {
		t.Fatalf("fresh processing entry released early: %s", e.Status)
	}

	// advance the manager's clock past the stuck horizon
	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	m.sweepTick(ctx)
	e, _ = st.FindByID(ctx, "stuck")
	if e.Status != store.StatusPending {
		t.Errorf("expected stuck entry back to pending, got %s", e.Status)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m, _ := newTestManager(Config{
		SampleInterval:  10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	}, &capturedAlerts{})

	m.Start()
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if m.Latest() == nil {
		t.Error("expected at least one sample pass before stop")
	}
	// Stop is idempotent
	m.Stop()
}
