package health

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/alerting"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

type recordingSink struct {
	alerts []*alerting.Alert
}

func (s *recordingSink) Offer(_ context.Context, alert *alerting.Alert) (bool, error) {
	cp := *alert
	s.alerts = append(s.alerts, &cp)
	return true, nil
}

func newTestTracker(cfg Config) (*Tracker, *store.MemoryStore) {
	st := store.NewMemoryStore()
	tr := NewTracker(cfg, st, log.New(io.Discard, "", 0))
	return tr, st
}

func failN(tr *Tracker, dest string, n int) {
	for i := 0; i < n; i++ {
		tr.RecordFailure(context.Background(), dest, "org-1", "boom")
	}
}

func succeedN(tr *Tracker, dest string, n int) {
	for i := 0; i < n; i++ {
		tr.RecordSuccess(context.Background(), dest, "org-1", 20*time.Millisecond)
	}
}

func TestCircuitOpensAtFailureThreshold(t *testing.T) {
	tr, _ := newTestTracker(Config{FailureThreshold: 5, VolumeThreshold: 10})
	ctx := context.Background()

	// build volume with successes, then fail up to the threshold
	succeedN(tr, "d1", 10)
	failN(tr, "d1", 4)

	h, _ := tr.Snapshot("d1")
	if h.CircuitState != store.CircuitClosed {
		t.Fatalf("circuit opened a failure early: %s", h.CircuitState)
	}

	tr.RecordFailure(ctx, "d1", "org-1", "boom")
	h, _ = tr.Snapshot("d1")
	if h.CircuitState != store.CircuitOpen {
		t.Fatalf("expected open after %d consecutive failures, got %s", 5, h.CircuitState)
	}
	if h.CircuitOpenedAt == nil {
		t.Error("open circuit missing opened_at")
	}
	if tr.Permit(ctx, "d1") {
		t.Error("open circuit must reject dispatch")
	}
}

func TestVolumeThresholdDelaysOpening(t *testing.T) {
	tr, _ := newTestTracker(Config{FailureThreshold: 5, VolumeThreshold: 10})

	// five straight failures on a cold destination: threshold met, volume not
	failN(tr, "d1", 5)
	h, _ := tr.Snapshot("d1")
	if h.CircuitState != store.CircuitClosed {
		t.Fatalf("circuit opened below the volume floor: %s", h.CircuitState)
	}

	// volume arrives while the failures continue
	failN(tr, "d1", 5)
	h, _ = tr.Snapshot("d1")
	if h.CircuitState != store.CircuitOpen {
		t.Fatalf("expected open once volume reached, got %s", h.CircuitState)
	}
}

func TestRecoveryWindowMovesOpenToHalfOpen(t *testing.T) {
	tr, _ := newTestTracker(Config{FailureThreshold: 5, VolumeThreshold: 10, RecoveryTimeout: 60 * time.Second})
	ctx := context.Background()

	succeedN(tr, "d1", 10)
	failN(tr, "d1", 5)
	if tr.Permit(ctx, "d1") {
		t.Fatal("circuit should be open")
	}

	// advance the clock past the recovery window
	tr.now = func() time.Time { return time.Now().Add(61 * time.Second) }

	if !tr.Permit(ctx, "d1") {
		t.Fatal("expired open circuit should admit a probe")
	}
	h, _ := tr.Snapshot("d1")
	if h.CircuitState != store.CircuitHalfOpen {
		t.Errorf("expected half_open after probe admission, got %s", h.CircuitState)
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	tr, _ := newTestTracker(Config{FailureThreshold: 5, SuccessThreshold: 3, VolumeThreshold: 10, RecoveryTimeout: time.Second})
	ctx := context.Background()

	succeedN(tr, "d1", 10)
	failN(tr, "d1", 5)
	tr.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	if !tr.Permit(ctx, "d1") {
		t.Fatal("probe not admitted")
	}

	succeedN(tr, "d1", 2)
	h, _ := tr.Snapshot("d1")
	if h.CircuitState != store.CircuitHalfOpen {
		t.Fatalf("circuit closed before success threshold: %s", h.CircuitState)
	}

	succeedN(tr, "d1", 1)
	h, _ = tr.Snapshot("d1")
	if h.CircuitState != store.CircuitClosed {
		t.Fatalf("expected closed after %d probe successes, got %s", 3, h.CircuitState)
	}
	if h.CircuitOpenedAt != nil {
		t.Error("closed circuit should clear opened_at")
	}
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	tr, _ := newTestTracker(Config{FailureThreshold: 5, SuccessThreshold: 3, VolumeThreshold: 10, RecoveryTimeout: time.Second})
	ctx := context.Background()

	succeedN(tr, "d1", 10)
	failN(tr, "d1", 5)
	tr.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	if !tr.Permit(ctx, "d1") {
		t.Fatal("probe not admitted")
	}

	tr.RecordFailure(ctx, "d1", "org-1", "probe failed")
	h, _ := tr.Snapshot("d1")
	if h.CircuitState != store.CircuitOpen {
		t.Fatalf("expected re-open on probe failure, got %s", h.CircuitState)
	}
}

func TestHealthClassificationLadder(t *testing.T) {
	tr, _ := newTestTracker(Config{FailureThreshold: 100, VolumeThreshold: 1000})

	cases := []struct {
		failures int
		want     store.HealthStatus
	}{
		{2, store.HealthHealthy},
		{3, store.HealthDegraded},
		{5, store.HealthUnhealthy},
		{10, store.HealthDisabled},
	}
	total := 0
	for _, tc := range cases {
		failN(tr, "d1", tc.failures-total)
		total = tc.failures
		h, _ := tr.Snapshot("d1")
		if h.Status != tc.want {
			t.Errorf("after %d consecutive failures: expected %s, got %s", tc.failures, tc.want, h.Status)
		}
	}

	if tr.Dispatchable("d1") {
		t.Error("disabled destinations must not be dispatchable")
	}

	// one success resets the streak and the classification
	succeedN(tr, "d1", 1)
	h, _ := tr.Snapshot("d1")
	if h.Status != store.HealthHealthy {
		t.Errorf("expected healthy after success, got %s", h.Status)
	}
	if !tr.Dispatchable("d1") {
		t.Error("healthy destination should be dispatchable")
	}
}

func TestFailureLadderRaisesAlerts(t *testing.T) {
	tr, _ := newTestTracker(Config{FailureThreshold: 100, VolumeThreshold: 1000})
	sink := &recordingSink{}
	tr.SetAlertSink(sink)

	failN(tr, "d1", 2)
	if len(sink.alerts) != 0 {
		t.Fatalf("no alert expected below the degraded step, got %d", len(sink.alerts))
	}

	// each worsening classification raises exactly one alert
	steps := []struct {
		failures  int
		severity  alerting.Severity
		threshold float64
	}{
		{3, alerting.SeverityMedium, 3},
		{5, alerting.SeverityHigh, 5},
		{10, alerting.SeverityCritical, 10},
	}
	total := 2
	for _, step := range steps {
		failN(tr, "d1", step.failures-total)
		total = step.failures
		if len(sink.alerts) == 0 {
			t.Fatalf("expected an alert at %d consecutive failures", step.failures)
		}
		got := sink.alerts[len(sink.alerts)-1]
		if got.Kind != alerting.KindConsecutiveFailures {
			t.Errorf("at %d failures: expected kind %s, got %s", step.failures, alerting.KindConsecutiveFailures, got.Kind)
		}
		if got.Severity != step.severity {
			t.Errorf("at %d failures: expected severity %s, got %s", step.failures, step.severity, got.Severity)
		}
		if got.Threshold != step.threshold {
			t.Errorf("at %d failures: expected threshold %.0f, got %.0f", step.failures, step.threshold, got.Threshold)
		}
		if got.Value != float64(step.failures) {
			t.Errorf("at %d failures: expected value %d, got %.0f", step.failures, step.failures, got.Value)
		}
		if got.DestinationID != "d1" || got.OrganisationID != "org-1" {
			t.Errorf("alert scope lost: %+v", got)
		}
	}
	if len(sink.alerts) != 3 {
		t.Fatalf("expected one alert per worsening step, got %d", len(sink.alerts))
	}

	// steady state past the top step stays quiet
	failN(tr, "d1", 2)
	if len(sink.alerts) != 3 {
		t.Errorf("failures past the disabled step must not re-alert, got %d", len(sink.alerts))
	}

	// recovery re-arms the ladder
	succeedN(tr, "d1", 1)
	failN(tr, "d1", 3)
	if len(sink.alerts) != 4 {
		t.Errorf("expected a fresh alert after recovery, got %d", len(sink.alerts))
	}
}

func TestSuccessesRaiseNoAlerts(t *testing.T) {
	tr, _ := newTestTracker(Config{})
	sink := &recordingSink{}
	tr.SetAlertSink(sink)

	succeedN(tr, "d1", 20)
	if len(sink.alerts) != 0 {
		t.Errorf("healthy traffic must not alert, got %d", len(sink.alerts))
	}
}

func TestForceOpenAndForceClose(t *testing.T) {
	tr, _ := newTestTracker(Config{})
	ctx := context.Background()

	tr.ForceOpen(ctx, "d1", "maintenance")
	if tr.Permit(ctx, "d1") {
		t.Error("forced-open circuit must reject dispatch")
	}

	tr.ForceClose(ctx, "d1")
	if !tr.Permit(ctx, "d1") {
		t.Error("forced-close circuit must admit dispatch")
	}
	h, _ := tr.Snapshot("d1")
	if h.ConsecutiveFailures != 0 {
		t.Errorf("force close should reset the failure streak, got %d", h.ConsecutiveFailures)
	}
}

func TestResponseTimeMovingAverage(t *testing.T) {
	tr, _ := newTestTracker(Config{})
	ctx := context.Background()

	tr.RecordSuccess(ctx, "d1", "org-1", 100*time.Millisecond)
	tr.RecordSuccess(ctx, "d1", "org-1", 300*time.Millisecond)

	h, _ := tr.Snapshot("d1")
	if h.AvgResponseMillis != 200 {
		t.Errorf("expected average 200ms, got %.1f", h.AvgResponseMillis)
	}
}

func TestStatePersistsThroughStoreAndLoad(t *testing.T) {
	tr, st := newTestTracker(Config{FailureThreshold: 5, VolumeThreshold: 10})
	ctx := context.Background()

	succeedN(tr, "d1", 10)
	failN(tr, "d1", 5)

	// a new tracker over the same store sees the open circuit
	restarted := NewTracker(Config{FailureThreshold: 5, VolumeThreshold: 10, RecoveryTimeout: time.Hour}, st, log.New(io.Discard, "", 0))
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restarted.Permit(ctx, "d1") {
		t.Error("open circuit must survive a restart")
	}
	h, err := restarted.Snapshot("d1")
	if err != nil {
		t.Fatalf("snapshot after load: %v", err)
	}
	if h.TotalDeliveries != 15 || h.TotalFailures != 5 {
		t.Errorf("counters lost across restart: %+v", h)
	}
}

func TestUnknownDestinationDefaultsPermitted(t *testing.T) {
	tr, _ := newTestTracker(Config{})
	if !tr.Permit(context.Background(), "never-seen") {
		t.Error("unseen destinations start closed and permitted")
	}
	if !tr.Dispatchable("never-seen") {
		t.Error("unseen destinations should be dispatchable")
	}
	if _, err := tr.Snapshot("other"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound for untracked destination, got %v", err)
	}
}
