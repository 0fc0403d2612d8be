package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/handlers"
	"github.com/itskum47/DispatchForge/delivery_engine/health"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

// stubHandler scripts per-delivery outcomes so tests control the dispatch
// result without any transport.
type stubHandler struct {
	mu       sync.Mutex
	fail     error
	attempts int
}

func (h *stubHandler) Kind() store.DestinationKind { return store.KindWebhook }

func (h *stubHandler) Deliver(ctx context.Context, payload *store.Payload, dest *store.Destination) (*handlers.Result, error) {
	h.mu.Lock()
	h.attempts++
	fail := h.fail
	h.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return &handlers.Result{
		Success:              true,
		DeliveredAt:          time.Now(),
		ResponseTime:         10 * time.Millisecond,
		CrossSystemReference: "ref-123",
	}, nil
}

func (h *stubHandler) ValidateConfig(config []byte) *handlers.ValidationResult {
	return &handlers.ValidationResult{Valid: true}
}

func (h *stubHandler) TestConnection(ctx context.Context, config []byte) *handlers.ConnectionResult {
	return &handlers.ConnectionResult{Success: true}
}

func (h *stubHandler) attemptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

type fixture struct {
	store   *store.MemoryStore
	handler *stubHandler
	tracker *health.Tracker
	sched   *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	st := store.NewMemoryStore()
	tracker := health.NewTracker(health.DefaultConfig(), st, logger)
	handler := &stubHandler{}
	registry := handlers.NewRegistry()
	registry.Register(handler)

	policy := NewRetryPolicy(time.Second, 2, 5*time.Minute, 0)
	return &fixture{
		store:   st,
		handler: handler,
		tracker: tracker,
		sched:   New(cfg, st, registry, tracker, policy, nil, logger),
	}
}

func (f *fixture) addDestination(t *testing.T, id string) {
	t.Helper()
	err := f.store.CreateDestination(context.Background(), &store.Destination{
		ID:             id,
		OrganisationID: "org-1",
		Kind:           store.KindWebhook,
		Label:          "test",
		Config:         json.RawMessage(`{"url":"https://example.com/hook"}`),
	})
	if err != nil {
		t.Fatalf("create destination: %v", err)
	}
}

func (f *fixture) enqueue(t *testing.T, id, destID string, retryCount, maxRetries int) {
	t.Helper()
	now := time.Now()
	err := f.store.Enqueue(context.Background(), &store.QueueEntry{
		ID:             id,
		OrganisationID: "org-1",
		DestinationID:  destID,
		Priority:       5,
		ScheduledAt:    now.Add(-time.Second),
		Status:         store.StatusPending,
		RetryCount:     retryCount,
		MaxRetries:     maxRetries,
		Payload: store.Payload{
			DeliveryID: "delivery-" + id,
			Type:       "order.created",
			Data:       json.RawMessage(`{"n":1}`),
		},
		IdempotencyKey: "key-" + id,
		CreatedAt:      now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (f *fixture) waitForStatus(t *testing.T, entryID string, want store.EntryStatus) *store.QueueEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e, err := f.store.FindByID(context.Background(), entryID)
		if err != nil {
			t.Fatalf("find entry: %v", err)
		}
		if e.Status == want {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	e, _ := f.store.FindByID(context.Background(), entryID)
	t.Fatalf("entry %s never reached %s, stuck at %s", entryID, want, e.Status)
	return nil
}

func TestProcessOnceDeliversPendingEntry(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4})
	f.addDestination(t, "dest-1")
	f.enqueue(t, "e1", "dest-1", 0, 5)

	n, err := f.sched.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dispatched, got %d", n)
	}

	e := f.waitForStatus(t, "e1", store.StatusCompleted)
	if e.ProcessedAt == nil {
		t.Error("completed entry missing processed_at")
	}
	if e.Metadata["cross_system_reference"] != "ref-123" {
		t.Errorf("cross system reference not recorded: %v", e.Metadata)
	}

	logs, _ := f.store.ListDeliveryLogs(context.Background(), "delivery-e1")
	if len(logs) != 1 || logs[0].Status != "delivered" {
		t.Fatalf("expected one delivered log, got %+v", logs)
	}

	h, err := f.tracker.Snapshot("dest-1")
	if err != nil {
		t.Fatalf("health snapshot: %v", err)
	}
	if h.TotalDeliveries != 1 || h.TotalFailures != 0 {
		t.Errorf("health counters wrong: %+v", h)
	}
}

func TestTransientFailureSchedulesRetryWithBackoff(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4})
	f.handler.fail = handlers.NewDeliveryError(handlers.ErrTransient, 503, errors.New("upstream busy"))
	f.addDestination(t, "dest-1")
	f.enqueue(t, "e1", "dest-1", 0, 5)

	if _, err := f.sched.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}

	e := f.waitForStatus(t, "e1", store.StatusPending)
	if e.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", e.RetryCount)
	}
	if e.NextRetryAt == nil {
		t.Fatal("expected a backoff timestamp")
	}
	until := time.Until(*e.NextRetryAt)
	if until < 500*time.Millisecond || until > 1500*time.Millisecond {
		t.Errorf("first backoff should be about 1s, got %s", until)
	}
	if e.Metadata["last_error"] == "" {
		t.Error("last error not recorded in metadata")
	}

	logs, _ := f.store.ListDeliveryLogs(context.Background(), "delivery-e1")
	if len(logs) != 1 || logs[0].Status != "retrying" {
		t.Fatalf("expected a retrying log, got %+v", logs)
	}
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4})
	f.handler.fail = handlers.NewDeliveryError(handlers.ErrInvalidPayload, 422, errors.New("schema rejected"))
	f.addDestination(t, "dest-1")
	f.enqueue(t, "e1", "dest-1", 0, 5)

	if _, err := f.sched.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}

	e := f.waitForStatus(t, "e1", store.StatusFailed)
	if e.RetryCount != 0 {
		t.Errorf("no retry should have been scheduled, retry count %d", e.RetryCount)
	}
	if f.handler.attemptCount() != 1 {
		t.Errorf("expected exactly one attempt, got %d", f.handler.attemptCount())
	}
}

func TestRetryBudgetExhaustionFailsEntry(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4})
	f.handler.fail = handlers.NewDeliveryError(handlers.ErrTransient, 503, errors.New("still busy"))
	f.addDestination(t, "dest-1")
	// entry arrives with its budget already spent
	f.enqueue(t, "e1", "dest-1", 3, 3)

	if _, err := f.sched.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}

	f.waitForStatus(t, "e1", store.StatusFailed)
	logs, _ := f.store.ListDeliveryLogs(context.Background(), "delivery-e1")
	if len(logs) != 1 || logs[0].Status != "failed" {
		t.Fatalf("expected a failed log, got %+v", logs)
	}
}

func TestZeroRetryBudgetMeansSingleAttempt(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxRetries: 5})
	f.handler.fail = handlers.NewDeliveryError(handlers.ErrTransient, 503, errors.New("upstream busy"))
	f.addDestination(t, "dest-1")
	f.enqueue(t, "e1", "dest-1", 0, 0)

	if _, err := f.sched.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}

	// zero budget: the transient failure fails the entry without a retry
	e := f.waitForStatus(t, "e1", store.StatusFailed)
	if e.NextRetryAt != nil {
		t.Error("no retry should be scheduled for a zero budget")
	}
	if f.handler.attemptCount() != 1 {
		t.Errorf("expected exactly one attempt, got %d", f.handler.attemptCount())
	}
}

func TestOpenCircuitSkipsHandlerAndDefersRetry(t *testing.T) {
	delay := 90 * time.Second
	f := newFixture(t, Config{MaxConcurrent: 4, CircuitRetryDelay: delay})
	f.addDestination(t, "dest-1")
	f.tracker.ForceOpen(context.Background(), "dest-1", "operator drill")
	f.enqueue(t, "e1", "dest-1", 0, 5)

	if _, err := f.sched.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}

	e := f.waitForStatus(t, "e1", store.StatusPending)
	if f.handler.attemptCount() != 0 {
		t.Errorf("handler must not run while the circuit is open, ran %d times", f.handler.attemptCount())
	}
	if e.NextRetryAt == nil {
		t.Fatal("expected a deferred retry")
	}
	until := time.Until(*e.NextRetryAt)
	if until < delay-5*time.Second || until > delay+5*time.Second {
		t.Errorf("circuit-open retry should wait out the recovery window, got %s", until)
	}

	// the rejection is a gate decision, not destination feedback
	h, _ := f.tracker.Snapshot("dest-1")
	if h.TotalFailures != 0 {
		t.Errorf("circuit rejection must not count as a destination failure: %+v", h)
	}
}

func TestMissingDestinationFailsEntry(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4})
	f.enqueue(t, "e1", "ghost", 0, 5)

	if _, err := f.sched.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	f.waitForStatus(t, "e1", store.StatusFailed)
}

func TestPauseStopsDequeueUntilResume(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4})
	f.addDestination(t, "dest-1")
	f.enqueue(t, "e1", "dest-1", 0, 5)

	f.sched.Pause()
	n, err := f.sched.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if n != 0 {
		t.Errorf("paused scheduler dispatched %d entries", n)
	}
	e, _ := f.store.FindByID(context.Background(), "e1")
	if e.Status != store.StatusPending {
		t.Errorf("entry should stay pending while paused, got %s", e.Status)
	}

	f.sched.Resume()
	if n, _ = f.sched.ProcessOnce(context.Background()); n != 1 {
		t.Errorf("expected dispatch after resume, got %d", n)
	}
	f.waitForStatus(t, "e1", store.StatusCompleted)
}

func TestConcurrencyCapBoundsDequeueBatch(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2})
	f.addDestination(t, "dest-1")
	for i := 0; i < 5; i++ {
		f.enqueue(t, string(rune('a'+i)), "dest-1", 0, 5)
	}

	n, err := f.sched.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if n > 2 {
		t.Errorf("dispatched %d entries past the concurrency cap", n)
	}
}

func TestStopDrainsInFlightWork(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, ProcessingInterval: 10 * time.Millisecond})
	f.addDestination(t, "dest-1")
	f.enqueue(t, "e1", "dest-1", 0, 5)

	f.sched.Start()
	f.waitForStatus(t, "e1", store.StatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.sched.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// stopped scheduler ignores new work
	f.enqueue(t, "e2", "dest-1", 0, 5)
	time.Sleep(50 * time.Millisecond)
	e, _ := f.store.FindByID(context.Background(), "e2")
	if e.Status != store.StatusPending {
		t.Errorf("stopped scheduler picked up entry: %s", e.Status)
	}
}
