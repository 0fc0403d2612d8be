package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newEntry(id, org, dest, key string, priority int, scheduledAt time.Time) *QueueEntry {
	return &QueueEntry{
		ID:             id,
		OrganisationID: org,
		DestinationID:  dest,
		Priority:       priority,
		ScheduledAt:    scheduledAt,
		Status:         StatusPending,
		MaxRetries:     5,
		Payload: Payload{
			DeliveryID: "delivery-" + id,
			Type:       "order.created",
			Data:       json.RawMessage(`{"n":1}`),
		},
		IdempotencyKey: key,
	}
}

func TestEnqueueRejectsDuplicateIdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.Enqueue(ctx, newEntry("e1", "org-1", "dest-1", "key-1", 5, now)); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	err := s.Enqueue(ctx, newEntry("e2", "org-1", "dest-1", "key-1", 5, now))
	if err != ErrDuplicateEnqueue {
		t.Errorf("expected ErrDuplicateEnqueue, got %v", err)
	}

	// same key on a different destination is a different reservation
	if err := s.Enqueue(ctx, newEntry("e3", "org-1", "dest-2", "key-1", 5, now)); err != nil {
		t.Errorf("enqueue on other destination failed: %v", err)
	}
}

func TestFindByIdempotencyKeyAcrossStatuses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.Enqueue(ctx, newEntry("e1", "org-1", "dest-1", "key-1", 5, now)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	e, err := s.FindByIdempotencyKey(ctx, "dest-1", "key-1")
	if err != nil {
		t.Fatalf("lookup while pending: %v", err)
	}
	if e.ID != "e1" {
		t.Errorf("wrong entry: %s", e.ID)
	}

	// the key stays resolvable after the entry settles
	s.Dequeue(ctx, 1)
	s.UpdateStatus(ctx, "e1", StatusCompleted, &now)
	e, err = s.FindByIdempotencyKey(ctx, "dest-1", "key-1")
	if err != nil {
		t.Fatalf("lookup after completion: %v", err)
	}
	if e.Payload.DeliveryID != "delivery-e1" {
		t.Errorf("wrong delivery surfaced: %s", e.Payload.DeliveryID)
	}

	if _, err := s.FindByIdempotencyKey(ctx, "dest-2", "key-1"); err != ErrNotFound {
		t.Errorf("other destination should miss, got %v", err)
	}
	if _, err := s.FindByIdempotencyKey(ctx, "dest-1", "ghost"); err != ErrNotFound {
		t.Errorf("unknown key should miss, got %v", err)
	}
}

func TestDequeueOrdersByPriorityThenScheduledAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	s.Enqueue(ctx, newEntry("low-late", "org-1", "d", "k1", 2, base.Add(10*time.Second)))
	s.Enqueue(ctx, newEntry("high", "org-1", "d", "k2", 9, base.Add(20*time.Second)))
	s.Enqueue(ctx, newEntry("low-early", "org-1", "d", "k3", 2, base))

	got, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	want := []string{"high", "low-early", "low-late"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
		if got[i].Status != StatusProcessing {
			t.Errorf("entry %s not flipped to processing: %s", id, got[i].Status)
		}
	}

	// already claimed; a second dequeue sees nothing
	again, _ := s.Dequeue(ctx, 10)
	if len(again) != 0 {
		t.Errorf("expected empty second dequeue, got %d entries", len(again))
	}
}

func TestDequeueSkipsFutureAndBackoffEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, newEntry("future", "org-1", "d", "k1", 5, now.Add(time.Hour)))

	backoff := newEntry("backing-off", "org-1", "d", "k2", 5, now.Add(-time.Minute))
	retryAt := now.Add(time.Hour)
	backoff.NextRetryAt = &retryAt
	s.Enqueue(ctx, backoff)

	s.Enqueue(ctx, newEntry("due", "org-1", "d", "k3", 5, now.Add(-time.Minute)))

	got, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		t.Fatalf("expected only the due entry, got %d entries", len(got))
	}
}

func TestScheduleRetryReturnsEntryToPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, newEntry("e1", "org-1", "d", "k1", 5, now.Add(-time.Minute)))
	if _, err := s.Dequeue(ctx, 1); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	next := now.Add(2 * time.Second)
	if err := s.ScheduleRetry(ctx, "e1", next, 1); err != nil {
		t.Fatalf("schedule retry failed: %v", err)
	}

	e, err := s.FindByID(ctx, "e1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if e.Status != StatusPending {
		t.Errorf("expected pending after retry schedule, got %s", e.Status)
	}
	if e.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", e.RetryCount)
	}
	if e.NextRetryAt == nil || !e.NextRetryAt.Equal(next) {
		t.Errorf("next retry at not recorded: %v", e.NextRetryAt)
	}
}

func TestCancelByDeliveryIDOnlyTouchesPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	a := newEntry("a", "org-1", "d1", "k1", 5, now.Add(-time.Minute))
	b := newEntry("b", "org-1", "d2", "k2", 5, now.Add(-time.Minute))
	a.Payload.DeliveryID = "del-1"
	b.Payload.DeliveryID = "del-1"
	s.Enqueue(ctx, a)
	s.Enqueue(ctx, b)

	// claim one so it is processing when the cancel lands
	claimed, _ := s.Dequeue(ctx, 1)
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed entry")
	}

	n, err := s.CancelByDeliveryID(ctx, "del-1")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 cancelled entry, got %d", n)
	}

	still, _ := s.FindByID(ctx, claimed[0].ID)
	if still.Status != StatusProcessing {
		t.Errorf("processing entry must run to completion, got %s", still.Status)
	}
}

func TestReleaseStuckResetsOldProcessingEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, newEntry("stuck", "org-1", "d", "k1", 5, now.Add(-time.Minute)))
	if _, err := s.Dequeue(ctx, 1); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	// cutoff in the past releases nothing
	n, err := s.ReleaseStuck(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no releases before cutoff, got %d", n)
	}

	// cutoff in the future captures the entry
	n, err = s.ReleaseStuck(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 release, got %d", n)
	}

	e, _ := s.FindByID(ctx, "stuck")
	if e.Status != StatusPending {
		t.Errorf("expected pending after release, got %s", e.Status)
	}
	if e.NextRetryAt != nil {
		t.Errorf("release must clear the backoff, got %v", e.NextRetryAt)
	}
}

func TestDeleteByStatusAndAgeFreesIdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, newEntry("e1", "org-1", "d", "k1", 5, now.Add(-time.Minute)))
	s.Dequeue(ctx, 1)
	old := now.Add(-48 * time.Hour)
	s.UpdateStatus(ctx, "e1", StatusCompleted, &old)

	n, err := s.DeleteByStatusAndAge(ctx, StatusCompleted, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := s.FindByID(ctx, "e1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// the key must be reusable once the entry is purged
	if err := s.Enqueue(ctx, newEntry("e2", "org-1", "d", "k1", 5, now)); err != nil {
		t.Errorf("re-enqueue after purge failed: %v", err)
	}
}

func TestGetQueueStatsCountsPendingByOrganisation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.Enqueue(ctx, newEntry("a", "org-1", "d1", "k1", 5, now.Add(-2*time.Minute)))
	s.Enqueue(ctx, newEntry("b", "org-1", "d2", "k2", 5, now.Add(-time.Minute)))
	s.Enqueue(ctx, newEntry("c", "org-2", "d3", "k3", 5, now))

	stats, err := s.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Depth != 3 {
		t.Errorf("expected depth 3, got %d", stats.Depth)
	}
	if stats.ByOrganisation["org-1"] != 2 || stats.ByOrganisation["org-2"] != 1 {
		t.Errorf("per-organisation counts wrong: %v", stats.ByOrganisation)
	}
	if stats.OldestPending == nil {
		t.Fatal("expected oldest pending timestamp")
	}
}

func TestDestinationUpdateKeepsImmutableFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	dest := &Destination{
		ID:             "d1",
		OrganisationID: "org-1",
		Kind:           KindWebhook,
		Label:          "primary",
		Config:         json.RawMessage(`{"url":"https://example.com"}`),
	}
	if err := s.CreateDestination(ctx, dest); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	s.IncrementUsage(ctx, "d1")

	updated := *dest
	updated.Label = "renamed"
	updated.UsageCount = 999
	if err := s.UpdateDestination(ctx, &updated); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, _ := s.GetDestination(ctx, "org-1", "d1")
	if got.Label != "renamed" {
		t.Errorf("label not updated: %s", got.Label)
	}
	if got.UsageCount != 1 {
		t.Errorf("usage count must be store-owned, got %d", got.UsageCount)
	}

	// cross-organisation reads miss
	if _, err := s.GetDestination(ctx, "org-2", "d1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound across organisations, got %v", err)
	}
}

func TestUpsertDeliveryLogOverwritesExistingRow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	l := &DeliveryLog{
		ID:             "l1",
		DeliveryID:     "del-1",
		OrganisationID: "org-1",
		DestinationID:  "d1",
		Status:         "retrying",
		Attempts:       1,
		FailureReason:  "timeout",
	}
	s.UpsertDeliveryLog(ctx, l)

	now := time.Now()
	l.Status = "delivered"
	l.Attempts = 2
	l.FailureReason = ""
	l.DeliveredAt = &now
	s.UpsertDeliveryLog(ctx, l)

	logs, err := s.ListDeliveryLogs(ctx, "del-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected a single upserted row, got %d", len(logs))
	}
	if logs[0].Status != "delivered" || logs[0].Attempts != 2 {
		t.Errorf("row not overwritten: %+v", logs[0])
	}
}

func TestMaintenanceWindowActiveAndCovers(t *testing.T) {
	now := time.Now()
	w := &MaintenanceWindow{
		ID:             "w1",
		OrganisationID: "org-1",
		DestinationID:  "d1",
		StartsAt:       now.Add(-time.Hour),
		EndsAt:         now.Add(time.Hour),
		Kinds:          []string{"failure_rate"},
	}

	if !w.Active(now) {
		t.Error("window should be active now")
	}
	if w.Active(now.Add(2 * time.Hour)) {
		t.Error("window should not be active after ends_at")
	}
	if !w.Covers("failure_rate", "d1") {
		t.Error("window should cover its own kind and destination")
	}
	if w.Covers("failure_rate", "d2") {
		t.Error("destination-scoped window must not cover other destinations")
	}
	if w.Covers("queue_backlog", "d1") {
		t.Error("window must not cover unlisted kinds")
	}

	w.DestinationID = ""
	if !w.Covers("failure_rate", "anything") {
		t.Error("unscoped window should cover every destination")
	}
}
