package timeline

import (
	"fmt"
	"testing"
	"time"
)

func TestGetEventsReturnsDeliveryHistoryInOrder(t *testing.T) {
	s := NewStore(16)
	now := time.Now()

	s.Record(DeliveryEvent{DeliveryID: "del-1", Stage: StageSubmitted, Timestamp: now, OrganisationID: "org-1"})
	s.Record(DeliveryEvent{DeliveryID: "del-2", Stage: StageSubmitted, Timestamp: now, OrganisationID: "org-2"})
	s.Record(DeliveryEvent{DeliveryID: "del-1", Stage: StageEnqueued, Timestamp: now, OrganisationID: "org-1"})
	s.Record(DeliveryEvent{DeliveryID: "del-1", Stage: StageDelivered, Timestamp: now, OrganisationID: "org-1"})

	got := s.GetEvents("del-1")
	want := []string{StageSubmitted, StageEnqueued, StageDelivered}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, stage := range want {
		if got[i].Stage != stage {
			t.Errorf("position %d: expected %s, got %s", i, stage, got[i].Stage)
		}
	}
}

func TestRingOverwritesOldestEvents(t *testing.T) {
	s := NewStore(4)
	for i := 0; i < 6; i++ {
		s.Record(DeliveryEvent{
			DeliveryID:     fmt.Sprintf("del-%d", i),
			Stage:          StageSubmitted,
			OrganisationID: "org-1",
		})
	}

	if got := s.GetEvents("del-0"); len(got) != 0 {
		t.Errorf("oldest event should have rolled off, found %d", len(got))
	}
	if got := s.GetEvents("del-5"); len(got) != 1 {
		t.Errorf("newest event missing, found %d", len(got))
	}

	all := s.GetByOrganisation("org-1", 0)
	if len(all) != 4 {
		t.Errorf("ring of 4 retained %d events", len(all))
	}
}

func TestGetByOrganisationNewestFirstWithLimit(t *testing.T) {
	s := NewStore(16)
	for i := 0; i < 5; i++ {
		s.Record(DeliveryEvent{
			DeliveryID:     fmt.Sprintf("del-%d", i),
			Stage:          StageSubmitted,
			OrganisationID: "org-1",
		})
	}
	s.Record(DeliveryEvent{DeliveryID: "other", Stage: StageSubmitted, OrganisationID: "org-2"})

	got := s.GetByOrganisation("org-1", 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].DeliveryID != "del-4" {
		t.Errorf("expected newest first, got %s", got[0].DeliveryID)
	}
	for _, e := range got {
		if e.OrganisationID != "org-1" {
			t.Errorf("foreign organisation event leaked: %+v", e)
		}
	}
}

func TestRecordFillsMissingTimestamp(t *testing.T) {
	s := NewStore(4)
	s.Record(DeliveryEvent{DeliveryID: "del-1", Stage: StageSubmitted, OrganisationID: "org-1"})
	got := s.GetEvents("del-1")
	if len(got) != 1 || got[0].Timestamp.IsZero() {
		t.Error("record should stamp events missing a timestamp")
	}
}
