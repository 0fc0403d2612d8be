package timeline

import (
	"sync"
	"time"
)

// DeliveryEvent is one step in a delivery's lifecycle, kept for the
// dashboard timeline view and the websocket stream.
type DeliveryEvent struct {
	DeliveryID     string            `json:"delivery_id"`
	QueueEntryID   string            `json:"queue_entry_id,omitempty"`
	Stage          string            `json:"stage"` // SUBMITTED, ENQUEUED, DISPATCHED, RETRY_SCHEDULED, DELIVERED, FAILED, CANCELLED
	Timestamp      time.Time         `json:"timestamp"`
	DestinationID  string            `json:"destination_id,omitempty"`
	OrganisationID string            `json:"organisation_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Lifecycle stages recorded on the timeline.
const (
	StageSubmitted      = "SUBMITTED"
	StageEnqueued       = "ENQUEUED"
	StageDispatched     = "DISPATCHED"
	StageRetryScheduled = "RETRY_SCHEDULED"
	StageDelivered      = "DELIVERED"
	StageFailed         = "FAILED"
	StageCancelled      = "CANCELLED"
)

// Store is a bounded in-memory ring of recent delivery events. Old events
// roll off; the durable record lives in the delivery logs table.
type Store struct {
	mu     sync.RWMutex
	events []DeliveryEvent
	next   int
	full   bool
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Store{events: make([]DeliveryEvent, capacity)}
}

// Record appends an event, overwriting the oldest once the ring is full.
func (s *Store) Record(e DeliveryEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[s.next] = e
	s.next++
	if s.next == len(s.events) {
		s.next = 0
		s.full = true
	}
}

// GetEvents returns the retained events for one delivery, oldest first.
func (s *Store) GetEvents(deliveryID string) []DeliveryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []DeliveryEvent
	for _, e := range s.ordered() {
		if e.DeliveryID == deliveryID {
			results = append(results, e)
		}
	}
	return results
}

// GetByOrganisation returns up to limit most recent events for an
// organisation, newest first.
func (s *Store) GetByOrganisation(organisationID string, limit int) []DeliveryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.ordered()
	var results []DeliveryEvent
	for i := len(ordered) - 1; i >= 0 && (limit <= 0 || len(results) < limit); i-- {
		if ordered[i].OrganisationID == organisationID {
			results = append(results, ordered[i])
		}
	}
	return results
}

// ordered returns retained events oldest first. Caller holds s.mu.
func (s *Store) ordered() []DeliveryEvent {
	if !s.full {
		out := make([]DeliveryEvent, s.next)
		copy(out, s.events[:s.next])
		return out
	}
	out := make([]DeliveryEvent, 0, len(s.events))
	out = append(out, s.events[s.next:]...)
	out = append(out, s.events[:s.next]...)
	return out
}
