package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/DispatchForge/delivery_engine/health"
	"github.com/itskum47/DispatchForge/delivery_engine/observability"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
	"github.com/itskum47/DispatchForge/delivery_engine/timeline"
)

// Request validation failures surfaced synchronously to the caller.
var (
	ErrInvalidRequest = errors.New("invalid delivery request")
	ErrNoDestinations = errors.New("no dispatchable destinations")
)

// DestinationsDefault selects every enabled, healthy-or-degraded
// destination of the organisation.
const DestinationsDefault = "default"

// DeliveryRequest is the coordinator's public input.
type DeliveryRequest struct {
	OrganisationID string          `json:"organisation_id"`
	Destinations   []string        `json:"destinations"` // ids, or the single element "default"
	Payload        DeliveryPayload `json:"payload"`
	Options        DeliveryOptions `json:"options"`
}

type DeliveryPayload struct {
	Type     string            `json:"type"`
	Data     json.RawMessage   `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type DeliveryOptions struct {
	Priority       *int     `json:"priority,omitempty"`    // default 5
	MaxRetries     *int     `json:"max_retries,omitempty"` // default 5; 0 means a single attempt
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	CorrelationID  string   `json:"correlation_id,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// DeliveryResponse is the aggregate accept result.
type DeliveryResponse struct {
	DeliveryID   string                  `json:"delivery_id"`
	Status       string                  `json:"status"` // queued, failed, completed
	Destinations []DestinationDispatched `json:"destinations"`
}

type DestinationDispatched struct {
	DestinationID string `json:"destination_id"`
	Status        string `json:"status"` // pending, duplicate, skipped
}

// Coordinator turns delivery requests into per-destination queue entries.
// It owns request validation and destination resolution; everything after
// enqueue belongs to the scheduler.
type Coordinator struct {
	store           store.Store
	tracker         *health.Tracker
	events          *timeline.Store
	reserver        store.IdempotencyReserver
	logger          *log.Logger
	maxPayloadBytes int64
	maxDestinations int
	now             func() time.Time
}

// reservationTTL bounds how long a fast-path idempotency claim outlives its
// delivery. Matches the completed-entry retention floor.
const reservationTTL = 24 * time.Hour

func NewCoordinator(st store.Store, tracker *health.Tracker, events *timeline.Store, logger *log.Logger, maxPayloadBytes int64, maxDestinations int) *Coordinator {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 10 << 20
	}
	if maxDestinations <= 0 {
		maxDestinations = 10
	}
	return &Coordinator{
		store:           st,
		tracker:         tracker,
		events:          events,
		logger:          logger,
		maxPayloadBytes: maxPayloadBytes,
		maxDestinations: maxDestinations,
		now:             time.Now,
	}
}

// SetIdempotencyReserver installs the optional fast-path reservation store.
// Without one, every duplicate check goes through the durable store's
// unique-key enforcement.
func (c *Coordinator) SetIdempotencyReserver(r store.IdempotencyReserver) {
	c.reserver = r
}

// Submit validates, resolves and enqueues a delivery request.
func (c *Coordinator) Submit(ctx context.Context, req *DeliveryRequest) (*DeliveryResponse, error) {
	priority, maxRetries, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	resolved, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: organisation %s", ErrNoDestinations, req.OrganisationID)
	}

	deliveryID := uuid.NewString()
	now := c.now()
	c.events.Record(timeline.DeliveryEvent{
		DeliveryID:     deliveryID,
		Stage:          timeline.StageSubmitted,
		Timestamp:      now,
		OrganisationID: req.OrganisationID,
	})
	observability.PayloadBytes.Observe(float64(len(req.Payload.Data)))

	resp := &DeliveryResponse{DeliveryID: deliveryID}
	for _, dest := range resolved {
		if !c.tracker.Dispatchable(dest.ID) {
			c.logger.Printf(`{"decision":"destination_skipped","delivery_id":%q,"destination":%q,"reason":"health_disabled"}`,
				deliveryID, dest.ID)
			resp.Destinations = append(resp.Destinations, DestinationDispatched{DestinationID: dest.ID, Status: "skipped"})
			continue
		}

		key := req.Options.IdempotencyKey
		if key == "" {
			key = fmt.Sprintf("%s_%s", deliveryID, dest.ID)
		}

		// fast-path duplicate check before touching the durable store;
		// reservation errors degrade to the unique-key enforcement below
		reserved := false
		if c.reserver != nil {
			owner, ok, err := c.reserver.ReserveIdempotencyKey(ctx, dest.ID, key, deliveryID, reservationTTL)
			if err != nil {
				c.logger.Printf(`{"decision":"reservation_degraded","destination":%q,"error":%q}`, dest.ID, err.Error())
			} else if !ok && owner != "" && owner != deliveryID {
				observability.IdempotencyDuplicates.Inc()
				resp.DeliveryID = owner
				resp.Destinations = append(resp.Destinations, DestinationDispatched{DestinationID: dest.ID, Status: "duplicate"})
				continue
			} else if ok {
				reserved = true
			}
		}

		entry := &store.QueueEntry{
			ID:             uuid.NewString(),
			OrganisationID: req.OrganisationID,
			DestinationID:  dest.ID,
			Priority:       priority,
			ScheduledAt:    now,
			Status:         store.StatusPending,
			MaxRetries:     maxRetries,
			Payload: store.Payload{
				DeliveryID: deliveryID,
				Type:       req.Payload.Type,
				Data:       req.Payload.Data,
				Metadata:   req.Payload.Metadata,
			},
			CorrelationID:  req.Options.CorrelationID,
			IdempotencyKey: key,
			Metadata:       tagMetadata(req.Options.Tags),
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		err := c.store.Enqueue(ctx, entry)
		if errors.Is(err, store.ErrDuplicateEnqueue) {
			// first enqueue wins; surface the existing delivery, not an error
			observability.IdempotencyDuplicates.Inc()
			if existing := c.existingDelivery(ctx, dest.ID, key); existing != "" {
				resp.DeliveryID = existing
			}
			resp.Destinations = append(resp.Destinations, DestinationDispatched{DestinationID: dest.ID, Status: "duplicate"})
			continue
		}
		if err != nil {
			if reserved {
				if relErr := c.reserver.ReleaseIdempotencyKey(ctx, dest.ID, key); relErr != nil {
					c.logger.Printf(`{"decision":"reservation_release_failed","destination":%q,"error":%q}`, dest.ID, relErr.Error())
				}
			}
			return nil, fmt.Errorf("enqueue for destination %s: %w", dest.ID, err)
		}

		if err := c.store.IncrementUsage(ctx, dest.ID); err != nil {
			c.logger.Printf(`{"decision":"usage_increment_failed","destination":%q,"error":%q}`, dest.ID, err.Error())
		}

		c.events.Record(timeline.DeliveryEvent{
			DeliveryID:     deliveryID,
			QueueEntryID:   entry.ID,
			Stage:          timeline.StageEnqueued,
			Timestamp:      now,
			DestinationID:  dest.ID,
			OrganisationID: req.OrganisationID,
		})
		resp.Destinations = append(resp.Destinations, DestinationDispatched{DestinationID: dest.ID, Status: "pending"})
	}

	resp.Status = aggregateStatus(resp.Destinations)
	c.logger.Printf(`{"decision":"delivery_submitted","delivery_id":%q,"organisation":%q,"destinations":%d,"status":%q}`,
		resp.DeliveryID, req.OrganisationID, len(resp.Destinations), resp.Status)
	return resp, nil
}

func (c *Coordinator) validate(req *DeliveryRequest) (int, int, error) {
	if req.OrganisationID == "" {
		return 0, 0, fmt.Errorf("%w: organisation_id is required", ErrInvalidRequest)
	}
	if len(req.Destinations) == 0 {
		return 0, 0, fmt.Errorf("%w: destinations is required", ErrInvalidRequest)
	}
	if len(req.Destinations) > c.maxDestinations {
		return 0, 0, fmt.Errorf("%w: at most %d destinations per request", ErrInvalidRequest, c.maxDestinations)
	}
	if req.Payload.Type == "" || len(req.Payload.Data) == 0 {
		return 0, 0, fmt.Errorf("%w: payload type and data are required", ErrInvalidRequest)
	}
	if int64(len(req.Payload.Data)) > c.maxPayloadBytes {
		return 0, 0, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidRequest, c.maxPayloadBytes)
	}

	priority := 5
	if req.Options.Priority != nil {
		priority = *req.Options.Priority
		if priority < 0 || priority > 10 {
			return 0, 0, fmt.Errorf("%w: priority %d outside 0-10", ErrInvalidRequest, priority)
		}
	}

	maxRetries := 5
	if req.Options.MaxRetries != nil {
		maxRetries = *req.Options.MaxRetries
		if maxRetries < 0 || maxRetries > 10 {
			return 0, 0, fmt.Errorf("%w: max_retries %d outside 0-10", ErrInvalidRequest, maxRetries)
		}
	}
	return priority, maxRetries, nil
}

// resolve expands "default" or looks up an explicit list, dropping anything
// unusable with a logged reason.
func (c *Coordinator) resolve(ctx context.Context, req *DeliveryRequest) ([]*store.Destination, error) {
	if len(req.Destinations) == 1 && req.Destinations[0] == DestinationsDefault {
		all, err := c.store.ListDestinations(ctx, req.OrganisationID)
		if err != nil {
			return nil, fmt.Errorf("list destinations: %w", err)
		}
		var out []*store.Destination
		for _, d := range all {
			if d.Disabled {
				continue
			}
			if h, err := c.tracker.Snapshot(d.ID); err == nil {
				if h.Status != store.HealthHealthy && h.Status != store.HealthDegraded {
					continue
				}
			}
			out = append(out, d)
		}
		return out, nil
	}

	var out []*store.Destination
	for _, id := range req.Destinations {
		d, err := c.store.GetDestination(ctx, req.OrganisationID, id)
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Printf(`{"decision":"destination_dropped","destination":%q,"reason":"not_found"}`, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get destination %s: %w", id, err)
		}
		if d.Disabled {
			c.logger.Printf(`{"decision":"destination_dropped","destination":%q,"reason":"disabled"}`, id)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// existingDelivery finds the delivery id owning an idempotency key,
// whatever status the owning entry has reached by now.
func (c *Coordinator) existingDelivery(ctx context.Context, destinationID, key string) string {
	entry, err := c.store.FindByIdempotencyKey(ctx, destinationID, key)
	if err != nil {
		return ""
	}
	return entry.Payload.DeliveryID
}

// DeliveryStatus is the aggregate view over one delivery's entries and logs.
type DeliveryStatus struct {
	DeliveryID   string               `json:"delivery_id"`
	Status       string               `json:"status"` // queued, processing, completed, failed
	Destinations []*store.DeliveryLog `json:"destinations"`
	Entries      []*store.QueueEntry  `json:"entries"`
}

// GetDeliveryStatus derives the per-delivery aggregate from queue entries
// and delivery logs.
func (c *Coordinator) GetDeliveryStatus(ctx context.Context, organisationID, deliveryID string) (*DeliveryStatus, error) {
	entries, err := c.store.FindByDeliveryID(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	logs, err := c.store.ListDeliveryLogs(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && len(logs) == 0 {
		return nil, store.ErrNotFound
	}

	// access control: the delivery must belong to the caller's organisation
	for _, e := range entries {
		if e.OrganisationID != organisationID {
			return nil, store.ErrNotFound
		}
	}
	for _, l := range logs {
		if l.OrganisationID != organisationID {
			return nil, store.ErrNotFound
		}
	}

	return &DeliveryStatus{
		DeliveryID:   deliveryID,
		Status:       deriveOverallStatus(entries),
		Destinations: logs,
		Entries:      entries,
	}, nil
}

// RetryDelivery re-enqueues the failed entries of a delivery with a fresh
// retry budget.
func (c *Coordinator) RetryDelivery(ctx context.Context, organisationID, deliveryID string) (int, error) {
	entries, err := c.store.FindByDeliveryID(ctx, deliveryID)
	if err != nil {
		return 0, err
	}

	retried := 0
	now := c.now()
	for _, e := range entries {
		if e.OrganisationID != organisationID || e.Status != store.StatusFailed {
			continue
		}
		fresh := *e
		fresh.ID = uuid.NewString()
		fresh.Status = store.StatusPending
		fresh.RetryCount = 0
		fresh.NextRetryAt = nil
		fresh.ScheduledAt = now
		fresh.CreatedAt = now
		fresh.UpdatedAt = now
		fresh.ProcessedAt = nil
		fresh.IdempotencyKey = fmt.Sprintf("%s_%s_retry_%d", deliveryID, e.DestinationID, now.UnixNano())
		fresh.Metadata = map[string]string{"manual_retry_of": e.ID}
		if err := c.store.Enqueue(ctx, &fresh); err != nil {
			return retried, fmt.Errorf("re-enqueue entry %s: %w", e.ID, err)
		}
		retried++
	}
	if retried > 0 {
		c.logger.Printf(`{"decision":"delivery_retried","delivery_id":%q,"entries":%d}`, deliveryID, retried)
	}
	return retried, nil
}

func aggregateStatus(dispatched []DestinationDispatched) string {
	anyPending := false
	allSkipped := len(dispatched) > 0
	for _, d := range dispatched {
		if d.Status == "pending" || d.Status == "duplicate" {
			anyPending = true
		}
		if d.Status != "skipped" {
			allSkipped = false
		}
	}
	switch {
	case anyPending:
		return "queued"
	case allSkipped:
		return "failed"
	default:
		return "completed"
	}
}

func deriveOverallStatus(entries []*store.QueueEntry) string {
	if len(entries) == 0 {
		return "completed"
	}
	anyProcessing, anyPending, anyFailed := false, false, false
	for _, e := range entries {
		switch e.Status {
		case store.StatusProcessing:
			anyProcessing = true
		case store.StatusPending:
			anyPending = true
		case store.StatusFailed:
			anyFailed = true
		}
	}
	switch {
	case anyProcessing:
		return "processing"
	case anyPending:
		return "queued"
	case anyFailed:
		return "failed"
	default:
		return "completed"
	}
}

func tagMetadata(tags []string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	meta := make(map[string]string, len(tags))
	for i, t := range tags {
		meta[fmt.Sprintf("tag_%d", i)] = t
	}
	return meta
}
