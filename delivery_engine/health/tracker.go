package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/alerting"
	"github.com/itskum47/DispatchForge/delivery_engine/observability"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

// AlertSink consumes the tracker's consecutive-failure events; the alerting
// debouncer satisfies it.
type AlertSink interface {
	Offer(ctx context.Context, alert *alerting.Alert) (bool, error)
}

// Config holds the breaker thresholds. Zero values take the defaults.
type Config struct {
	FailureThreshold int           // consecutive failures to open
	RecoveryTimeout  time.Duration // open before probing half-open
	SuccessThreshold int           // half-open successes to close
	VolumeThreshold  int64         // minimum lifetime deliveries before opening
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		VolumeThreshold:  10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = d.VolumeThreshold
	}
	return c
}

// metadata keys carried on the health record
const (
	metaLastError    = "last_error"
	metaForcedReason = "forced_reason"
)

// Tracker is the per-destination circuit breaker and health record keeper.
// The in-memory map is the working set; every mutation is written through to
// the HealthStore so state survives restarts.
type Tracker struct {
	cfg    Config
	store  store.HealthStore
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*record
	alerts  AlertSink
}

// record is the mutable in-memory projection of one destination's health.
type record struct {
	health          store.DestinationHealth
	halfOpenSuccess int
}

func NewTracker(cfg Config, healthStore store.HealthStore, logger *log.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg.withDefaults(),
		store:   healthStore,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// SetAlertSink installs the consumer for consecutive-failure alerts.
// Called once during wiring, before traffic flows.
func (t *Tracker) SetAlertSink(sink AlertSink) {
	t.mu.Lock()
	t.alerts = sink
	t.mu.Unlock()
}

// Load warms the in-memory map from the store; called once at startup.
func (t *Tracker) Load(ctx context.Context) error {
	list, err := t.store.ListHealth(ctx, "")
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range list {
		// half-open probe progress does not survive restarts; the counter
		// restarts from zero and the next successes close the circuit
		t.records[h.DestinationID] = &record{health: *h}
	}
	return nil
}

// Permit reports whether a dispatch to the destination may proceed, moving
// an expired open circuit to half-open as a side effect.
func (t *Tracker) Permit(ctx context.Context, destinationID string) bool {
	t.mu.Lock()
	rec := t.get(destinationID, "")
	var flush *store.DestinationHealth

	allowed := true
	switch rec.health.CircuitState {
	case store.CircuitClosed:
	case store.CircuitHalfOpen:
	case store.CircuitOpen:
		openedAt := rec.health.CircuitOpenedAt
		if openedAt != nil && t.now().Sub(*openedAt) >= t.cfg.RecoveryTimeout {
			t.transition(rec, store.CircuitHalfOpen)
			rec.halfOpenSuccess = 0
			flush = snapshot(rec)
		} else {
			allowed = false
		}
	}
	t.mu.Unlock()

	if !allowed {
		observability.CircuitRejections.WithLabelValues(destinationID).Inc()
	}
	if flush != nil {
		t.persist(ctx, flush)
	}
	return allowed
}

// RecordSuccess updates counters and may close a half-open circuit.
func (t *Tracker) RecordSuccess(ctx context.Context, destinationID, organisationID string, responseTime time.Duration) {
	t.mu.Lock()
	rec := t.get(destinationID, organisationID)
	h := &rec.health

	now := t.now()
	h.TotalDeliveries++
	h.ConsecutiveFailures = 0
	h.LastSuccessAt = &now
	delete(h.Metadata, metaLastError)

	// lifetime moving average over successful calls
	n := float64(h.TotalDeliveries - h.TotalFailures)
	if n < 1 {
		n = 1
	}
	sample := float64(responseTime.Milliseconds())
	h.AvgResponseMillis = (h.AvgResponseMillis*(n-1) + sample) / n

	switch h.CircuitState {
	case store.CircuitHalfOpen:
		rec.halfOpenSuccess++
		if rec.halfOpenSuccess >= t.cfg.SuccessThreshold {
			t.transition(rec, store.CircuitClosed)
			rec.halfOpenSuccess = 0
		}
	case store.CircuitOpen:
		// A success while open means the gate was bypassed; probe instead
		t.transition(rec, store.CircuitHalfOpen)
		rec.halfOpenSuccess = 1
	}

	t.reclassify(h)
	flush := snapshot(rec)
	t.mu.Unlock()

	t.persist(ctx, flush)
}

// RecordFailure updates counters, may open the circuit, and raises a
// consecutive-failure alert whenever the classification worsens.
func (t *Tracker) RecordFailure(ctx context.Context, destinationID, organisationID, errString string) {
	t.mu.Lock()
	rec := t.get(destinationID, organisationID)
	h := &rec.health

	now := t.now()
	h.TotalDeliveries++
	h.TotalFailures++
	h.ConsecutiveFailures++
	h.LastFailureAt = &now
	if h.Metadata == nil {
		h.Metadata = make(map[string]string)
	}
	h.Metadata[metaLastError] = errString

	switch h.CircuitState {
	case store.CircuitHalfOpen:
		// any probe failure re-opens immediately
		t.transition(rec, store.CircuitOpen)
		rec.halfOpenSuccess = 0
	case store.CircuitClosed:
		if h.ConsecutiveFailures >= t.cfg.FailureThreshold && h.TotalDeliveries >= t.cfg.VolumeThreshold {
			t.transition(rec, store.CircuitOpen)
		}
	}

	prev := h.Status
	t.reclassify(h)
	var alert *alerting.Alert
	sink := t.alerts
	if sink != nil && statusRank(h.Status) > statusRank(prev) {
		severity, step := alertFor(h.Status)
		alert = &alerting.Alert{
			Kind:           alerting.KindConsecutiveFailures,
			Severity:       severity,
			OrganisationID: h.OrganisationID,
			DestinationID:  h.DestinationID,
			Message:        fmt.Sprintf("destination %s: %d consecutive failures, now %s", h.DestinationID, h.ConsecutiveFailures, h.Status),
			Value:          float64(h.ConsecutiveFailures),
			Threshold:      float64(step),
			RaisedAt:       now,
		}
	}
	flush := snapshot(rec)
	t.mu.Unlock()

	t.persist(ctx, flush)
	if alert != nil {
		if _, err := sink.Offer(ctx, alert); err != nil && t.logger != nil {
			t.logger.Printf("health: %s alert for %s failed: %v", alert.Kind, alert.DestinationID, err)
		}
	}
}

// ForceOpen trips the circuit regardless of counters. Operator action.
func (t *Tracker) ForceOpen(ctx context.Context, destinationID, reason string) {
	t.mu.Lock()
	rec := t.get(destinationID, "")
	if rec.health.Metadata == nil {
		rec.health.Metadata = make(map[string]string)
	}
	rec.health.Metadata[metaForcedReason] = reason
	t.transition(rec, store.CircuitOpen)
	flush := snapshot(rec)
	t.mu.Unlock()

	t.persist(ctx, flush)
}

// ForceClose resets the circuit and consecutive-failure count. Operator action.
func (t *Tracker) ForceClose(ctx context.Context, destinationID string) {
	t.mu.Lock()
	rec := t.get(destinationID, "")
	delete(rec.health.Metadata, metaForcedReason)
	rec.health.ConsecutiveFailures = 0
	rec.halfOpenSuccess = 0
	t.transition(rec, store.CircuitClosed)
	t.reclassify(&rec.health)
	flush := snapshot(rec)
	t.mu.Unlock()

	t.persist(ctx, flush)
}

// Snapshot returns a copy of one destination's health, or ErrNotFound.
func (t *Tracker) Snapshot(destinationID string) (*store.DestinationHealth, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[destinationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := rec.health
	return &cp, nil
}

// Dispatchable reports whether the destination's health permits automatic
// dispatch (disabled destinations are skipped by resolution).
func (t *Tracker) Dispatchable(destinationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[destinationID]
	if !ok {
		return true
	}
	return rec.health.Status != store.HealthDisabled
}

// get returns the record for a destination, creating a healthy one if absent.
// Caller holds t.mu.
func (t *Tracker) get(destinationID, organisationID string) *record {
	rec, ok := t.records[destinationID]
	if !ok {
		rec = &record{health: store.DestinationHealth{
			DestinationID:  destinationID,
			OrganisationID: organisationID,
			Status:         store.HealthHealthy,
			CircuitState:   store.CircuitClosed,
			Metadata:       make(map[string]string),
		}}
		t.records[destinationID] = rec
	}
	if rec.health.OrganisationID == "" {
		rec.health.OrganisationID = organisationID
	}
	return rec
}

// transition moves the circuit state and emits metrics. Caller holds t.mu.
func (t *Tracker) transition(rec *record, to store.CircuitState) {
	from := rec.health.CircuitState
	if from == to {
		return
	}
	rec.health.CircuitState = to
	now := t.now()
	if to == store.CircuitOpen {
		rec.health.CircuitOpenedAt = &now
		observability.CircuitTrips.WithLabelValues(rec.health.DestinationID).Inc()
	} else {
		rec.health.CircuitOpenedAt = nil
	}
	observability.CircuitTransitions.WithLabelValues(rec.health.DestinationID, string(from), string(to)).Inc()

	if t.logger != nil {
		t.logger.Printf(`{"decision":"circuit_transition","destination":%q,"from":%q,"to":%q}`,
			rec.health.DestinationID, from, to)
	}
}

// reclassify derives the health status from consecutive failures.
func (t *Tracker) reclassify(h *store.DestinationHealth) {
	switch {
	case h.ConsecutiveFailures >= 10:
		h.Status = store.HealthDisabled
	case h.ConsecutiveFailures >= 5:
		h.Status = store.HealthUnhealthy
	case h.ConsecutiveFailures >= 3:
		h.Status = store.HealthDegraded
	default:
		h.Status = store.HealthHealthy
	}
	observability.DestinationHealthScore.WithLabelValues(h.DestinationID).Set(float64(h.ConsecutiveFailures))
}

// statusRank orders health statuses from healthy to disabled so a
// classification change can be compared for direction.
func statusRank(s store.HealthStatus) int {
	switch s {
	case store.HealthDegraded:
		return 1
	case store.HealthUnhealthy:
		return 2
	case store.HealthDisabled:
		return 3
	default:
		return 0
	}
}

// alertFor maps a degraded classification to the alert severity and the
// consecutive-failure step that triggered it.
func alertFor(s store.HealthStatus) (alerting.Severity, int) {
	switch s {
	case store.HealthUnhealthy:
		return alerting.SeverityHigh, 5
	case store.HealthDisabled:
		return alerting.SeverityCritical, 10
	default:
		return alerting.SeverityMedium, 3
	}
}

func snapshot(rec *record) *store.DestinationHealth {
	cp := rec.health
	if rec.health.Metadata != nil {
		cp.Metadata = make(map[string]string, len(rec.health.Metadata))
		for k, v := range rec.health.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// persist writes a health snapshot through to the store. Write failures are
// logged and absorbed; in-memory state remains authoritative for gating.
func (t *Tracker) persist(ctx context.Context, h *store.DestinationHealth) {
	h.UpdatedAt = t.now()
	if err := t.store.UpsertHealth(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
		if t.logger != nil {
			t.logger.Printf("health: persist %s failed: %v", h.DestinationID, err)
		}
	}
}
