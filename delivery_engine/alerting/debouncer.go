package alerting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/observability"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

// KindConfig holds per-debounce-kind tunables.
type KindConfig struct {
	Window          time.Duration // rolling count window
	Cooldown        time.Duration // minimum gap between allowed alerts
	MaxPerWindow    int           // alerts allowed inside one window
	EscalationDelay time.Duration // gap between ladder levels
}

func defaultKindConfig() KindConfig {
	return KindConfig{
		Window:          15 * time.Minute,
		Cooldown:        60 * time.Minute,
		MaxPerWindow:    3,
		EscalationDelay: 60 * time.Minute,
	}
}

func (c KindConfig) withDefaults() KindConfig {
	d := defaultKindConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = d.MaxPerWindow
	}
	if c.EscalationDelay <= 0 {
		c.EscalationDelay = d.EscalationDelay
	}
	return c
}

// Debouncer turns the raw threshold-event stream into a bounded notification
// stream. State is keyed by kind, destination and organisation; the in-memory
// map is a cache over the DebounceStore so suppression survives restarts.
type Debouncer struct {
	kinds       map[DebounceKind]KindConfig
	states      store.DebounceStore
	maintenance store.MaintenanceStore
	notifier    Notifier
	logger      *log.Logger
	now         func() time.Time

	mu    sync.Mutex
	cache map[string]*store.DebounceState
}

func NewDebouncer(kinds map[DebounceKind]KindConfig, states store.DebounceStore, maintenance store.MaintenanceStore, notifier Notifier, logger *log.Logger) *Debouncer {
	normalised := make(map[DebounceKind]KindConfig, len(kinds))
	for k, cfg := range kinds {
		normalised[k] = cfg.withDefaults()
	}
	return &Debouncer{
		kinds:       normalised,
		states:      states,
		maintenance: maintenance,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		cache:       make(map[string]*store.DebounceState),
	}
}

func (d *Debouncer) configFor(kind DebounceKind) KindConfig {
	if cfg, ok := d.kinds[kind]; ok {
		return cfg
	}
	return defaultKindConfig()
}

// Offer runs one event through the debounce algorithm. When the event passes
// it is sent through the notifier and true is returned.
func (d *Debouncer) Offer(ctx context.Context, alert *Alert) (bool, error) {
	suppressed, err := d.inMaintenance(ctx, alert)
	if err != nil {
		return false, err
	}
	if suppressed {
		observability.AlertsSuppressed.WithLabelValues(string(alert.Kind), "maintenance").Inc()
		return false, nil
	}

	cfg := d.configFor(alert.Kind)
	key := store.DebounceKey(string(alert.Kind), alert.DestinationID, alert.OrganisationID)
	now := d.now()

	d.mu.Lock()
	state, err := d.loadState(ctx, key)
	if err != nil {
		d.mu.Unlock()
		return false, err
	}

	if state == nil {
		nextEsc := now.Add(cfg.EscalationDelay)
		state = &store.DebounceState{
			Key:              key,
			Kind:             string(alert.Kind),
			DestinationID:    alert.DestinationID,
			OrganisationID:   alert.OrganisationID,
			WindowStart:      now,
			AlertCount:       1,
			LastAlertAt:      now,
			CooldownUntil:    now.Add(cfg.Cooldown),
			EscalationLevel:  0,
			NextEscalationAt: &nextEsc,
		}
		d.cache[key] = state
		flush := *state
		d.mu.Unlock()

		if err := d.persist(ctx, &flush, cfg); err != nil {
			return false, err
		}
		return true, d.emit(ctx, alert, &flush)
	}

	reason := ""
	switch {
	case now.Before(state.CooldownUntil):
		reason = "cooldown"
	case now.Before(state.SuppressedUntil):
		reason = "suppressed"
	}
	if reason != "" {
		d.mu.Unlock()
		observability.AlertsSuppressed.WithLabelValues(string(alert.Kind), reason).Inc()
		return false, nil
	}

	if now.After(state.WindowStart.Add(cfg.Window)) {
		state.WindowStart = now
		state.AlertCount = 0
	}

	if state.AlertCount >= cfg.MaxPerWindow {
		state.SuppressedUntil = state.WindowStart.Add(cfg.Window)
		flush := *state
		d.mu.Unlock()

		observability.AlertsSuppressed.WithLabelValues(string(alert.Kind), "window_exhausted").Inc()
		return false, d.persist(ctx, &flush, cfg)
	}

	state.AlertCount++
	state.LastAlertAt = now
	state.CooldownUntil = now.Add(cfg.Cooldown)
	nextEsc := now.Add(cfg.EscalationDelay)
	state.NextEscalationAt = &nextEsc
	flush := *state
	d.mu.Unlock()

	if err := d.persist(ctx, &flush, cfg); err != nil {
		return false, err
	}
	return true, d.emit(ctx, alert, &flush)
}

// CheckEscalations walks the cached keys and escalates any that are due.
// Called periodically by the queue manager's sampling loop.
func (d *Debouncer) CheckEscalations(ctx context.Context) error {
	now := d.now()

	d.mu.Lock()
	var due []*store.DebounceState
	for _, state := range d.cache {
		if state.NextEscalationAt != nil && !now.Before(*state.NextEscalationAt) && state.EscalationLevel < TopLevel {
			state.EscalationLevel++
			next := now.Add(d.configFor(DebounceKind(state.Kind)).EscalationDelay)
			if state.EscalationLevel >= TopLevel {
				state.NextEscalationAt = nil
			} else {
				state.NextEscalationAt = &next
			}
			cp := *state
			due = append(due, &cp)
		}
	}
	d.mu.Unlock()

	var firstErr error
	for _, state := range due {
		cfg := d.configFor(DebounceKind(state.Kind))
		if err := d.persist(ctx, state, cfg); err != nil && firstErr == nil {
			firstErr = err
		}

		severity, channels := Rung(state.EscalationLevel)
		alert := &Alert{
			Kind:            DebounceKind(state.Kind),
			Severity:        severity,
			OrganisationID:  state.OrganisationID,
			DestinationID:   state.DestinationID,
			Message:         fmt.Sprintf("condition %s unresolved, escalated to %s", state.Kind, severity),
			EscalationLevel: state.EscalationLevel,
			Channels:        channels,
			RaisedAt:        now,
		}
		if err := d.notifier.Notify(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
		observability.AlertsGenerated.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
		d.logger.Printf(`{"decision":"alert_escalated","key":%q,"level":%d,"severity":%q}`,
			state.Key, state.EscalationLevel, severity)
	}
	return firstErr
}

// Resolve clears the debounce state for a key; the next event restarts at
// level 0.
func (d *Debouncer) Resolve(ctx context.Context, kind DebounceKind, destinationID, organisationID string) error {
	key := store.DebounceKey(string(kind), destinationID, organisationID)

	d.mu.Lock()
	delete(d.cache, key)
	d.mu.Unlock()

	if err := d.states.DeleteDebounceState(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	observability.AlertsResolved.WithLabelValues(string(kind)).Inc()
	d.logger.Printf(`{"decision":"alert_resolved","key":%q}`, key)
	return nil
}

// loadState returns the cached state, falling back to the store on a cold
// key. Caller holds d.mu.
func (d *Debouncer) loadState(ctx context.Context, key string) (*store.DebounceState, error) {
	if state, ok := d.cache[key]; ok {
		return state, nil
	}
	state, err := d.states.GetDebounceState(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.cache[key] = state
	return state, nil
}

func (d *Debouncer) persist(ctx context.Context, state *store.DebounceState, cfg KindConfig) error {
	// keep the row alive through the longest relevant horizon
	ttl := cfg.Cooldown
	if cfg.EscalationDelay*time.Duration(TopLevel+1) > ttl {
		ttl = cfg.EscalationDelay * time.Duration(TopLevel+1)
	}
	return d.states.PutDebounceState(ctx, state, ttl)
}

func (d *Debouncer) emit(ctx context.Context, alert *Alert, state *store.DebounceState) error {
	// the escalation rung only raises urgency; a caller-graded severity
	// (overshoot ratio, failure ladder) is never downgraded
	severity, channels := Rung(state.EscalationLevel)
	if severityRank(alert.Severity) > severityRank(severity) {
		severity = alert.Severity
		channels = channelsFor(severity)
	}
	alert.Severity = severity
	alert.Channels = channels
	alert.EscalationLevel = state.EscalationLevel
	alert.RaisedAt = state.LastAlertAt

	observability.AlertsGenerated.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	d.logger.Printf(`{"decision":"alert_generated","kind":%q,"severity":%q,"organisation":%q,"destination":%q,"count":%d}`,
		alert.Kind, alert.Severity, alert.OrganisationID, alert.DestinationID, state.AlertCount)
	return d.notifier.Notify(ctx, alert)
}

func (d *Debouncer) inMaintenance(ctx context.Context, alert *Alert) (bool, error) {
	windows, err := d.maintenance.ActiveMaintenanceWindows(ctx, d.now())
	if err != nil {
		return false, err
	}
	for _, w := range windows {
		if w.OrganisationID != alert.OrganisationID {
			continue
		}
		if w.Covers(string(alert.Kind), alert.DestinationID) {
			return true, nil
		}
	}
	return false, nil
}
