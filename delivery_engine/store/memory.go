package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds all engine state in process memory. It implements the
// full Store facade plus DebounceStore and backs the test profile.
type MemoryStore struct {
	mu           sync.RWMutex
	entries      map[string]*QueueEntry
	destinations map[string]*Destination
	health       map[string]*DestinationHealth
	logs         map[string]*DeliveryLog // keyed delivery_id:destination_id
	secrets      map[string]*WebhookSecret
	links        map[string]*DownloadLink // keyed by token
	windows      map[string]*MaintenanceWindow
	debounce     map[string]*DebounceState
	idempotency  map[string]string // destID:key -> entry id
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:      make(map[string]*QueueEntry),
		destinations: make(map[string]*Destination),
		health:       make(map[string]*DestinationHealth),
		logs:         make(map[string]*DeliveryLog),
		secrets:      make(map[string]*WebhookSecret),
		links:        make(map[string]*DownloadLink),
		windows:      make(map[string]*MaintenanceWindow),
		debounce:     make(map[string]*DebounceState),
		idempotency:  make(map[string]string),
	}
}

// --- Queue Operations ---

func (s *MemoryStore) Enqueue(ctx context.Context, entry *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idemKey := entry.DestinationID + ":" + entry.IdempotencyKey
	if _, exists := s.idempotency[idemKey]; exists {
		return ErrDuplicateEnqueue
	}

	now := time.Now()
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.entries[cp.ID] = &cp
	s.idempotency[idemKey] = cp.ID
	return nil
}

// Dequeue selects due pending entries by priority desc then scheduledAt asc
// and flips them to processing under the store lock, mirroring the row-lock
// semantics of the Postgres backend.
func (s *MemoryStore) Dequeue(ctx context.Context, limit int) ([]*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*QueueEntry
	for _, e := range s.entries {
		if e.Status != StatusPending {
			continue
		}
		if e.ScheduledAt.After(now) {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		due = append(due, e)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*QueueEntry, 0, len(due))
	for _, e := range due {
		e.Status = StatusProcessing
		e.UpdatedAt = now
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status EntryStatus, processedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = time.Now()
	if processedAt != nil {
		e.ProcessedAt = processedAt
	}
	return nil
}

func (s *MemoryStore) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusPending
	e.NextRetryAt = &nextRetryAt
	e.RetryCount = retryCount
	e.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	for k, v := range metadata {
		e.Metadata[k] = v
	}
	e.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) FindByDeliveryID(ctx context.Context, deliveryID string) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*QueueEntry
	for _, e := range s.entries {
		if e.Payload.DeliveryID == deliveryID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, destinationID, key string) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idempotency[destinationID+":"+key]
	if !ok {
		return nil, ErrNotFound
	}
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) FindByStatus(ctx context.Context, status EntryStatus, organisationID string, limit int) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*QueueEntry
	for _, e := range s.entries {
		if e.Status != status {
			continue
		}
		if organisationID != "" && e.OrganisationID != organisationID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CancelByDeliveryID(ctx context.Context, deliveryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for _, e := range s.entries {
		if e.Payload.DeliveryID == deliveryID && e.Status == StatusPending {
			e.Status = StatusCancelled
			e.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ReleaseStuck(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for _, e := range s.entries {
		if e.Status == StatusProcessing && e.UpdatedAt.Before(olderThan) {
			e.Status = StatusPending
			e.NextRetryAt = nil
			e.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) DeleteByStatusAndAge(ctx context.Context, status EntryStatus, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, e := range s.entries {
		if e.Status != status {
			continue
		}
		ts := e.UpdatedAt
		if e.ProcessedAt != nil {
			ts = *e.ProcessedAt
		}
		if ts.Before(cutoff) {
			delete(s.entries, id)
			delete(s.idempotency, e.DestinationID+":"+e.IdempotencyKey)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &QueueStats{
		ByStatus:       make(map[EntryStatus]int),
		ByOrganisation: make(map[string]int),
	}
	for _, e := range s.entries {
		stats.ByStatus[e.Status]++
		if e.Status == StatusPending {
			stats.Depth++
			stats.ByOrganisation[e.OrganisationID]++
			if stats.OldestPending == nil || e.ScheduledAt.Before(*stats.OldestPending) {
				t := e.ScheduledAt
				stats.OldestPending = &t
			}
		}
	}
	return stats, nil
}

func (s *MemoryStore) GetRecentProcessed(ctx context.Context, limit int) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*QueueEntry
	for _, e := range s.entries {
		if e.ProcessedAt == nil {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessedAt.After(*out[j].ProcessedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetOldestPending(ctx context.Context) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *QueueEntry
	for _, e := range s.entries {
		if e.Status != StatusPending {
			continue
		}
		if oldest == nil || e.ScheduledAt.Before(oldest.ScheduledAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func (s *MemoryStore) GetDepthByOrganisation(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, e := range s.entries {
		if e.Status == StatusPending {
			out[e.OrganisationID]++
		}
	}
	return out, nil
}

// --- Destination Operations ---

func (s *MemoryStore) CreateDestination(ctx context.Context, d *Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cp := *d
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.destinations[d.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateDestination(ctx context.Context, d *Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.destinations[d.ID]
	if !ok || existing.OrganisationID != d.OrganisationID {
		return ErrNotFound
	}
	// organisation_id is immutable; keep the original
	cp := *d
	cp.OrganisationID = existing.OrganisationID
	cp.CreatedAt = existing.CreatedAt
	cp.UsageCount = existing.UsageCount
	cp.UpdatedAt = time.Now()
	s.destinations[d.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteDestination(ctx context.Context, organisationID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.destinations[id]
	if !ok || d.OrganisationID != organisationID {
		return ErrNotFound
	}
	delete(s.destinations, id)
	return nil
}

func (s *MemoryStore) GetDestination(ctx context.Context, organisationID, id string) (*Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.destinations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if organisationID != "" && d.OrganisationID != organisationID {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDestinations(ctx context.Context, organisationID string) ([]*Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Destination
	for _, d := range s.destinations {
		if d.OrganisationID == organisationID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) IncrementUsage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.destinations[id]
	if !ok {
		return ErrNotFound
	}
	d.UsageCount++
	d.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetDisabled(ctx context.Context, organisationID, id string, disabled bool, actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.destinations[id]
	if !ok || d.OrganisationID != organisationID {
		return ErrNotFound
	}
	d.Disabled = disabled
	if disabled {
		now := time.Now()
		d.DisabledAt = &now
		d.DisabledBy = actor
		d.DisabledReason = reason
	} else {
		d.DisabledAt = nil
		d.DisabledBy = ""
		d.DisabledReason = ""
	}
	d.UpdatedAt = time.Now()
	return nil
}

// --- Health Operations ---

func (s *MemoryStore) UpsertHealth(ctx context.Context, h *DestinationHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *h
	cp.UpdatedAt = time.Now()
	s.health[h.DestinationID] = &cp
	return nil
}

func (s *MemoryStore) GetHealth(ctx context.Context, destinationID string) (*DestinationHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.health[destinationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListHealth(ctx context.Context, organisationID string) ([]*DestinationHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DestinationHealth
	for _, h := range s.health {
		if organisationID == "" || h.OrganisationID == organisationID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Delivery Log Operations ---

func (s *MemoryStore) UpsertDeliveryLog(ctx context.Context, l *DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := l.DeliveryID + ":" + l.DestinationID
	now := time.Now()
	if existing, ok := s.logs[key]; ok {
		existing.Status = l.Status
		existing.Attempts = l.Attempts
		existing.CrossSystemReference = l.CrossSystemReference
		existing.FailureReason = l.FailureReason
		existing.DeliveredAt = l.DeliveredAt
		existing.UpdatedAt = now
		return nil
	}
	cp := *l
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.logs[key] = &cp
	return nil
}

func (s *MemoryStore) ListDeliveryLogs(ctx context.Context, deliveryID string) ([]*DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DeliveryLog
	for _, l := range s.logs {
		if l.DeliveryID == deliveryID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Secret Operations ---

func (s *MemoryStore) GetWebhookSecret(ctx context.Context, destinationID string) (*WebhookSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, ok := s.secrets[destinationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sec
	return &cp, nil
}

func (s *MemoryStore) PutWebhookSecret(ctx context.Context, sec *WebhookSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.secrets[sec.DestinationID] = &cp
	return nil
}

func (s *MemoryStore) ListSecretsRotatedBefore(ctx context.Context, cutoff time.Time) ([]*WebhookSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*WebhookSecret
	for _, sec := range s.secrets {
		if sec.RotatedAt.Before(cutoff) {
			cp := *sec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Download Link Operations ---

func (s *MemoryStore) CreateDownloadLink(ctx context.Context, l *DownloadLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.links[l.Token] = &cp
	return nil
}

func (s *MemoryStore) GetDownloadLink(ctx context.Context, token string) (*DownloadLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.links[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) MarkDownloaded(ctx context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[token]
	if !ok {
		return ErrNotFound
	}
	l.DownloadedAt = &at
	return nil
}

func (s *MemoryStore) DeleteExpiredLinks(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for token, l := range s.links {
		if l.ExpiresAt.Before(cutoff) {
			delete(s.links, token)
			count++
		}
	}
	return count, nil
}

// --- Maintenance Window Operations ---

func (s *MemoryStore) CreateMaintenanceWindow(ctx context.Context, w *MaintenanceWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.windows[w.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteMaintenanceWindow(ctx context.Context, organisationID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[id]
	if !ok || w.OrganisationID != organisationID {
		return ErrNotFound
	}
	delete(s.windows, id)
	return nil
}

func (s *MemoryStore) ListMaintenanceWindows(ctx context.Context, organisationID string) ([]*MaintenanceWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*MaintenanceWindow
	for _, w := range s.windows {
		if w.OrganisationID == organisationID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ActiveMaintenanceWindows(ctx context.Context, at time.Time) ([]*MaintenanceWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*MaintenanceWindow
	for _, w := range s.windows {
		if w.Active(at) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Debounce Operations ---

func (s *MemoryStore) GetDebounceState(ctx context.Context, key string) (*DebounceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.debounce[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) PutDebounceState(ctx context.Context, st *DebounceState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	s.debounce[st.Key] = &cp
	return nil
}

func (s *MemoryStore) DeleteDebounceState(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.debounce, key)
	return nil
}
