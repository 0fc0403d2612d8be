package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateEnqueue is returned by Enqueue when the (destination,
// idempotency key) pair is already known. The first entry wins.
var ErrDuplicateEnqueue = errors.New("duplicate enqueue for idempotency key")

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// QueueStore is the narrow port the scheduler depends on. Dequeue is the
// only correctness-critical operation: it must flip the returned rows to
// processing in the same atomic step so a concurrent dequeuer cannot
// observe them.
type QueueStore interface {
	Enqueue(ctx context.Context, entry *QueueEntry) error
	Dequeue(ctx context.Context, limit int) ([]*QueueEntry, error)
	UpdateStatus(ctx context.Context, id string, status EntryStatus, processedAt *time.Time) error
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, retryCount int) error
	UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error
	FindByID(ctx context.Context, id string) (*QueueEntry, error)
	FindByDeliveryID(ctx context.Context, deliveryID string) ([]*QueueEntry, error)
	FindByIdempotencyKey(ctx context.Context, destinationID, key string) (*QueueEntry, error)
	FindByStatus(ctx context.Context, status EntryStatus, organisationID string, limit int) ([]*QueueEntry, error)
	CancelByDeliveryID(ctx context.Context, deliveryID string) (int, error)
	ReleaseStuck(ctx context.Context, olderThan time.Time) (int, error)
	DeleteByStatusAndAge(ctx context.Context, status EntryStatus, cutoff time.Time) (int, error)
	GetQueueStats(ctx context.Context) (*QueueStats, error)
	GetRecentProcessed(ctx context.Context, limit int) ([]*QueueEntry, error)
	GetOldestPending(ctx context.Context) (*QueueEntry, error)
	GetDepthByOrganisation(ctx context.Context) (map[string]int, error)
}

// DestinationStore manages destination records.
type DestinationStore interface {
	CreateDestination(ctx context.Context, d *Destination) error
	UpdateDestination(ctx context.Context, d *Destination) error
	DeleteDestination(ctx context.Context, organisationID, id string) error
	GetDestination(ctx context.Context, organisationID, id string) (*Destination, error)
	ListDestinations(ctx context.Context, organisationID string) ([]*Destination, error)
	IncrementUsage(ctx context.Context, id string) error
	SetDisabled(ctx context.Context, organisationID, id string, disabled bool, actor, reason string) error
}

// HealthStore persists destination health so that per-process breaker caches
// converge across restarts.
type HealthStore interface {
	UpsertHealth(ctx context.Context, h *DestinationHealth) error
	GetHealth(ctx context.Context, destinationID string) (*DestinationHealth, error)
	ListHealth(ctx context.Context, organisationID string) ([]*DestinationHealth, error)
}

// LogStore persists per-destination delivery outcomes in a dedicated table.
type LogStore interface {
	UpsertDeliveryLog(ctx context.Context, l *DeliveryLog) error
	ListDeliveryLogs(ctx context.Context, deliveryID string) ([]*DeliveryLog, error)
}

// SecretStore manages webhook signing secrets.
type SecretStore interface {
	GetWebhookSecret(ctx context.Context, destinationID string) (*WebhookSecret, error)
	PutWebhookSecret(ctx context.Context, s *WebhookSecret) error
	ListSecretsRotatedBefore(ctx context.Context, cutoff time.Time) ([]*WebhookSecret, error)
}

// DownloadLinkStore manages signed download links.
type DownloadLinkStore interface {
	CreateDownloadLink(ctx context.Context, l *DownloadLink) error
	GetDownloadLink(ctx context.Context, token string) (*DownloadLink, error)
	MarkDownloaded(ctx context.Context, token string, at time.Time) error
	DeleteExpiredLinks(ctx context.Context, cutoff time.Time) (int, error)
}

// MaintenanceStore manages operator-declared maintenance windows.
type MaintenanceStore interface {
	CreateMaintenanceWindow(ctx context.Context, w *MaintenanceWindow) error
	DeleteMaintenanceWindow(ctx context.Context, organisationID, id string) error
	ListMaintenanceWindows(ctx context.Context, organisationID string) ([]*MaintenanceWindow, error)
	ActiveMaintenanceWindows(ctx context.Context, at time.Time) ([]*MaintenanceWindow, error)
}

// IdempotencyReserver is an optional fast-path capability: claim the
// (destination, key) pair before the durable enqueue so duplicate submits
// short-circuit without touching the primary store. The redis backend
// implements it.
type IdempotencyReserver interface {
	ReserveIdempotencyKey(ctx context.Context, destinationID, key, deliveryID string, ttl time.Duration) (string, bool, error)
	ReleaseIdempotencyKey(ctx context.Context, destinationID, key string) error
}

// DebounceStore persists alert debounce state. The in-process debouncer map
// is a cache over this; it must be derivable from here on cold start.
type DebounceStore interface {
	GetDebounceState(ctx context.Context, key string) (*DebounceState, error)
	PutDebounceState(ctx context.Context, s *DebounceState, ttl time.Duration) error
	DeleteDebounceState(ctx context.Context, key string) error
}

// Store is the composed facade. Components depend on the narrow port they
// need, not on this.
type Store interface {
	QueueStore
	DestinationStore
	HealthStore
	LogStore
	SecretStore
	DownloadLinkStore
	MaintenanceStore
}
