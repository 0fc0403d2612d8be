package store

import (
	"encoding/json"
	"time"
)

// DestinationKind identifies the transport used to deliver a payload.
type DestinationKind string

const (
	KindWebhook  DestinationKind = "webhook"
	KindEmail    DestinationKind = "email"
	KindStorage  DestinationKind = "storage"
	KindSFTP     DestinationKind = "sftp"
	KindDownload DestinationKind = "download"
)

// EntryStatus is the lifecycle status of a queue entry.
// Valid walks: pending -> processing -> {completed, failed};
// pending -> cancelled; processing -> pending (retry or stuck recovery).
type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusProcessing EntryStatus = "processing"
	StatusCompleted  EntryStatus = "completed"
	StatusFailed     EntryStatus = "failed"
	StatusCancelled  EntryStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s EntryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// HealthStatus classifies a destination by consecutive failures.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDisabled  HealthStatus = "disabled"
)

// CircuitState is the per-destination breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Destination is a configured sink for delivery payloads.
type Destination struct {
	ID             string          `json:"id" db:"id"`
	OrganisationID string          `json:"organisation_id" db:"organisation_id"` // immutable after create
	Kind           DestinationKind `json:"kind" db:"kind"`
	Label          string          `json:"label" db:"label"`
	Config         json.RawMessage `json:"config" db:"config"` // kind-specific, opaque to the core
	Disabled       bool            `json:"disabled" db:"disabled"`
	DisabledAt     *time.Time      `json:"disabled_at,omitempty" db:"disabled_at"`
	DisabledBy     string          `json:"disabled_by,omitempty" db:"disabled_by"`
	DisabledReason string          `json:"disabled_reason,omitempty" db:"disabled_reason"`
	UsageCount     int64           `json:"usage_count" db:"usage_count"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Payload is the kind-independent body carried by a queue entry.
type Payload struct {
	DeliveryID string            `json:"delivery_id"`
	Type       string            `json:"type"`
	Data       json.RawMessage   `json:"data"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// QueueEntry is the per-destination unit of work derived from a delivery.
type QueueEntry struct {
	ID             string            `json:"id" db:"id"`
	OrganisationID string            `json:"organisation_id" db:"organisation_id"`
	DestinationID  string            `json:"destination_id" db:"destination_id"`
	Priority       int               `json:"priority" db:"priority"` // 0-10, higher first
	ScheduledAt    time.Time         `json:"scheduled_at" db:"scheduled_at"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty" db:"next_retry_at"`
	Status         EntryStatus       `json:"status" db:"status"`
	RetryCount     int               `json:"retry_count" db:"retry_count"`
	MaxRetries     int               `json:"max_retries" db:"max_retries"` // 0 permits a single attempt; negative defers to the scheduler default
	Payload        Payload           `json:"payload" db:"payload"`
	CorrelationID  string            `json:"correlation_id,omitempty" db:"correlation_id"`
	IdempotencyKey string            `json:"idempotency_key" db:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty" db:"processed_at"`
}

// DestinationHealth is the per-destination rolling health record.
type DestinationHealth struct {
	DestinationID       string            `json:"destination_id" db:"destination_id"`
	OrganisationID      string            `json:"organisation_id" db:"organisation_id"`
	ConsecutiveFailures int               `json:"consecutive_failures" db:"consecutive_failures"`
	TotalFailures       int64             `json:"total_failures" db:"total_failures"`
	TotalDeliveries     int64             `json:"total_deliveries" db:"total_deliveries"`
	AvgResponseMillis   float64           `json:"avg_response_millis" db:"avg_response_millis"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty" db:"last_success_at"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty" db:"last_failure_at"`
	Status              HealthStatus      `json:"status" db:"status"`
	CircuitState        CircuitState      `json:"circuit_state" db:"circuit_state"`
	CircuitOpenedAt     *time.Time        `json:"circuit_opened_at,omitempty" db:"circuit_opened_at"`
	Metadata            map[string]string `json:"metadata,omitempty" db:"metadata"`
	UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`
}

// DeliveryLog is the durable per-destination delivery outcome record.
type DeliveryLog struct {
	ID                   string     `json:"id" db:"id"`
	DeliveryID           string     `json:"delivery_id" db:"delivery_id"`
	OrganisationID       string     `json:"organisation_id" db:"organisation_id"`
	DestinationID        string     `json:"destination_id" db:"destination_id"`
	QueueEntryID         string     `json:"queue_entry_id" db:"queue_entry_id"`
	Status               string     `json:"status" db:"status"` // pending, delivered, failed, retrying
	Attempts             int        `json:"attempts" db:"attempts"`
	CrossSystemReference string     `json:"cross_system_reference,omitempty" db:"cross_system_reference"`
	FailureReason        string     `json:"failure_reason,omitempty" db:"failure_reason"`
	DeliveredAt          *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// WebhookSecret is a signing secret for webhook destinations. The previous
// secret is retained through the rotation grace window so receivers can
// verify deliveries signed shortly before the rotation.
type WebhookSecret struct {
	DestinationID  string    `json:"destination_id" db:"destination_id"`
	Secret         string    `json:"secret" db:"secret"`
	PreviousSecret string    `json:"previous_secret,omitempty" db:"previous_secret"`
	RotatedAt      time.Time `json:"rotated_at" db:"rotated_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// DownloadLink is a signed, expiring download record for the download kind.
type DownloadLink struct {
	ID             string     `json:"id" db:"id"`
	OrganisationID string     `json:"organisation_id" db:"organisation_id"`
	DeliveryID     string     `json:"delivery_id" db:"delivery_id"`
	Token          string     `json:"token" db:"token"`
	Signature      string     `json:"signature" db:"signature"`
	ExpiresAt      time.Time  `json:"expires_at" db:"expires_at"`
	DownloadedAt   *time.Time `json:"downloaded_at,omitempty" db:"downloaded_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// DebounceState tracks alert suppression for one (kind, destination, org) key.
type DebounceState struct {
	Key              string     `json:"key"`
	Kind             string     `json:"kind"`
	DestinationID    string     `json:"destination_id"`
	OrganisationID   string     `json:"organisation_id"`
	WindowStart      time.Time  `json:"window_start"`
	AlertCount       int        `json:"alert_count"`
	LastAlertAt      time.Time  `json:"last_alert_at"`
	CooldownUntil    time.Time  `json:"cooldown_until"`
	SuppressedUntil  time.Time  `json:"suppressed_until"`
	EscalationLevel  int        `json:"escalation_level"`
	NextEscalationAt *time.Time `json:"next_escalation_at,omitempty"`
}

// MaintenanceWindow suppresses selected debounce kinds for a time range.
type MaintenanceWindow struct {
	ID             string    `json:"id" db:"id"`
	OrganisationID string    `json:"organisation_id" db:"organisation_id"`
	DestinationID  string    `json:"destination_id,omitempty" db:"destination_id"` // empty = all destinations
	StartsAt       time.Time `json:"starts_at" db:"starts_at"`
	EndsAt         time.Time `json:"ends_at" db:"ends_at"`
	Timezone       string    `json:"timezone" db:"timezone"`
	Kinds          []string  `json:"kinds" db:"kinds"`
	Reason         string    `json:"reason" db:"reason"`
	CreatedBy      string    `json:"created_by" db:"created_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Active reports whether the window covers the instant t. The stored bounds
// are absolute; Timezone is retained for display.
func (w *MaintenanceWindow) Active(t time.Time) bool {
	return !t.Before(w.StartsAt) && t.Before(w.EndsAt)
}

// Covers reports whether the window applies to the given kind and destination.
func (w *MaintenanceWindow) Covers(kind, destinationID string) bool {
	if w.DestinationID != "" && w.DestinationID != destinationID {
		return false
	}
	for _, k := range w.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// QueueStats is a point-in-time aggregate over the queue.
type QueueStats struct {
	Depth          int                 `json:"depth"` // pending only
	ByStatus       map[EntryStatus]int `json:"by_status"`
	OldestPending  *time.Time          `json:"oldest_pending,omitempty"`
	ByOrganisation map[string]int      `json:"by_organisation"`
}
