package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	if maxConns <= 0 {
		maxConns = 20
	}
	config.MaxConns = maxConns
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Queue Operations ---

const entryColumns = `id, organisation_id, destination_id, priority, scheduled_at, next_retry_at,
	status, retry_count, max_retries, payload, correlation_id, idempotency_key, metadata,
	created_at, updated_at, processed_at`

func scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	var payload, metadata []byte
	err := row.Scan(
		&e.ID, &e.OrganisationID, &e.DestinationID, &e.Priority, &e.ScheduledAt, &e.NextRetryAt,
		&e.Status, &e.RetryCount, &e.MaxRetries, &payload, &e.CorrelationID, &e.IdempotencyKey,
		&metadata, &e.CreatedAt, &e.UpdatedAt, &e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, entry *QueueEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO delivery_queue
			(id, organisation_id, destination_id, priority, scheduled_at, next_retry_at,
			 status, retry_count, max_retries, payload, correlation_id, idempotency_key, metadata,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`
	_, err = s.pool.Exec(ctx, query,
		entry.ID, entry.OrganisationID, entry.DestinationID, entry.Priority, entry.ScheduledAt,
		entry.NextRetryAt, entry.Status, entry.RetryCount, entry.MaxRetries, payload,
		entry.CorrelationID, entry.IdempotencyKey, metadata,
	)
	if err != nil {
		// 23505: unique violation on (destination_id, idempotency_key)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEnqueue
		}
		return err
	}
	return nil
}

// Dequeue atomically claims up to limit due pending entries. The SKIP LOCKED
// clause guarantees a second dequeuer cannot observe rows claimed here.
func (s *PostgresStore) Dequeue(ctx context.Context, limit int) ([]*QueueEntry, error) {
	query := `
		UPDATE delivery_queue SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM delivery_queue
			WHERE status = 'pending'
			  AND scheduled_at <= NOW()
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status EntryStatus, processedAt *time.Time) error {
	query := `UPDATE delivery_queue SET status = $2, processed_at = COALESCE($3, processed_at), updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, status, processedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, retryCount int) error {
	query := `
		UPDATE delivery_queue
		SET status = 'pending', next_retry_at = $2, retry_count = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	tag, err := s.pool.Exec(ctx, query, id, nextRetryAt, retryCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	patch, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	query := `UPDATE delivery_queue SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = NOW() WHERE id = $1`
	_, err = s.pool.Exec(ctx, query, id, patch)
	return err
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM delivery_queue WHERE id = $1`
	e, err := scanEntry(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) FindByDeliveryID(ctx context.Context, deliveryID string) ([]*QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM delivery_queue WHERE payload->>'delivery_id' = $1`
	return s.queryEntries(ctx, query, deliveryID)
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, destinationID, key string) (*QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM delivery_queue WHERE destination_id = $1 AND idempotency_key = $2`
	e, err := scanEntry(s.pool.QueryRow(ctx, query, destinationID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) FindByStatus(ctx context.Context, status EntryStatus, organisationID string, limit int) ([]*QueueEntry, error) {
	if organisationID != "" {
		query := `SELECT ` + entryColumns + ` FROM delivery_queue WHERE status = $1 AND organisation_id = $2 ORDER BY created_at DESC LIMIT $3`
		return s.queryEntries(ctx, query, status, organisationID, limit)
	}
	query := `SELECT ` + entryColumns + ` FROM delivery_queue WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
	return s.queryEntries(ctx, query, status, limit)
}

func (s *PostgresStore) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*QueueEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) CancelByDeliveryID(ctx context.Context, deliveryID string) (int, error) {
	query := `
		UPDATE delivery_queue SET status = 'cancelled', updated_at = NOW()
		WHERE payload->>'delivery_id' = $1 AND status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, deliveryID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ReleaseStuck(ctx context.Context, olderThan time.Time) (int, error) {
	// retry_count is intentionally untouched: a stuck reset is not an attempt
	query := `
		UPDATE delivery_queue
		SET status = 'pending', next_retry_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteByStatusAndAge(ctx context.Context, status EntryStatus, cutoff time.Time) (int, error) {
	query := `DELETE FROM delivery_queue WHERE status = $1 AND COALESCE(processed_at, updated_at) < $2`
	tag, err := s.pool.Exec(ctx, query, status, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		ByStatus:       make(map[EntryStatus]int),
		ByOrganisation: make(map[string]int),
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM delivery_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status EntryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
	}
	stats.Depth = stats.ByStatus[StatusPending]

	var oldest *time.Time
	err = s.pool.QueryRow(ctx, `SELECT MIN(scheduled_at) FROM delivery_queue WHERE status = 'pending'`).Scan(&oldest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	stats.OldestPending = oldest

	byOrg, err := s.GetDepthByOrganisation(ctx)
	if err != nil {
		return nil, err
	}
	stats.ByOrganisation = byOrg

	return stats, nil
}

func (s *PostgresStore) GetRecentProcessed(ctx context.Context, limit int) ([]*QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM delivery_queue WHERE processed_at IS NOT NULL ORDER BY processed_at DESC LIMIT $1`
	return s.queryEntries(ctx, query, limit)
}

func (s *PostgresStore) GetOldestPending(ctx context.Context) (*QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM delivery_queue WHERE status = 'pending' ORDER BY scheduled_at ASC LIMIT 1`
	e, err := scanEntry(s.pool.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) GetDepthByOrganisation(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT organisation_id, COUNT(*) FROM delivery_queue WHERE status = 'pending' GROUP BY organisation_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var org string
		var count int
		if err := rows.Scan(&org, &count); err != nil {
			return nil, err
		}
		out[org] = count
	}
	return out, rows.Err()
}

// --- Destination Operations ---

const destColumns = `id, organisation_id, kind, label, config, disabled, disabled_at, disabled_by,
	disabled_reason, usage_count, created_at, updated_at`

func scanDestination(row pgx.Row) (*Destination, error) {
	var d Destination
	err := row.Scan(
		&d.ID, &d.OrganisationID, &d.Kind, &d.Label, &d.Config, &d.Disabled, &d.DisabledAt,
		&d.DisabledBy, &d.DisabledReason, &d.UsageCount, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) CreateDestination(ctx context.Context, d *Destination) error {
	query := `
		INSERT INTO delivery_destinations
			(id, organisation_id, kind, label, config, disabled, usage_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW(), NOW())
	`
	_, err := s.pool.Exec(ctx, query, d.ID, d.OrganisationID, d.Kind, d.Label, d.Config, d.Disabled)
	return err
}

func (s *PostgresStore) UpdateDestination(ctx context.Context, d *Destination) error {
	// organisation_id is immutable: it is a filter, never a SET target
	query := `
		UPDATE delivery_destinations
		SET kind = $3, label = $4, config = $5, updated_at = NOW()
		WHERE id = $1 AND organisation_id = $2
	`
	tag, err := s.pool.Exec(ctx, query, d.ID, d.OrganisationID, d.Kind, d.Label, d.Config)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDestination(ctx context.Context, organisationID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM delivery_destinations WHERE id = $1 AND organisation_id = $2`, id, organisationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetDestination(ctx context.Context, organisationID, id string) (*Destination, error) {
	var row pgx.Row
	if organisationID == "" {
		row = s.pool.QueryRow(ctx, `SELECT `+destColumns+` FROM delivery_destinations WHERE id = $1`, id)
	} else {
		row = s.pool.QueryRow(ctx, `SELECT `+destColumns+` FROM delivery_destinations WHERE id = $1 AND organisation_id = $2`, id, organisationID)
	}
	d, err := scanDestination(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *PostgresStore) ListDestinations(ctx context.Context, organisationID string) ([]*Destination, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+destColumns+` FROM delivery_destinations WHERE organisation_id = $1 ORDER BY created_at`, organisationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE delivery_destinations SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) SetDisabled(ctx context.Context, organisationID, id string, disabled bool, actor, reason string) error {
	var query string
	var tag pgconn.CommandTag
	var err error
	if disabled {
		query = `
			UPDATE delivery_destinations
			SET disabled = TRUE, disabled_at = NOW(), disabled_by = $3, disabled_reason = $4, updated_at = NOW()
			WHERE id = $1 AND organisation_id = $2
		`
		tag, err = s.pool.Exec(ctx, query, id, organisationID, actor, reason)
	} else {
		query = `
			UPDATE delivery_destinations
			SET disabled = FALSE, disabled_at = NULL, disabled_by = '', disabled_reason = '', updated_at = NOW()
			WHERE id = $1 AND organisation_id = $2
		`
		tag, err = s.pool.Exec(ctx, query, id, organisationID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Health Operations ---

func (s *PostgresStore) UpsertHealth(ctx context.Context, h *DestinationHealth) error {
	metadata, err := json.Marshal(h.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO destination_health
			(destination_id, organisation_id, consecutive_failures, total_failures, total_deliveries,
			 avg_response_millis, last_success_at, last_failure_at, status, circuit_state,
			 circuit_opened_at, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (destination_id) DO UPDATE SET
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_failures = EXCLUDED.total_failures,
			total_deliveries = EXCLUDED.total_deliveries,
			avg_response_millis = EXCLUDED.avg_response_millis,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at,
			status = EXCLUDED.status,
			circuit_state = EXCLUDED.circuit_state,
			circuit_opened_at = EXCLUDED.circuit_opened_at,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query,
		h.DestinationID, h.OrganisationID, h.ConsecutiveFailures, h.TotalFailures, h.TotalDeliveries,
		h.AvgResponseMillis, h.LastSuccessAt, h.LastFailureAt, h.Status, h.CircuitState,
		h.CircuitOpenedAt, metadata,
	)
	return err
}

const healthColumns = `destination_id, organisation_id, consecutive_failures, total_failures,
	total_deliveries, avg_response_millis, last_success_at, last_failure_at, status,
	circuit_state, circuit_opened_at, metadata, updated_at`

func scanHealth(row pgx.Row) (*DestinationHealth, error) {
	var h DestinationHealth
	var metadata []byte
	err := row.Scan(
		&h.DestinationID, &h.OrganisationID, &h.ConsecutiveFailures, &h.TotalFailures,
		&h.TotalDeliveries, &h.AvgResponseMillis, &h.LastSuccessAt, &h.LastFailureAt, &h.Status,
		&h.CircuitState, &h.CircuitOpenedAt, &metadata, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &h.Metadata); err != nil {
			return nil, err
		}
	}
	return &h, nil
}

func (s *PostgresStore) GetHealth(ctx context.Context, destinationID string) (*DestinationHealth, error) {
	h, err := scanHealth(s.pool.QueryRow(ctx, `SELECT `+healthColumns+` FROM destination_health WHERE destination_id = $1`, destinationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

func (s *PostgresStore) ListHealth(ctx context.Context, organisationID string) ([]*DestinationHealth, error) {
	var rows pgx.Rows
	var err error
	if organisationID == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+healthColumns+` FROM destination_health`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+healthColumns+` FROM destination_health WHERE organisation_id = $1`, organisationID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DestinationHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Delivery Log Operations ---

func (s *PostgresStore) UpsertDeliveryLog(ctx context.Context, l *DeliveryLog) error {
	query := `
		INSERT INTO delivery_logs
			(id, delivery_id, organisation_id, destination_id, queue_entry_id, status, attempts,
			 cross_system_reference, failure_reason, delivered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (delivery_id, destination_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			cross_system_reference = EXCLUDED.cross_system_reference,
			failure_reason = EXCLUDED.failure_reason,
			delivered_at = EXCLUDED.delivered_at,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		l.ID, l.DeliveryID, l.OrganisationID, l.DestinationID, l.QueueEntryID, l.Status,
		l.Attempts, l.CrossSystemReference, l.FailureReason, l.DeliveredAt,
	)
	return err
}

func (s *PostgresStore) ListDeliveryLogs(ctx context.Context, deliveryID string) ([]*DeliveryLog, error) {
	query := `
		SELECT id, delivery_id, organisation_id, destination_id, queue_entry_id, status, attempts,
		       cross_system_reference, failure_reason, delivered_at, created_at, updated_at
		FROM delivery_logs WHERE delivery_id = $1
	`
	rows, err := s.pool.Query(ctx, query, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeliveryLog
	for rows.Next() {
		var l DeliveryLog
		if err := rows.Scan(
			&l.ID, &l.DeliveryID, &l.OrganisationID, &l.DestinationID, &l.QueueEntryID, &l.Status,
			&l.Attempts, &l.CrossSystemReference, &l.FailureReason, &l.DeliveredAt, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// --- Secret Operations ---

func (s *PostgresStore) GetWebhookSecret(ctx context.Context, destinationID string) (*WebhookSecret, error) {
	var sec WebhookSecret
	err := s.pool.QueryRow(ctx,
		`SELECT destination_id, secret, previous_secret, rotated_at, created_at FROM webhook_secrets WHERE destination_id = $1`,
		destinationID,
	).Scan(&sec.DestinationID, &sec.Secret, &sec.PreviousSecret, &sec.RotatedAt, &sec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

func (s *PostgresStore) PutWebhookSecret(ctx context.Context, sec *WebhookSecret) error {
	query := `
		INSERT INTO webhook_secrets (destination_id, secret, previous_secret, rotated_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (destination_id) DO UPDATE SET
			secret = EXCLUDED.secret,
			previous_secret = EXCLUDED.previous_secret,
			rotated_at = EXCLUDED.rotated_at
	`
	_, err := s.pool.Exec(ctx, query, sec.DestinationID, sec.Secret, sec.PreviousSecret, sec.RotatedAt)
	return err
}

func (s *PostgresStore) ListSecretsRotatedBefore(ctx context.Context, cutoff time.Time) ([]*WebhookSecret, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT destination_id, secret, previous_secret, rotated_at, created_at FROM webhook_secrets WHERE rotated_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookSecret
	for rows.Next() {
		var sec WebhookSecret
		if err := rows.Scan(&sec.DestinationID, &sec.Secret, &sec.PreviousSecret, &sec.RotatedAt, &sec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sec)
	}
	return out, rows.Err()
}

// --- Download Link Operations ---

func (s *PostgresStore) CreateDownloadLink(ctx context.Context, l *DownloadLink) error {
	query := `
		INSERT INTO download_links (id, organisation_id, delivery_id, token, signature, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := s.pool.Exec(ctx, query, l.ID, l.OrganisationID, l.DeliveryID, l.Token, l.Signature, l.ExpiresAt)
	return err
}

func (s *PostgresStore) GetDownloadLink(ctx context.Context, token string) (*DownloadLink, error) {
	var l DownloadLink
	err := s.pool.QueryRow(ctx,
		`SELECT id, organisation_id, delivery_id, token, signature, expires_at, downloaded_at, created_at FROM download_links WHERE token = $1`,
		token,
	).Scan(&l.ID, &l.OrganisationID, &l.DeliveryID, &l.Token, &l.Signature, &l.ExpiresAt, &l.DownloadedAt, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) MarkDownloaded(ctx context.Context, token string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE download_links SET downloaded_at = $2 WHERE token = $1`, token, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredLinks(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM download_links WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Maintenance Window Operations ---

func (s *PostgresStore) CreateMaintenanceWindow(ctx context.Context, w *MaintenanceWindow) error {
	kinds, err := json.Marshal(w.Kinds)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO maintenance_windows
			(id, organisation_id, destination_id, starts_at, ends_at, timezone, kinds, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err = s.pool.Exec(ctx, query,
		w.ID, w.OrganisationID, w.DestinationID, w.StartsAt, w.EndsAt, w.Timezone, kinds, w.Reason, w.CreatedBy,
	)
	return err
}

func (s *PostgresStore) DeleteMaintenanceWindow(ctx context.Context, organisationID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM maintenance_windows WHERE id = $1 AND organisation_id = $2`, id, organisationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const windowColumns = `id, organisation_id, destination_id, starts_at, ends_at, timezone, kinds, reason, created_by, created_at`

func scanWindow(row pgx.Row) (*MaintenanceWindow, error) {
	var w MaintenanceWindow
	var kinds []byte
	err := row.Scan(&w.ID, &w.OrganisationID, &w.DestinationID, &w.StartsAt, &w.EndsAt, &w.Timezone, &kinds, &w.Reason, &w.CreatedBy, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(kinds) > 0 {
		if err := json.Unmarshal(kinds, &w.Kinds); err != nil {
			return nil, err
		}
	}
	return &w, nil
}

func (s *PostgresStore) ListMaintenanceWindows(ctx context.Context, organisationID string) ([]*MaintenanceWindow, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+windowColumns+` FROM maintenance_windows WHERE organisation_id = $1`, organisationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MaintenanceWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveMaintenanceWindows(ctx context.Context, at time.Time) ([]*MaintenanceWindow, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+windowColumns+` FROM maintenance_windows WHERE starts_at <= $1 AND ends_at > $1`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MaintenanceWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
