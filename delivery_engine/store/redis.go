package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/DispatchForge/delivery_engine/observability"
)

// RedisStore holds the fast-path state: idempotency reservations and alert
// debounce state. Durable rows stay in Postgres; everything here must be
// reconstructible from the primary store.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- Idempotency Operations ---

// ReserveIdempotencyKey atomically claims (destinationID, key) and records
// the owning delivery id. Returns the existing owner and false when the key
// was already claimed.
func (s *RedisStore) ReserveIdempotencyKey(ctx context.Context, destinationID, key, deliveryID string, ttl time.Duration) (string, bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	redisKey := RedisKey(ResourceIdempotency, IdempotencyKey(destinationID, key))
	ok, err := s.client.SetNX(ctx, redisKey, deliveryID, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		observability.IdempotencyReservations.Inc()
		return deliveryID, true, nil
	}

	existing, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// Reservation expired between SetNX and Get; caller retries
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// ReleaseIdempotencyKey drops a reservation, used when the enqueue that
// claimed it failed before the row was written.
func (s *RedisStore) ReleaseIdempotencyKey(ctx context.Context, destinationID, key string) error {
	redisKey := RedisKey(ResourceIdempotency, IdempotencyKey(destinationID, key))
	return s.client.Del(ctx, redisKey).Err()
}

// --- Debounce Operations ---

func (s *RedisStore) GetDebounceState(ctx context.Context, key string) (*DebounceState, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := s.client.Get(ctx, RedisKey(ResourceDebounce, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var state DebounceState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisStore) PutDebounceState(ctx context.Context, state *DebounceState, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, RedisKey(ResourceDebounce, state.Key), data, ttl).Err()
}

func (s *RedisStore) DeleteDebounceState(ctx context.Context, key string) error {
	return s.client.Del(ctx, RedisKey(ResourceDebounce, key)).Err()
}
