package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceDebounce    Resource = "debounce"
	ResourceIdempotency Resource = "idempotency"
)

// RedisKey constructs a fully qualified Redis key.
// Format: dispatchforge:{resource}:{id}
func RedisKey(resource Resource, id string) string {
	return fmt.Sprintf("dispatchforge:%s:%s", resource, id)
}

// DebounceKey builds the canonical debounce state key for one
// (kind, destination, organisation) triple.
func DebounceKey(kind, destinationID, organisationID string) string {
	return fmt.Sprintf("%s:%s:%s", kind, destinationID, organisationID)
}

// IdempotencyKey builds the reservation key for one (destination, caller key) pair.
func IdempotencyKey(destinationID, key string) string {
	return fmt.Sprintf("%s:%s", destinationID, key)
}
