package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

// ErrorKind classifies a delivery failure. The scheduler's retry policy and
// the health tracker key their decisions off this, never off error strings.
type ErrorKind string

const (
	ErrInvalidConfig        ErrorKind = "InvalidConfig"
	ErrAuthenticationFailed ErrorKind = "AuthenticationFailed"
	ErrAuthorizationDenied  ErrorKind = "AuthorizationDenied"
	ErrInvalidPayload       ErrorKind = "InvalidPayload"
	ErrDestinationNotFound  ErrorKind = "DestinationNotFound"
	ErrTransient            ErrorKind = "Transient"
	ErrCircuitOpen          ErrorKind = "CircuitOpen"
	ErrFatal                ErrorKind = "Fatal"
)

// DeliveryError wraps a handler failure with its classification. StatusCode
// is zero for non-HTTP transports.
type DeliveryError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NewDeliveryError builds a classified delivery error.
func NewDeliveryError(kind ErrorKind, statusCode int, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, StatusCode: statusCode, Err: err}
}

// ClassifyStatus maps an HTTP response status to an error kind. Statuses in
// the retryable set become Transient; other 4xx are payload rejections.
func ClassifyStatus(status int) ErrorKind {
	switch status {
	case 401:
		return ErrAuthenticationFailed
	case 403:
		return ErrAuthorizationDenied
	case 404, 410:
		return ErrDestinationNotFound
	case 408, 429:
		return ErrTransient
	}
	if status >= 500 {
		return ErrTransient
	}
	if status >= 400 {
		return ErrInvalidPayload
	}
	return ErrFatal
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Success              bool          `json:"success"`
	DeliveredAt          time.Time     `json:"delivered_at"`
	ResponseTime         time.Duration `json:"response_time"`
	StatusCode           int           `json:"status_code,omitempty"`
	CrossSystemReference string        `json:"cross_system_reference,omitempty"`
}

// ValidationResult reports config validation outcome; warnings do not block.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ConnectionResult is the outcome of a destination connectivity probe.
type ConnectionResult struct {
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Handler delivers payloads to one destination kind. Deliver never panics
// through to the caller and never makes retry decisions; it reports what
// happened as a Result or a classified *DeliveryError.
type Handler interface {
	Kind() store.DestinationKind
	Deliver(ctx context.Context, payload *store.Payload, dest *store.Destination) (*Result, error)
	ValidateConfig(config []byte) *ValidationResult
	TestConnection(ctx context.Context, config []byte) *ConnectionResult
}

// Registry maps destination kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[store.DestinationKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[store.DestinationKind]Handler)}
}

// Register installs a handler, replacing any previous one for the kind.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Get returns the handler for a kind, or an InvalidConfig error when no
// handler is installed.
func (r *Registry) Get(kind store.DestinationKind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, fmt.Errorf("no handler registered for kind %q", kind))
	}
	return h, nil
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []store.DestinationKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]store.DestinationKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
