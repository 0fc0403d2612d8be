package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/handlers"
)

func TestShouldRetryByErrorKind(t *testing.T) {
	p := DefaultRetryPolicy()

	cases := []struct {
		kind handlers.ErrorKind
		want bool
	}{
		{handlers.ErrInvalidConfig, false},
		{handlers.ErrAuthenticationFailed, false},
		{handlers.ErrAuthorizationDenied, false},
		{handlers.ErrInvalidPayload, false},
		{handlers.ErrDestinationNotFound, false},
		{handlers.ErrFatal, false},
		{handlers.ErrTransient, true},
		{handlers.ErrCircuitOpen, true},
	}
	for _, tc := range cases {
		err := handlers.NewDeliveryError(tc.kind, 0, errors.New("boom"))
		if got := p.ShouldRetry(err); got != tc.want {
			t.Errorf("ShouldRetry(%s) = %t, want %t", tc.kind, got, tc.want)
		}
	}
}

func TestShouldRetryUnclassifiedErrors(t *testing.T) {
	p := DefaultRetryPolicy()
	if !p.ShouldRetry(errors.New("connection reset by peer")) {
		t.Error("unclassified errors must be treated as transient")
	}
}

func TestShouldRetrySeesWrappedDeliveryErrors(t *testing.T) {
	p := DefaultRetryPolicy()
	inner := handlers.NewDeliveryError(handlers.ErrInvalidPayload, 422, errors.New("rejected"))
	wrapped := errors.Join(errors.New("attempt 2"), inner)
	if p.ShouldRetry(wrapped) {
		t.Error("wrapped InvalidPayload must not be retried")
	}
}

func TestBackoffGrowsExponentiallyWithoutJitter(t *testing.T) {
	p := NewRetryPolicy(time.Second, 2, 5*time.Minute, 0)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, expected := range want {
		if got := p.BackoffFor(i + 1); got != expected {
			t.Errorf("BackoffFor(%d) = %s, want %s", i+1, got, expected)
		}
	}
}

func TestBackoffCapsAtConfiguredCeiling(t *testing.T) {
	p := NewRetryPolicy(time.Second, 2, 5*time.Minute, 0)
	if got := p.BackoffFor(30); got != 5*time.Minute {
		t.Errorf("BackoffFor(30) = %s, want the 5m cap", got)
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	p := NewRetryPolicy(time.Second, 2, 5*time.Minute, 0.10)

	min := time.Duration(float64(4*time.Second) * 0.9)
	max := time.Duration(float64(4*time.Second) * 1.1)
	for i := 0; i < 500; i++ {
		got := p.BackoffFor(3)
		if got < min || got > max {
			t.Fatalf("BackoffFor(3) = %s outside [%s, %s]", got, min, max)
		}
	}
}

func TestBackoffClampsAttemptFloor(t *testing.T) {
	p := NewRetryPolicy(time.Second, 2, 5*time.Minute, 0)
	if got := p.BackoffFor(0); got != time.Second {
		t.Errorf("BackoffFor(0) = %s, want base delay", got)
	}
}
