package scheduler

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/handlers"
)

// RetryPolicy decides whether a failed attempt is worth retrying and how
// long to wait before the next one. It is a pure function over the error
// classification and attempt number; it never inspects error strings.
type RetryPolicy struct {
	BaseDelay  time.Duration // default 1s
	Multiplier float64       // default 2
	Cap        time.Duration // default 5m
	JitterPct  float64       // default 0.10; 0 disables jitter

	mu   sync.Mutex
	rand *rand.Rand
}

func NewRetryPolicy(base time.Duration, multiplier float64, cap time.Duration, jitterPct float64) *RetryPolicy {
	if base <= 0 {
		base = time.Second
	}
	if multiplier <= 1 {
		multiplier = 2
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	return &RetryPolicy{
		BaseDelay:  base,
		Multiplier: multiplier,
		Cap:        cap,
		JitterPct:  jitterPct,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(time.Second, 2, 5*time.Minute, 0.10)
}

// ShouldRetry reports whether the error kind permits another attempt.
// Attempt exhaustion is the scheduler's concern, not the policy's.
func (p *RetryPolicy) ShouldRetry(err error) bool {
	var de *handlers.DeliveryError
	if !errors.As(err, &de) {
		// unclassified errors are treated as transient
		return true
	}
	switch de.Kind {
	case handlers.ErrInvalidConfig,
		handlers.ErrAuthenticationFailed,
		handlers.ErrAuthorizationDenied,
		handlers.ErrInvalidPayload,
		handlers.ErrDestinationNotFound,
		handlers.ErrFatal:
		return false
	case handlers.ErrTransient, handlers.ErrCircuitOpen:
		return true
	}
	return true
}

// BackoffFor returns the delay before attempt n (1-based), with jitter.
// delay(n) = min(cap, base * multiplier^(n-1)), scaled by (1 ± jitterPct).
func (p *RetryPolicy) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.JitterPct > 0 {
		p.mu.Lock()
		factor := 1 + (p.rand.Float64()*2-1)*p.JitterPct
		p.mu.Unlock()
		d *= factor
	}
	return time.Duration(d)
}
