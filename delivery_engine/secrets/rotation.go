package secrets

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/observability"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

// Rotator replaces webhook signing secrets past their rotation interval.
// The outgoing secret is retained as PreviousSecret so receivers verifying
// with the old key keep working through the grace window.
type Rotator struct {
	interval time.Duration
	secrets  store.SecretStore
	logger   *log.Logger
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewRotator(interval time.Duration, secretStore store.SecretStore, logger *log.Logger) *Rotator {
	if interval <= 0 {
		interval = 30 * 24 * time.Hour
	}
	return &Rotator{
		interval: interval,
		secrets:  secretStore,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the rotation loop; it checks hourly for due secrets.
func (r *Rotator) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, err := r.RotateDue(ctx); err != nil {
					r.logger.Printf("secrets: rotation pass failed: %v", err)
				}
				cancel()
			}
		}
	}()
}

func (r *Rotator) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// RotateDue rotates every secret whose last rotation is older than the
// interval, returning how many were rotated.
func (r *Rotator) RotateDue(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.interval)
	due, err := r.secrets.ListSecretsRotatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	rotated := 0
	for _, sec := range due {
		if err := r.Rotate(ctx, sec.DestinationID); err != nil {
			r.logger.Printf("secrets: rotate %s failed: %v", sec.DestinationID, err)
			continue
		}
		rotated++
	}
	return rotated, nil
}

// Rotate replaces the secret for one destination immediately.
func (r *Rotator) Rotate(ctx context.Context, destinationID string) error {
	current, err := r.secrets.GetWebhookSecret(ctx, destinationID)
	if err != nil {
		return err
	}

	next, err := GenerateSecret()
	if err != nil {
		return err
	}

	if err := r.secrets.PutWebhookSecret(ctx, &store.WebhookSecret{
		DestinationID:  destinationID,
		Secret:         next,
		PreviousSecret: current.Secret,
		RotatedAt:      r.now(),
		CreatedAt:      current.CreatedAt,
	}); err != nil {
		return err
	}

	observability.SecretRotations.Inc()
	r.logger.Printf(`{"decision":"secret_rotated","destination":%q}`, destinationID)
	return nil
}
