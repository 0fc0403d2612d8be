package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/DispatchForge/delivery_engine/handlers"
	"github.com/itskum47/DispatchForge/delivery_engine/health"
	"github.com/itskum47/DispatchForge/delivery_engine/observability"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

// Config holds the dispatch loop tunables. Zero values take the defaults.
type Config struct {
	MaxConcurrent      int           // worker slots, default 10
	ProcessingInterval time.Duration // driver tick, default 5s
	MaxRetries         int           // default ceiling when the entry carries none
	CircuitRetryDelay  time.Duration // backoff applied to circuit-open rejections
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.CircuitRetryDelay <= 0 {
		c.CircuitRetryDelay = 60 * time.Second
	}
	return c
}

// metadata keys accumulated on queue entries across attempts
const (
	metaLastError      = "last_error"
	metaAttemptHistory = "attempt_history"
	metaCrossReference = "cross_system_reference"
)

// Scheduler runs the driver loop: every tick it fills free worker slots with
// atomically dequeued entries and dispatches each on its own goroutine.
// Handler errors never escape a worker; dequeue errors skip the tick.
type Scheduler struct {
	cfg          Config
	queue        store.QueueStore
	destinations store.DestinationStore
	logs         store.LogStore
	registry     *handlers.Registry
	tracker      *health.Tracker
	policy       *RetryPolicy
	tracing      *observability.Tracing
	logger       *log.Logger
	now          func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	paused   bool
	running  bool

	stopCh   chan struct{}
	driverWG sync.WaitGroup
	workerWG sync.WaitGroup
}

func New(cfg Config, st store.Store, registry *handlers.Registry, tracker *health.Tracker, policy *RetryPolicy, tracing *observability.Tracing, logger *log.Logger) *Scheduler {
	if tracing == nil {
		tracing = observability.NewNoopTracing()
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return &Scheduler{
		cfg:          cfg.withDefaults(),
		queue:        st,
		destinations: st,
		logs:         st,
		registry:     registry,
		tracker:      tracker,
		policy:       policy,
		tracing:      tracing,
		logger:       logger,
		now:          time.Now,
		inFlight:     make(map[string]struct{}),
	}
}

// Start launches the driver loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Printf(`{"decision":"scheduler_start","max_concurrent":%d,"interval":%q}`,
		s.cfg.MaxConcurrent, s.cfg.ProcessingInterval)

	s.driverWG.Add(1)
	go s.run()
}

// Stop halts dequeue and waits for in-flight workers to drain. Callers bound
// the wait with the context.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.driverWG.Wait()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Printf(`{"decision":"scheduler_stop","drained":true}`)
		return nil
	case <-ctx.Done():
		s.logger.Printf(`{"decision":"scheduler_stop","drained":false}`)
		return fmt.Errorf("scheduler drain: %w", ctx.Err())
	}
}

// Pause stops dequeuing without stopping the driver; in-flight work finishes.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	observability.SchedulerDecisions.WithLabelValues("pause", "operator").Inc()
}

// Resume re-enables dequeuing.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	observability.SchedulerDecisions.WithLabelValues("resume", "operator").Inc()
}

func (s *Scheduler) run() {
	defer s.driverWG.Done()

	ticker := time.NewTicker(s.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			if _, err := s.ProcessOnce(context.Background()); err != nil {
				// keep the loop alive; the next tick retries
				s.logger.Printf("scheduler: tick failed: %v", err)
			}
			observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// ProcessOnce performs a single dispatch tick: dequeue up to the number of
// free slots and hand each entry to a worker. Returns how many entries were
// dispatched.
func (s *Scheduler) ProcessOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		observability.SchedulerDecisions.WithLabelValues("skip", "paused").Inc()
		return 0, nil
	}
	slots := s.cfg.MaxConcurrent - len(s.inFlight)
	s.mu.Unlock()

	if slots <= 0 {
		observability.SchedulerDecisions.WithLabelValues("skip", "saturated").Inc()
		return 0, nil
	}

	entries, err := s.queue.Dequeue(ctx, slots)
	if err != nil {
		observability.SchedulerDecisions.WithLabelValues("skip", "dequeue_error").Inc()
		return 0, fmt.Errorf("dequeue: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	for _, e := range entries {
		s.inFlight[e.ID] = struct{}{}
	}
	s.mu.Unlock()
	observability.SchedulerInFlight.Set(float64(s.inFlightCount()))

	for _, e := range entries {
		s.workerWG.Add(1)
		go s.dispatch(e)
	}
	observability.SchedulerDecisions.WithLabelValues("dispatch", "dequeued").Add(float64(len(entries)))
	return len(entries), nil
}

// QueueStatus reports a point-in-time aggregate of the queue plus the
// process-local in-flight count.
func (s *Scheduler) QueueStatus(ctx context.Context) (*store.QueueStats, int, error) {
	stats, err := s.queue.GetQueueStats(ctx)
	if err != nil {
		return nil, 0, err
	}
	return stats, s.inFlightCount(), nil
}

// CancelDelivery cancels all pending entries for a delivery. Entries already
// processing run to completion.
func (s *Scheduler) CancelDelivery(ctx context.Context, deliveryID string) (int, error) {
	n, err := s.queue.CancelByDeliveryID(ctx, deliveryID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Printf(`{"decision":"cancel_delivery","delivery_id":%q,"cancelled":%d}`, deliveryID, n)
	}
	return n, nil
}

func (s *Scheduler) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// dispatch runs the full worker sequence for one dequeued entry. All error
// paths settle the entry; nothing propagates.
func (s *Scheduler) dispatch(entry *store.QueueEntry) {
	defer s.workerWG.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, entry.ID)
		s.mu.Unlock()
		observability.SchedulerInFlight.Set(float64(s.inFlightCount()))
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("scheduler: worker panic for entry %s: %v\n%s", entry.ID, r, debug.Stack())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.settleFailure(ctx, entry, nil,
				handlers.NewDeliveryError(handlers.ErrFatal, 0, fmt.Errorf("worker panic: %v", r)))
		}
	}()

	ctx := context.Background()
	attempt := entry.RetryCount + 1

	dest, err := s.destinations.GetDestination(ctx, entry.OrganisationID, entry.DestinationID)
	if err != nil {
		s.settleFailure(ctx, entry, nil,
			handlers.NewDeliveryError(handlers.ErrDestinationNotFound, 0, fmt.Errorf("destination removed: %w", err)))
		return
	}

	if !s.tracker.Permit(ctx, dest.ID) {
		s.settleFailure(ctx, entry, dest,
			handlers.NewDeliveryError(handlers.ErrCircuitOpen, 0, fmt.Errorf("circuit open for destination %s", dest.ID)))
		return
	}

	handler, err := s.registry.Get(dest.Kind)
	if err != nil {
		s.settleFailure(ctx, entry, dest, err)
		return
	}

	payload := entry.Payload
	if payload.Metadata == nil {
		payload.Metadata = make(map[string]string)
	}
	payload.Metadata["queue_entry_id"] = entry.ID
	payload.Metadata["attempt"] = strconv.Itoa(attempt)
	payload.Metadata["scheduled_at"] = entry.ScheduledAt.UTC().Format(time.RFC3339)

	spanCtx, span := s.tracing.StartDispatchSpan(ctx, payload.DeliveryID, entry.ID, dest.ID, string(dest.Kind), attempt)
	start := s.now()
	result, err := handler.Deliver(spanCtx, &payload, dest)
	elapsed := s.now().Sub(start)
	span.End()

	observability.DeliveryDuration.WithLabelValues(string(dest.Kind)).Observe(elapsed.Seconds())

	if err != nil {
		s.tracker.RecordFailure(ctx, dest.ID, entry.OrganisationID, err.Error())
		s.settleFailure(ctx, entry, dest, err)
		return
	}

	s.tracker.RecordSuccess(ctx, dest.ID, entry.OrganisationID, result.ResponseTime)
	s.settleSuccess(ctx, entry, dest, result)
}

func (s *Scheduler) settleSuccess(ctx context.Context, entry *store.QueueEntry, dest *store.Destination, result *handlers.Result) {
	now := s.now()
	if err := s.queue.UpdateStatus(ctx, entry.ID, store.StatusCompleted, &now); err != nil {
		s.logger.Printf("scheduler: mark completed %s failed: %v", entry.ID, err)
	}

	meta := map[string]string{
		metaAttemptHistory: appendAttempt(entry.Metadata, entry.RetryCount+1, now, "delivered"),
	}
	if result.CrossSystemReference != "" {
		meta[metaCrossReference] = result.CrossSystemReference
	}
	if err := s.queue.UpdateMetadata(ctx, entry.ID, meta); err != nil {
		s.logger.Printf("scheduler: update metadata %s failed: %v", entry.ID, err)
	}

	s.writeLog(ctx, entry, &store.DeliveryLog{
		Status:               "delivered",
		Attempts:             entry.RetryCount + 1,
		CrossSystemReference: result.CrossSystemReference,
		DeliveredAt:          &now,
	})

	observability.DeliveryAttempts.WithLabelValues(entry.OrganisationID, string(dest.Kind), "success").Inc()
	observability.ProcessingTime.Observe(now.Sub(entry.CreatedAt).Seconds())

	s.logger.Printf(`{"decision":"delivered","delivery_id":%q,"entry_id":%q,"destination":%q,"attempt":%d}`,
		entry.Payload.DeliveryID, entry.ID, entry.DestinationID, entry.RetryCount+1)
}

// settleFailure applies the retry policy and moves the entry to its next
// state. dest may be nil when resolution itself failed.
func (s *Scheduler) settleFailure(ctx context.Context, entry *store.QueueEntry, dest *store.Destination, cause error) {
	now := s.now()
	kind := "unknown"
	if dest != nil {
		kind = string(dest.Kind)
	}
	circuitOpen := isCircuitOpen(cause)
	if circuitOpen {
		observability.DeliveryAttempts.WithLabelValues(entry.OrganisationID, kind, "circuit_open").Inc()
	} else {
		observability.DeliveryAttempts.WithLabelValues(entry.OrganisationID, kind, "failure").Inc()
	}

	retryable := s.policy.ShouldRetry(cause)
	// zero is an explicit single-attempt budget; only a negative value
	// defers to the configured default
	maxRetries := entry.MaxRetries
	if maxRetries < 0 {
		maxRetries = s.cfg.MaxRetries
	}

	if retryable && entry.RetryCount < maxRetries {
		backoff := s.policy.BackoffFor(entry.RetryCount + 1)
		if circuitOpen {
			// no point probing before the breaker's recovery window
			backoff = s.cfg.CircuitRetryDelay
		}
		nextRetry := now.Add(backoff)
		if err := s.queue.ScheduleRetry(ctx, entry.ID, nextRetry, entry.RetryCount+1); err != nil {
			s.logger.Printf("scheduler: schedule retry %s failed: %v", entry.ID, err)
		}
		if err := s.queue.UpdateMetadata(ctx, entry.ID, map[string]string{
			metaLastError:      cause.Error(),
			metaAttemptHistory: appendAttempt(entry.Metadata, entry.RetryCount+1, now, "retrying"),
		}); err != nil {
			s.logger.Printf("scheduler: update metadata %s failed: %v", entry.ID, err)
		}

		s.writeLog(ctx, entry, &store.DeliveryLog{
			Status:        "retrying",
			Attempts:      entry.RetryCount + 1,
			FailureReason: cause.Error(),
		})

		observability.RetryAttempts.WithLabelValues(kind).Inc()
		s.logger.Printf(`{"decision":"retry_scheduled","entry_id":%q,"attempt":%d,"next_retry_at":%q,"error":%q}`,
			entry.ID, entry.RetryCount+1, nextRetry.UTC().Format(time.RFC3339), cause.Error())
		return
	}

	if err := s.queue.UpdateStatus(ctx, entry.ID, store.StatusFailed, &now); err != nil {
		s.logger.Printf("scheduler: mark failed %s failed: %v", entry.ID, err)
	}
	if err := s.queue.UpdateMetadata(ctx, entry.ID, map[string]string{
		metaLastError:      cause.Error(),
		metaAttemptHistory: appendAttempt(entry.Metadata, entry.RetryCount+1, now, "failed"),
	}); err != nil {
		s.logger.Printf("scheduler: update metadata %s failed: %v", entry.ID, err)
	}

	s.writeLog(ctx, entry, &store.DeliveryLog{
		Status:        "failed",
		Attempts:      entry.RetryCount + 1,
		FailureReason: cause.Error(),
	})

	s.logger.Printf(`{"decision":"delivery_failed","delivery_id":%q,"entry_id":%q,"attempt":%d,"error":%q}`,
		entry.Payload.DeliveryID, entry.ID, entry.RetryCount+1, cause.Error())
}

// writeLog upserts the per-destination delivery log row, filling in the
// identity fields from the entry.
func (s *Scheduler) writeLog(ctx context.Context, entry *store.QueueEntry, l *store.DeliveryLog) {
	l.ID = uuid.NewString()
	l.DeliveryID = entry.Payload.DeliveryID
	l.OrganisationID = entry.OrganisationID
	l.DestinationID = entry.DestinationID
	l.QueueEntryID = entry.ID
	if err := s.logs.UpsertDeliveryLog(ctx, l); err != nil {
		s.logger.Printf("scheduler: write delivery log %s failed: %v", l.DeliveryID, err)
	}
}

// appendAttempt extends the semicolon-separated attempt history string.
func appendAttempt(meta map[string]string, attempt int, at time.Time, outcome string) string {
	record := fmt.Sprintf("%d@%s=%s", attempt, at.UTC().Format(time.RFC3339), outcome)
	if prev, ok := meta[metaAttemptHistory]; ok && prev != "" {
		return prev + ";" + record
	}
	return record
}

func isCircuitOpen(err error) bool {
	var de *handlers.DeliveryError
	return errors.As(err, &de) && de.Kind == handlers.ErrCircuitOpen
}
