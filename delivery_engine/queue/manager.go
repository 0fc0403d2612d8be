package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/alerting"
	"github.com/itskum47/DispatchForge/delivery_engine/observability"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

// Thresholds are the alerting trip points. Zero disables a check.
type Thresholds struct {
	QueueDepth     int           // pending entries
	OldestAge      time.Duration // oldest pending entry age
	ProcessingTime time.Duration // average enqueue-to-terminal time
	FailureRate    float64       // fraction of recent terminal entries failed, 0..1
}

// Config holds the manager's loop timings and retention policy.
type Config struct {
	SampleInterval  time.Duration // default 30s
	CleanupInterval time.Duration // default 1h
	StuckAfter      time.Duration // processing entries older than this reset, default 5m
	SweepInterval   time.Duration // stuck sweep cadence, default 1m

	CompletedRetention time.Duration // default 24h
	FailedRetention    time.Duration // default 7d
	CancelledRetention time.Duration // default 24h

	RecentSample int // terminal entries examined for rates, default 200

	Thresholds Thresholds
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 24 * time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 7 * 24 * time.Hour
	}
	if c.CancelledRetention <= 0 {
		c.CancelledRetention = 24 * time.Hour
	}
	if c.RecentSample <= 0 {
		c.RecentSample = 200
	}
	return c
}

// RateWindows holds entries-per-minute processing rates over trailing
// windows, derived from the recent terminal sample.
type RateWindows struct {
	M5  float64 `json:"5m"`
	M15 float64 `json:"15m"`
	M60 float64 `json:"60m"`
}

// Sample is one sampling pass over the queue, kept for dashboard reads.
type Sample struct {
	At             time.Time                 `json:"at"`
	Depth          int                       `json:"depth"`
	ByStatus       map[store.EntryStatus]int `json:"by_status"`
	ByOrganisation map[string]int            `json:"by_organisation"`
	OldestPending  *time.Time                `json:"oldest_pending,omitempty"`
	AvgProcessing  time.Duration             `json:"avg_processing"`
	FailureRate    float64                   `json:"failure_rate"`
	Rates          RateWindows               `json:"rates"`
	OrgAvgWait     map[string]time.Duration  `json:"org_avg_wait,omitempty"`
}

// Manager owns the periodic queue maintenance: metrics sampling, retention
// cleanup, the stuck-item sweep and threshold alerting. It runs three
// independent tickers so a slow cleanup never delays sampling.
type Manager struct {
	cfg       Config
	queue     store.QueueStore
	links     store.DownloadLinkStore
	debouncer *alerting.Debouncer
	logger    *log.Logger
	now       func() time.Time

	mu     sync.RWMutex
	latest *Sample

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager wires the maintenance loops. links may be nil when the download
// kind is not configured; the expired-link sweep is skipped then.
func NewManager(cfg Config, queueStore store.QueueStore, links store.DownloadLinkStore, debouncer *alerting.Debouncer, logger *log.Logger) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		queue:     queueStore,
		links:     links,
		debouncer: debouncer,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sampling, cleanup and sweep loops.
func (m *Manager) Start() {
	m.wg.Add(3)
	go m.loop(m.cfg.SampleInterval, m.sampleTick)
	go m.loop(m.cfg.CleanupInterval, m.cleanupTick)
	go m.loop(m.cfg.SweepInterval, m.sweepTick)
}

// Stop halts all loops and waits for the in-progress ticks to finish.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Latest returns the most recent sample, or nil before the first pass.
func (m *Manager) Latest() *Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Manager) loop(interval time.Duration, tick func(ctx context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			tick(ctx)
			cancel()
		}
	}
}

// SampleNow performs one sampling pass immediately; exposed for the API and
// tests.
func (m *Manager) SampleNow(ctx context.Context) (*Sample, error) {
	stats, err := m.queue.GetQueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	now := m.now()
	sample := &Sample{
		At:             now,
		Depth:          stats.Depth,
		ByStatus:       stats.ByStatus,
		ByOrganisation: stats.ByOrganisation,
		OldestPending:  stats.OldestPending,
	}

	recent, err := m.queue.GetRecentProcessed(ctx, m.cfg.RecentSample)
	if err != nil {
		return nil, fmt.Errorf("recent processed: %w", err)
	}
	var failed int
	var totalProcessing time.Duration
	var timed int
	var in5, in15, in60 int
	orgWait := make(map[string]time.Duration)
	orgCount := make(map[string]int)
	for _, e := range recent {
		if e.Status == store.StatusFailed {
			failed++
		}
		if e.ProcessedAt == nil {
			continue
		}
		wait := e.ProcessedAt.Sub(e.CreatedAt)
		totalProcessing += wait
		timed++
		orgWait[e.OrganisationID] += wait
		orgCount[e.OrganisationID]++

		age := now.Sub(*e.ProcessedAt)
		if age <= 5*time.Minute {
			in5++
		}
		if age <= 15*time.Minute {
			in15++
		}
		if age <= 60*time.Minute {
			in60++
		}
	}
	if len(recent) > 0 {
		sample.FailureRate = float64(failed) / float64(len(recent))
	}
	if timed > 0 {
		sample.AvgProcessing = totalProcessing / time.Duration(timed)
		sample.OrgAvgWait = make(map[string]time.Duration, len(orgWait))
		for org, total := range orgWait {
			sample.OrgAvgWait[org] = total / time.Duration(orgCount[org])
		}
	}
	sample.Rates = RateWindows{
		M5:  float64(in5) / 5,
		M15: float64(in15) / 15,
		M60: float64(in60) / 60,
	}

	for status, n := range stats.ByStatus {
		observability.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	if stats.OldestPending != nil {
		observability.QueueOldestPendingAge.Set(now.Sub(*stats.OldestPending).Seconds())
	} else {
		observability.QueueOldestPendingAge.Set(0)
	}
	for org, n := range stats.ByOrganisation {
		observability.OrganisationQueueDepth.WithLabelValues(org).Set(float64(n))
	}

	m.mu.Lock()
	m.latest = sample
	m.mu.Unlock()
	return sample, nil
}

func (m *Manager) sampleTick(ctx context.Context) {
	sample, err := m.SampleNow(ctx)
	if err != nil {
		m.logger.Printf("queue: sampling failed: %v", err)
		return
	}
	m.checkThresholds(ctx, sample)
	if err := m.debouncer.CheckEscalations(ctx); err != nil {
		m.logger.Printf("queue: escalation check failed: %v", err)
	}
}

// checkThresholds raises a debounced alert for every crossed threshold.
// Severity grows with the overshoot: 1.5x warning, 2x high, 3x critical.
func (m *Manager) checkThresholds(ctx context.Context, sample *Sample) {
	t := m.cfg.Thresholds

	if t.QueueDepth > 0 && sample.Depth >= t.QueueDepth {
		m.raise(ctx, alerting.KindQueueBacklog, "",
			fmt.Sprintf("queue depth %d at or above threshold %d", sample.Depth, t.QueueDepth),
			float64(sample.Depth), float64(t.QueueDepth))
	}
	if t.OldestAge > 0 && sample.OldestPending != nil {
		age := m.now().Sub(*sample.OldestPending)
		if age >= t.OldestAge {
			m.raise(ctx, alerting.KindQueueBacklog, "",
				fmt.Sprintf("oldest pending entry is %s old, threshold %s", age.Round(time.Second), t.OldestAge),
				age.Seconds(), t.OldestAge.Seconds())
		}
	}
	if t.ProcessingTime > 0 && sample.AvgProcessing >= t.ProcessingTime {
		m.raise(ctx, alerting.KindResponseTime, "",
			fmt.Sprintf("average processing time %s at or above threshold %s", sample.AvgProcessing.Round(time.Millisecond), t.ProcessingTime),
			sample.AvgProcessing.Seconds(), t.ProcessingTime.Seconds())
	}
	if t.FailureRate > 0 && sample.FailureRate >= t.FailureRate {
		m.raise(ctx, alerting.KindFailureRate, "",
			fmt.Sprintf("failure rate %.1f%% at or above threshold %.1f%%", sample.FailureRate*100, t.FailureRate*100),
			sample.FailureRate, t.FailureRate)
	}
}

func (m *Manager) raise(ctx context.Context, kind alerting.DebounceKind, destinationID, message string, value, threshold float64) {
	alert := &alerting.Alert{
		Kind:           kind,
		Severity:       SeverityFor(value, threshold),
		OrganisationID: "", // queue-wide conditions are not organisation-scoped
		DestinationID:  destinationID,
		Message:        message,
		Value:          value,
		Threshold:      threshold,
		RaisedAt:       m.now(),
	}
	if _, err := m.debouncer.Offer(ctx, alert); err != nil {
		m.logger.Printf("queue: raise %s alert failed: %v", kind, err)
	}
}

// SeverityFor grades a threshold crossing by its overshoot factor.
func SeverityFor(value, threshold float64) alerting.Severity {
	if threshold <= 0 {
		return alerting.SeverityLow
	}
	ratio := value / threshold
	switch {
	case ratio >= 3:
		return alerting.SeverityCritical
	case ratio >= 2:
		return alerting.SeverityHigh
	case ratio >= 1.5:
		return alerting.SeverityMedium
	default:
		return alerting.SeverityLow
	}
}

func (m *Manager) cleanupTick(ctx context.Context) {
	now := m.now()
	for _, policy := range []struct {
		status    store.EntryStatus
		retention time.Duration
	}{
		{store.StatusCompleted, m.cfg.CompletedRetention},
		{store.StatusFailed, m.cfg.FailedRetention},
		{store.StatusCancelled, m.cfg.CancelledRetention},
	} {
		n, err := m.queue.DeleteByStatusAndAge(ctx, policy.status, now.Add(-policy.retention))
		if err != nil {
			m.logger.Printf("queue: cleanup %s failed: %v", policy.status, err)
			continue
		}
		if n > 0 {
			observability.QueueCleanupDeleted.WithLabelValues(string(policy.status)).Add(float64(n))
			m.logger.Printf(`{"decision":"queue_cleanup","status":%q,"deleted":%d}`, policy.status, n)
		}
	}

	if m.links != nil {
		n, err := m.links.DeleteExpiredLinks(ctx, now)
		if err != nil {
			m.logger.Printf("queue: expired link cleanup failed: %v", err)
			return
		}
		if n > 0 {
			observability.ExpiredLinksDeleted.Add(float64(n))
			m.logger.Printf(`{"decision":"expired_links_deleted","count":%d}`, n)
		}
	}
}

func (m *Manager) sweepTick(ctx context.Context) {
	n, err := m.queue.ReleaseStuck(ctx, m.now().Add(-m.cfg.StuckAfter))
	if err != nil {
		m.logger.Printf("queue: stuck sweep failed: %v", err)
		return
	}
	if n > 0 {
		observability.StuckEntriesReleased.Add(float64(n))
		m.logger.Printf(`{"decision":"stuck_released","count":%d}`, n)
	}
}
