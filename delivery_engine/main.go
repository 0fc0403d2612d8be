package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/alerting"
	"github.com/itskum47/DispatchForge/delivery_engine/auth"
	"github.com/itskum47/DispatchForge/delivery_engine/config"
	"github.com/itskum47/DispatchForge/delivery_engine/handlers"
	"github.com/itskum47/DispatchForge/delivery_engine/health"
	"github.com/itskum47/DispatchForge/delivery_engine/observability"
	"github.com/itskum47/DispatchForge/delivery_engine/queue"
	"github.com/itskum47/DispatchForge/delivery_engine/scheduler"
	"github.com/itskum47/DispatchForge/delivery_engine/secrets"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
	"github.com/itskum47/DispatchForge/delivery_engine/timeline"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	profile := flag.String("profile", "", "configuration profile (development, staging, production, test)")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags|log.LUTC)

	cfg, err := config.Load(*configPath, config.Profile(*profile))
	if err != nil {
		logger.Fatalf("configuration: %v", err)
	}
	logger.Printf(`{"decision":"startup","profile":%q,"port":%d}`, cfg.Profile, cfg.Port)

	if cfg.Security.JWTSecret != "" {
		if err := auth.Configure(cfg.Security.JWTSecret); err != nil {
			logger.Fatalf("auth: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable state lives in Postgres; the memory store backs the test
	// profile so the suite runs without a database.
	var primary store.Store
	if cfg.Profile == config.ProfileTest {
		primary = store.NewMemoryStore()
		logger.Printf("using in-memory store (test profile)")
	} else {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN, cfg.Database.PoolSize)
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		primary = pg
		logger.Printf("connected to postgres")
	}

	// Redis carries the fast-path state: debounce rows and idempotency
	// reservations. Absence degrades to in-process state, not failure.
	var debounceStore store.DebounceStore
	var reserver store.IdempotencyReserver
	redisStore, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Printf("redis unavailable at %s (%v); debounce state is process-local", cfg.Redis.Addr, err)
		debounceStore = store.NewMemoryStore()
	} else {
		defer redisStore.Close()
		debounceStore = redisStore
		reserver = redisStore
		logger.Printf("connected to redis at %s", cfg.Redis.Addr)
	}

	tracing := observability.NewNoopTracing()
	if cfg.Features.Tracing {
		tracing, err = observability.NewTracing(ctx, cfg.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			logger.Fatalf("tracing: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tracing.Shutdown(shutdownCtx)
		}()
	}

	tracker := health.NewTracker(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		RecoveryTimeout:  cfg.Health.RecoveryTimeout,
		SuccessThreshold: cfg.Health.SuccessThreshold,
		VolumeThreshold:  cfg.Health.VolumeThreshold,
	}, primary, logger)
	if err := tracker.Load(ctx); err != nil {
		logger.Fatalf("health tracker warm-up: %v", err)
	}

	linkSigner := secrets.NewSigner(signingKey(cfg, logger))

	registry := handlers.NewRegistry()
	registry.Register(handlers.NewWebhookHandler(primary))
	registry.Register(handlers.NewEmailHandler())
	registry.Register(handlers.NewStorageHandler())
	registry.Register(handlers.NewSFTPHandler())
	registry.Register(handlers.NewDownloadHandler(primary, linkSigner))

	policy := scheduler.NewRetryPolicy(cfg.Retry.BaseDelay, cfg.Retry.Multiplier, cfg.Retry.Cap, cfg.Retry.JitterPct)
	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:      cfg.Scheduler.MaxConcurrent,
		ProcessingInterval: cfg.Scheduler.ProcessingInterval,
		MaxRetries:         cfg.Scheduler.MaxRetries,
		CircuitRetryDelay:  cfg.Health.RecoveryTimeout,
	}, primary, registry, tracker, policy, tracing, logger)

	events := timeline.NewStore(4096)
	coordinator := NewCoordinator(primary, tracker, events, logger,
		cfg.Limits.MaxPayloadBytes, cfg.Limits.MaxDestinationsPerRequest)
	if reserver != nil {
		coordinator.SetIdempotencyReserver(reserver)
	}

	kindConfig := alerting.KindConfig{
		Window:          cfg.Alerting.Window,
		Cooldown:        cfg.Alerting.Cooldown,
		MaxPerWindow:    cfg.Alerting.MaxPerWindow,
		EscalationDelay: cfg.Alerting.EscalationDelay,
	}
	debounceKinds := map[alerting.DebounceKind]alerting.KindConfig{
		alerting.KindFailureRate:         kindConfig,
		alerting.KindConsecutiveFailures: kindConfig,
		alerting.KindQueueBacklog:        kindConfig,
		alerting.KindResponseTime:        kindConfig,
	}

	rotator := secrets.NewRotator(cfg.Security.SecretRotationInterval, primary, logger)

	// the hub is both the websocket broadcaster and an alert channel
	api := NewAPI(cfg, primary, coordinator, sched, nil, tracker, nil, registry, rotator, linkSigner, events, logger)
	notifier := alerting.MultiNotifier{alerting.NewLogNotifier(logger), api.hub}
	debouncer := alerting.NewDebouncer(debounceKinds, debounceStore, primary, notifier, logger)
	api.debouncer = debouncer
	tracker.SetAlertSink(debouncer)

	manager := queue.NewManager(queue.Config{
		SampleInterval:     cfg.Queue.SampleInterval,
		CleanupInterval:    cfg.Queue.CleanupInterval,
		StuckAfter:         cfg.Queue.StuckAfter,
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
		CancelledRetention: cfg.Queue.CancelledRetention,
		Thresholds: queue.Thresholds{
			QueueDepth:     cfg.Alerting.QueueDepthThreshold,
			OldestAge:      cfg.Alerting.OldestAgeThreshold,
			ProcessingTime: cfg.Alerting.ProcessingThreshold,
			FailureRate:    cfg.Alerting.FailureRateThreshold,
		},
	}, primary, primary, debouncer, logger)
	api.manager = manager

	if cfg.Features.Scheduler {
		sched.Start()
	} else {
		logger.Printf("scheduler feature flag off; entries accumulate until enabled")
	}
	manager.Start()
	rotator.Start()
	go api.hub.Run(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("DispatchForge listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf(`{"decision":"shutdown_begin"}`)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Printf("scheduler shutdown: %v", err)
	}
	manager.Stop()
	rotator.Stop()
	logger.Printf(`{"decision":"shutdown_complete"}`)
}

// signingKey derives the download-link signing key from the configured
// encryption key, generating an ephemeral one outside production.
func signingKey(cfg *config.Config, logger *log.Logger) []byte {
	if cfg.Security.EncryptionKey != "" {
		return []byte(cfg.Security.EncryptionKey)
	}
	generated, err := secrets.GenerateSecret()
	if err != nil {
		logger.Fatalf("generate signing key: %v", err)
	}
	logger.Printf("no encryption key configured; download links sign with an ephemeral key and expire on restart")
	return []byte(generated)
}
