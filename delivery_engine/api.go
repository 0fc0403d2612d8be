package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/DispatchForge/delivery_engine/alerting"
	"github.com/itskum47/DispatchForge/delivery_engine/config"
	"github.com/itskum47/DispatchForge/delivery_engine/handlers"
	"github.com/itskum47/DispatchForge/delivery_engine/health"
	"github.com/itskum47/DispatchForge/delivery_engine/middleware"
	"github.com/itskum47/DispatchForge/delivery_engine/queue"
	"github.com/itskum47/DispatchForge/delivery_engine/scheduler"
	"github.com/itskum47/DispatchForge/delivery_engine/secrets"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
	"github.com/itskum47/DispatchForge/delivery_engine/timeline"
)

// API carries every service the HTTP surface needs. Handlers live in the
// api_*.go files, grouped by resource.
type API struct {
	cfg         *config.Config
	store       store.Store
	coordinator *Coordinator
	scheduler   *scheduler.Scheduler
	manager     *queue.Manager
	tracker     *health.Tracker
	debouncer   *alerting.Debouncer
	registry    *handlers.Registry
	rotator     *secrets.Rotator
	linkSigner  *secrets.Signer
	events      *timeline.Store
	hub         *EventHub
	logger      *log.Logger
}

func NewAPI(cfg *config.Config, st store.Store, coordinator *Coordinator, sched *scheduler.Scheduler, manager *queue.Manager, tracker *health.Tracker, debouncer *alerting.Debouncer, registry *handlers.Registry, rotator *secrets.Rotator, linkSigner *secrets.Signer, events *timeline.Store, logger *log.Logger) *API {
	api := &API{
		cfg:         cfg,
		store:       st,
		coordinator: coordinator,
		scheduler:   sched,
		manager:     manager,
		tracker:     tracker,
		debouncer:   debouncer,
		registry:    registry,
		rotator:     rotator,
		linkSigner:  linkSigner,
		events:      events,
		logger:      logger,
	}
	api.hub = NewEventHub(events, logger)
	return api
}

// Routes builds the full handler chain: CORS on the outside, then the
// global rate limiter, then per-route auth.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if a.cfg.Features.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	// public, token-authenticated download endpoint
	mux.HandleFunc("/download/", a.handleDownload)

	authed := func(h http.HandlerFunc) http.Handler {
		if a.cfg.Security.JWTSecret != "" {
			return middleware.AuthMiddleware(h)
		}
		// development profile without JWT: trust the organisation header
		return middleware.OrganisationMiddleware(h)
	}

	mux.Handle("/api/deliveries", authed(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			a.handleSubmitDelivery(w, r)
		case http.MethodGet:
			a.handleListDeliveries(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.Handle("/api/deliveries/", authed(a.handleDeliveryByID))

	mux.Handle("/api/destinations", authed(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			a.handleCreateDestination(w, r)
		case http.MethodGet:
			a.handleListDestinations(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.Handle("/api/destinations/", authed(a.handleDestinationByID))

	mux.Handle("/api/queue/status", authed(a.handleQueueStatus))
	mux.Handle("/api/queue/pause", authed(a.handleQueuePause))
	mux.Handle("/api/queue/resume", authed(a.handleQueueResume))

	mux.Handle("/api/maintenance", authed(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			a.handleCreateMaintenanceWindow(w, r)
		case http.MethodGet:
			a.handleListMaintenanceWindows(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.Handle("/api/maintenance/", authed(a.handleDeleteMaintenanceWindow))
	mux.Handle("/api/alerts/resolve", authed(a.handleResolveAlert))

	mux.Handle("/api/dashboard", authed(a.handleDashboard))
	mux.Handle("/api/stream", authed(a.handleStream))

	var handler http.Handler = mux
	handler = middleware.RateLimitMiddleware(a.cfg.Limits.APIRequestsPerSecond, handler)
	handler = middleware.CORSMiddleware(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps the store sentinels to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicateEnqueue):
		writeError(w, http.StatusConflict, "duplicate")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// pathSegment extracts the path element after the given prefix, stripping
// any trailing subroute: pathSegment("/api/deliveries/abc/retry",
// "/api/deliveries/") returns ("abc", "retry").
func pathSegment(path, prefix string) (string, string) {
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

func organisationFrom(r *http.Request) (string, bool) {
	orgID, err := middleware.GetOrganisationFromContext(r.Context())
	return orgID, err == nil && orgID != ""
}
