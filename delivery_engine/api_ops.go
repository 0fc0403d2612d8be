package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/DispatchForge/delivery_engine/alerting"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

// GET /api/queue/status
func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, inFlight, err := a.scheduler.QueueStatus(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     stats,
		"in_flight": inFlight,
		"sample":    a.manager.Latest(),
	})
}

// POST /api/queue/pause
func (a *API) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.scheduler.Pause()
	a.logger.Printf(`{"decision":"scheduler_paused"}`)
	writeJSON(w, http.StatusOK, map[string]string{"scheduler": "paused"})
}

// POST /api/queue/resume
func (a *API) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.scheduler.Resume()
	a.logger.Printf(`{"decision":"scheduler_resumed"}`)
	writeJSON(w, http.StatusOK, map[string]string{"scheduler": "running"})
}

type maintenanceRequest struct {
	DestinationID string    `json:"destination_id,omitempty"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	Timezone      string    `json:"timezone,omitempty"`
	Kinds         []string  `json:"kinds"`
	Reason        string    `json:"reason,omitempty"`
}

// POST /api/maintenance
func (a *API) handleCreateMaintenanceWindow(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}

	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.EndsAt.After(req.StartsAt) {
		writeError(w, http.StatusBadRequest, "ends_at must be after starts_at")
		return
	}
	if len(req.Kinds) == 0 {
		writeError(w, http.StatusBadRequest, "at least one debounce kind is required")
		return
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}

	window := &store.MaintenanceWindow{
		ID:             uuid.NewString(),
		OrganisationID: orgID,
		DestinationID:  req.DestinationID,
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
		Timezone:       tz,
		Kinds:          req.Kinds,
		Reason:         req.Reason,
		CreatedAt:      time.Now(),
	}
	if err := a.store.CreateMaintenanceWindow(r.Context(), window); err != nil {
		writeStoreError(w, err)
		return
	}
	a.logger.Printf(`{"decision":"maintenance_created","window":%q,"organisation":%q,"kinds":%d}`,
		window.ID, orgID, len(window.Kinds))
	writeJSON(w, http.StatusCreated, window)
}

// GET /api/maintenance
func (a *API) handleListMaintenanceWindows(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}
	list, err := a.store.ListMaintenanceWindows(r.Context(), orgID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": list, "count": len(list)})
}

// DELETE /api/maintenance/{id}
func (a *API) handleDeleteMaintenanceWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}
	id, _ := pathSegment(r.URL.Path, "/api/maintenance/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing window id")
		return
	}
	if err := a.store.DeleteMaintenanceWindow(r.Context(), orgID, id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/alerts/resolve
func (a *API) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}

	var body struct {
		Kind          string `json:"kind"`
		DestinationID string `json:"destination_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	if err := a.debouncer.Resolve(r.Context(), alerting.DebounceKind(body.Kind), body.DestinationID, orgID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kind": body.Kind, "resolved": "true"})
}

// GET /download/{token}: public endpoint; the signed token is the credential.
func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, _ := pathSegment(r.URL.Path, "/download/")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}

	link, err := a.store.GetDownloadLink(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown or expired link")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	now := time.Now()
	if err := a.linkSigner.VerifyToken(link.Token, link.Signature, link.ExpiresAt, now); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	entries, err := a.store.FindByDeliveryID(r.Context(), link.DeliveryID)
	if err != nil || len(entries) == 0 {
		writeError(w, http.StatusGone, "delivery payload no longer retained")
		return
	}

	if err := a.store.MarkDownloaded(r.Context(), token, now); err != nil {
		a.logger.Printf("download: mark downloaded %s failed: %v", token, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+link.DeliveryID+`.json"`)
	json.NewEncoder(w).Encode(entries[0].Payload)
}

// GET /api/dashboard: one aggregate read for the operator view.
func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}

	destinations, err := a.store.ListDestinations(r.Context(), orgID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	healthList, err := a.store.ListHealth(r.Context(), orgID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	recent, err := a.store.FindByStatus(r.Context(), store.StatusFailed, orgID, 20)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"destinations":  destinations,
		"health":        healthList,
		"recent_failed": recent,
		"queue_sample":  a.manager.Latest(),
		"recent_events": a.events.GetByOrganisation(orgID, 100),
		"generated_at":  time.Now().UTC(),
	})
}
