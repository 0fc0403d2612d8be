package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/itskum47/DispatchForge/delivery_engine/store"
	"github.com/itskum47/DispatchForge/delivery_engine/timeline"
)

// POST /api/deliveries
func (a *API) handleSubmitDelivery(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}

	var req DeliveryRequest
	body := http.MaxBytesReader(w, r.Body, a.cfg.Limits.MaxPayloadBytes+4096)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	// the caller's organisation always wins over the body
	req.OrganisationID = orgID

	resp, err := a.coordinator.Submit(r.Context(), &req)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoDestinations):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// GET /api/deliveries?status=pending&limit=50
func (a *API) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}

	status := store.EntryStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.StatusPending
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}

	entries, err := a.store.FindByStatus(r.Context(), status, orgID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleDeliveryByID routes /api/deliveries/{id}[/retry|/cancel|/timeline].
func (a *API) handleDeliveryByID(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}

	deliveryID, sub := pathSegment(r.URL.Path, "/api/deliveries/")
	if deliveryID == "" {
		writeError(w, http.StatusBadRequest, "missing delivery id")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		status, err := a.coordinator.GetDeliveryStatus(r.Context(), orgID, deliveryID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)

	case sub == "retry" && r.Method == http.MethodPost:
		n, err := a.coordinator.RetryDelivery(r.Context(), orgID, deliveryID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if n == 0 {
			writeError(w, http.StatusConflict, "no failed entries to retry")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"delivery_id": deliveryID, "retried": n})

	case sub == "cancel" && r.Method == http.MethodPost:
		// ownership check before cancelling
		if _, err := a.coordinator.GetDeliveryStatus(r.Context(), orgID, deliveryID); err != nil {
			writeStoreError(w, err)
			return
		}
		n, err := a.scheduler.CancelDelivery(r.Context(), deliveryID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		a.events.Record(timeline.DeliveryEvent{
			DeliveryID:     deliveryID,
			Stage:          timeline.StageCancelled,
			OrganisationID: orgID,
		})
		writeJSON(w, http.StatusOK, map[string]any{"delivery_id": deliveryID, "cancelled": n})

	case sub == "timeline" && r.Method == http.MethodGet:
		// ownership check, then the in-memory event trail
		if _, err := a.coordinator.GetDeliveryStatus(r.Context(), orgID, deliveryID); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": a.events.GetEvents(deliveryID)})

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}
