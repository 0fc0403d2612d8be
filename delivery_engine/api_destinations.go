package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

type destinationRequest struct {
	Kind   store.DestinationKind `json:"kind"`
	Label  string                `json:"label"`
	Config json.RawMessage       `json:"config"`
}

// POST /api/destinations
func (a *API) handleCreateDestination(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}

	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	handler, err := a.registry.Get(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown destination kind: "+string(req.Kind))
		return
	}
	if res := handler.ValidateConfig(req.Config); !res.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "invalid config", "validation": res})
		return
	}

	now := time.Now()
	dest := &store.Destination{
		ID:             uuid.NewString(),
		OrganisationID: orgID,
		Kind:           req.Kind,
		Label:          req.Label,
		Config:         req.Config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.CreateDestination(r.Context(), dest); err != nil {
		writeStoreError(w, err)
		return
	}
	a.logger.Printf(`{"decision":"destination_created","destination":%q,"organisation":%q,"kind":%q}`,
		dest.ID, orgID, dest.Kind)
	writeJSON(w, http.StatusCreated, dest)
}

// GET /api/destinations
func (a *API) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}

	list, err := a.store.ListDestinations(r.Context(), orgID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destinations": list, "count": len(list)})
}

// handleDestinationByID routes
// /api/destinations/{id}[/validate|/test|/health|/disable|/enable|/rotate-secret].
func (a *API) handleDestinationByID(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organisationFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing organisation context")
		return
	}

	id, sub := pathSegment(r.URL.Path, "/api/destinations/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing destination id")
		return
	}

	dest, err := a.store.GetDestination(r.Context(), orgID, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, dest)

	case sub == "" && r.Method == http.MethodPut:
		a.updateDestination(w, r, dest)

	case sub == "" && r.Method == http.MethodDelete:
		if err := a.store.DeleteDestination(r.Context(), orgID, id); err != nil {
			writeStoreError(w, err)
			return
		}
		a.logger.Printf(`{"decision":"destination_deleted","destination":%q,"organisation":%q}`, id, orgID)
		w.WriteHeader(http.StatusNoContent)

	case sub == "validate" && r.Method == http.MethodPost:
		handler, err := a.registry.Get(dest.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, handler.ValidateConfig(dest.Config))

	case sub == "test" && r.Method == http.MethodPost:
		handler, err := a.registry.Get(dest.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, handler.TestConnection(r.Context(), dest.Config))

	case sub == "health" && r.Method == http.MethodGet:
		h, err := a.tracker.Snapshot(id)
		if err != nil {
			// no traffic yet; report the healthy zero state
			h = &store.DestinationHealth{
				DestinationID:  id,
				OrganisationID: orgID,
				Status:         store.HealthHealthy,
				CircuitState:   store.CircuitClosed,
			}
		}
		writeJSON(w, http.StatusOK, h)

	case sub == "disable" && r.Method == http.MethodPost:
		a.setDisabled(w, r, orgID, id, true)

	case sub == "enable" && r.Method == http.MethodPost:
		a.setDisabled(w, r, orgID, id, false)

	case sub == "circuit/open" && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		a.tracker.ForceOpen(r.Context(), id, body.Reason)
		writeJSON(w, http.StatusOK, map[string]string{"destination_id": id, "circuit": "open"})

	case sub == "circuit/close" && r.Method == http.MethodPost:
		a.tracker.ForceClose(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]string{"destination_id": id, "circuit": "closed"})

	case sub == "rotate-secret" && r.Method == http.MethodPost:
		if dest.Kind != store.KindWebhook {
			writeError(w, http.StatusBadRequest, "secrets exist only for webhook destinations")
			return
		}
		if err := a.rotator.Rotate(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"destination_id": id, "secret": "rotated"})

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) updateDestination(w http.ResponseWriter, r *http.Request, dest *store.Destination) {
	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Kind != "" && req.Kind != dest.Kind {
		writeError(w, http.StatusConflict, "destination kind cannot change")
		return
	}
	if req.Config != nil {
		handler, err := a.registry.Get(dest.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if res := handler.ValidateConfig(req.Config); !res.Valid {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "invalid config", "validation": res})
			return
		}
		dest.Config = req.Config
	}
	if req.Label != "" {
		dest.Label = req.Label
	}
	dest.UpdatedAt = time.Now()

	if err := a.store.UpdateDestination(r.Context(), dest); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dest)
}

func (a *API) setDisabled(w http.ResponseWriter, r *http.Request, orgID, id string, disabled bool) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := a.store.SetDisabled(r.Context(), orgID, id, disabled, body.Actor, body.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	a.logger.Printf(`{"decision":"destination_disabled_change","destination":%q,"disabled":%t,"actor":%q}`,
		id, disabled, body.Actor)
	writeJSON(w, http.StatusOK, map[string]any{"destination_id": id, "disabled": disabled})
}
