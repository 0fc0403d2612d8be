package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/DispatchForge/delivery_engine/secrets"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

const defaultLinkTTL = 24 * time.Hour

// DownloadConfig is the destination config for the download kind.
type DownloadConfig struct {
	BaseURL  string `json:"base_url"` // public prefix the token is appended to
	TTLHours int    `json:"ttl_hours,omitempty"`
}

// DownloadHandler materialises a signed, expiring download link instead of
// pushing the payload anywhere. The link row is the delivery; the payload is
// served later by the download endpoint when the token is presented.
type DownloadHandler struct {
	links  store.DownloadLinkStore
	signer *secrets.Signer
	now    func() time.Time
}

func NewDownloadHandler(links store.DownloadLinkStore, signer *secrets.Signer) *DownloadHandler {
	return &DownloadHandler{links: links, signer: signer, now: time.Now}
}

func (h *DownloadHandler) Kind() store.DestinationKind { return store.KindDownload }

func (h *DownloadHandler) Deliver(ctx context.Context, payload *store.Payload, dest *store.Destination) (*Result, error) {
	var cfg DownloadConfig
	if err := json.Unmarshal(dest.Config, &cfg); err != nil {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, fmt.Errorf("decode download config: %w", err))
	}
	if cfg.BaseURL == "" {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, errors.New("base_url is required"))
	}

	ttl := defaultLinkTTL
	if cfg.TTLHours > 0 {
		ttl = time.Duration(cfg.TTLHours) * time.Hour
	}

	token, err := secrets.GenerateToken()
	if err != nil {
		return nil, NewDeliveryError(ErrFatal, 0, fmt.Errorf("generate token: %w", err))
	}

	start := h.now()
	expiresAt := start.Add(ttl)
	link := &store.DownloadLink{
		ID:             uuid.NewString(),
		OrganisationID: dest.OrganisationID,
		DeliveryID:     payload.DeliveryID,
		Token:          token,
		Signature:      h.signer.SignToken(token, expiresAt),
		ExpiresAt:      expiresAt,
		CreatedAt:      start,
	}
	if err := h.links.CreateDownloadLink(ctx, link); err != nil {
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("persist download link: %w", err))
	}

	return &Result{
		Success:              true,
		DeliveredAt:          h.now(),
		ResponseTime:         h.now().Sub(start),
		CrossSystemReference: fmt.Sprintf("%s/%s", cfg.BaseURL, token),
	}, nil
}

func (h *DownloadHandler) ValidateConfig(config []byte) *ValidationResult {
	res := &ValidationResult{Valid: true}
	var cfg DownloadConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return &ValidationResult{Errors: []string{fmt.Sprintf("invalid JSON config: %v", err)}}
	}
	if cfg.BaseURL == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "base_url is required")
	}
	if cfg.TTLHours < 0 {
		res.Valid = false
		res.Errors = append(res.Errors, "ttl_hours must not be negative")
	}
	if cfg.TTLHours > 24*7 {
		res.Warnings = append(res.Warnings, "ttl_hours above one week leaves links live long after retention cleanup")
	}
	return res
}

func (h *DownloadHandler) TestConnection(ctx context.Context, config []byte) *ConnectionResult {
	// Links are minted locally; the only dependency is the link store.
	start := h.now()
	if _, err := h.links.GetDownloadLink(ctx, "connectivity-probe"); err != nil && !errors.Is(err, store.ErrNotFound) {
		return &ConnectionResult{Error: err.Error()}
	}
	return &ConnectionResult{Success: true, ResponseTime: h.now().Sub(start)}
}
