package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/DispatchForge/delivery_engine/secrets"
	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	signatureHeader       = "X-Forge-Signature"
	deliveryIDHeader      = "X-Forge-Delivery-Id"
	eventTypeHeader       = "X-Forge-Event"
)

// WebhookConfig is the destination config for the webhook kind.
type WebhookConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"` // default POST
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	RatePerSecond  float64           `json:"rate_per_second,omitempty"` // 0 = unlimited
}

// WebhookHandler posts JSON payloads over HTTP with an HMAC signature
// header. Each destination gets its own token-bucket limiter so one noisy
// destination cannot starve the rest of the worker pool's HTTP budget.
type WebhookHandler struct {
	client  *http.Client
	secrets store.SecretStore

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewWebhookHandler(secretStore store.SecretStore) *WebhookHandler {
	return &WebhookHandler{
		client: &http.Client{
			Timeout: defaultWebhookTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		secrets:  secretStore,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *WebhookHandler) Kind() store.DestinationKind { return store.KindWebhook }

func (h *WebhookHandler) Deliver(ctx context.Context, payload *store.Payload, dest *store.Destination) (*Result, error) {
	var cfg WebhookConfig
	if err := json.Unmarshal(dest.Config, &cfg); err != nil {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, fmt.Errorf("decode webhook config: %w", err))
	}
	if cfg.URL == "" {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, errors.New("webhook url is required"))
	}

	if err := h.limiterFor(dest.ID, cfg.RatePerSecond).Wait(ctx); err != nil {
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("rate limiter wait: %w", err))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewDeliveryError(ErrInvalidPayload, 0, fmt.Errorf("encode payload: %w", err))
	}

	timeout := defaultWebhookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(deliveryIDHeader, payload.DeliveryID)
	req.Header.Set(eventTypeHeader, payload.Type)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	now := time.Now()
	if err := h.sign(ctx, req, dest.ID, body, now); err != nil {
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("sign payload: %w", err))
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		// Timeouts, DNS failures and resets are all transport errors
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("webhook request: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{
			Success:              true,
			DeliveredAt:          time.Now(),
			ResponseTime:         elapsed,
			StatusCode:           resp.StatusCode,
			CrossSystemReference: resp.Header.Get("X-Request-Id"),
		}, nil
	}

	return nil, NewDeliveryError(ClassifyStatus(resp.StatusCode), resp.StatusCode,
		fmt.Errorf("webhook responded %s", resp.Status))
}

// sign attaches the signature header, provisioning a secret on first use.
func (h *WebhookHandler) sign(ctx context.Context, req *http.Request, destinationID string, body []byte, at time.Time) error {
	sec, err := h.secrets.GetWebhookSecret(ctx, destinationID)
	if errors.Is(err, store.ErrNotFound) {
		generated, genErr := secrets.GenerateSecret()
		if genErr != nil {
			return genErr
		}
		sec = &store.WebhookSecret{
			DestinationID: destinationID,
			Secret:        generated,
			RotatedAt:     at,
			CreatedAt:     at,
		}
		if putErr := h.secrets.PutWebhookSecret(ctx, sec); putErr != nil {
			return putErr
		}
	} else if err != nil {
		return err
	}

	signer := secrets.NewSigner([]byte(sec.Secret))
	req.Header.Set(signatureHeader, signer.SignPayload(body, at))
	return nil
}

func (h *WebhookHandler) limiterFor(destinationID string, perSecond float64) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[destinationID]
	if !ok {
		limit := rate.Inf
		burst := 1
		if perSecond > 0 {
			limit = rate.Limit(perSecond)
			burst = int(perSecond) + 1
		}
		lim = rate.NewLimiter(limit, burst)
		h.limiters[destinationID] = lim
	}
	return lim
}

func (h *WebhookHandler) ValidateConfig(config []byte) *ValidationResult {
	res := &ValidationResult{Valid: true}
	var cfg WebhookConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return &ValidationResult{Errors: []string{fmt.Sprintf("invalid JSON config: %v", err)}}
	}
	if cfg.URL == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "url is required")
	} else {
		u, err := url.Parse(cfg.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			res.Valid = false
			res.Errors = append(res.Errors, "url must be an http(s) URL")
		} else if u.Scheme == "http" {
			res.Warnings = append(res.Warnings, "url is not using TLS")
		}
	}
	if cfg.Method != "" {
		switch strings.ToUpper(cfg.Method) {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("unsupported method %q", cfg.Method))
		}
	}
	if cfg.TimeoutSeconds < 0 {
		res.Valid = false
		res.Errors = append(res.Errors, "timeout_seconds must not be negative")
	}
	if cfg.TimeoutSeconds > 120 {
		res.Warnings = append(res.Warnings, "timeout_seconds above 120 holds a worker slot for a long time")
	}
	return res
}

func (h *WebhookHandler) TestConnection(ctx context.Context, config []byte) *ConnectionResult {
	var cfg WebhookConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return &ConnectionResult{Error: fmt.Sprintf("invalid config: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.URL, nil)
	if err != nil {
		return &ConnectionResult{Error: err.Error()}
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return &ConnectionResult{Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	// Any response proves the endpoint is reachable; HEAD is often rejected
	return &ConnectionResult{Success: true, ResponseTime: time.Since(start)}
}
