package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

const defaultEmailTimeout = 20 * time.Second

// EmailConfig is the destination config for the email kind.
type EmailConfig struct {
	Host       string   `json:"host"`
	Port       int      `json:"port,omitempty"` // default 587
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
}

// EmailHandler delivers payloads as SMTP messages with the JSON body
// attached inline.
type EmailHandler struct {
	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailHandler() *EmailHandler {
	return &EmailHandler{send: smtp.SendMail}
}

func (h *EmailHandler) Kind() store.DestinationKind { return store.KindEmail }

func (h *EmailHandler) Deliver(ctx context.Context, payload *store.Payload, dest *store.Destination) (*Result, error) {
	var cfg EmailConfig
	if err := json.Unmarshal(dest.Config, &cfg); err != nil {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, fmt.Errorf("decode email config: %w", err))
	}
	if cfg.Host == "" || cfg.From == "" || len(cfg.Recipients) == 0 {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, errors.New("host, from and recipients are required"))
	}

	port := cfg.Port
	if port == 0 {
		port = 587
	}
	subject := cfg.Subject
	if subject == "" {
		subject = fmt.Sprintf("Delivery %s (%s)", payload.DeliveryID, payload.Type)
	}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, NewDeliveryError(ErrInvalidPayload, 0, fmt.Errorf("encode payload: %w", err))
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(cfg.Recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "X-Delivery-Id: %s\r\n", payload.DeliveryID)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: application/json\r\n\r\n")
	msg.Write(body)

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))

	// smtp.SendMail has no context hook, so the timeout runs beside it.
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- h.send(addr, auth, cfg.From, cfg.Recipients, []byte(msg.String())) }()

	timer := time.NewTimer(defaultEmailTimeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		return nil, NewDeliveryError(ErrTransient, 0, errors.New("smtp send timed out"))
	case <-ctx.Done():
		return nil, NewDeliveryError(ErrTransient, 0, ctx.Err())
	}
	elapsed := time.Since(start)

	if err != nil {
		kind := ErrTransient
		if strings.Contains(err.Error(), "535") || strings.Contains(err.Error(), "authentication") {
			kind = ErrAuthenticationFailed
		}
		return nil, NewDeliveryError(kind, 0, fmt.Errorf("smtp send: %w", err))
	}

	return &Result{
		Success:      true,
		DeliveredAt:  time.Now(),
		ResponseTime: elapsed,
	}, nil
}

func (h *EmailHandler) ValidateConfig(config []byte) *ValidationResult {
	res := &ValidationResult{Valid: true}
	var cfg EmailConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return &ValidationResult{Errors: []string{fmt.Sprintf("invalid JSON config: %v", err)}}
	}
	if cfg.Host == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "host is required")
	}
	if cfg.From == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "from is required")
	}
	if len(cfg.Recipients) == 0 {
		res.Valid = false
		res.Errors = append(res.Errors, "at least one recipient is required")
	}
	for _, rcpt := range cfg.Recipients {
		if !strings.Contains(rcpt, "@") {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("invalid recipient %q", rcpt))
		}
	}
	if cfg.Username != "" && cfg.Password == "" {
		res.Warnings = append(res.Warnings, "username set without password")
	}
	return res
}

func (h *EmailHandler) TestConnection(ctx context.Context, config []byte) *ConnectionResult {
	var cfg EmailConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return &ConnectionResult{Error: fmt.Sprintf("invalid config: %v", err)}
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port)))
	if err != nil {
		return &ConnectionResult{Error: err.Error()}
	}
	conn.Close()
	return &ConnectionResult{Success: true, ResponseTime: time.Since(start)}
}
