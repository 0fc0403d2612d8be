package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

// StorageConfig is the destination config for the storage kind. BaseDir is
// expected to be a mounted volume (local disk, NFS, fuse-mounted bucket).
type StorageConfig struct {
	BaseDir      string `json:"base_dir"`
	PathTemplate string `json:"path_template,omitempty"` // default {delivery_id}.json
	DirMode      string `json:"dir_mode,omitempty"`
}

// StorageHandler writes payloads as files under the configured directory.
// Writes go through a temp file and rename so partially written payloads
// are never visible under the final name.
type StorageHandler struct{}

func NewStorageHandler() *StorageHandler { return &StorageHandler{} }

func (h *StorageHandler) Kind() store.DestinationKind { return store.KindStorage }

func (h *StorageHandler) Deliver(ctx context.Context, payload *store.Payload, dest *store.Destination) (*Result, error) {
	var cfg StorageConfig
	if err := json.Unmarshal(dest.Config, &cfg); err != nil {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, fmt.Errorf("decode storage config: %w", err))
	}
	if cfg.BaseDir == "" {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, errors.New("base_dir is required"))
	}

	rel, err := renderPath(cfg.PathTemplate, payload)
	if err != nil {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, err)
	}
	target := filepath.Join(cfg.BaseDir, rel)
	if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(cfg.BaseDir)+string(filepath.Separator)) {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, fmt.Errorf("path %q escapes base_dir", rel))
	}

	if err := ctx.Err(); err != nil {
		return nil, NewDeliveryError(ErrTransient, 0, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewDeliveryError(ErrInvalidPayload, 0, fmt.Errorf("encode payload: %w", err))
	}

	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, NewDeliveryError(classifyFSError(err), 0, fmt.Errorf("create directory: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".forge-*")
	if err != nil {
		return nil, NewDeliveryError(classifyFSError(err), 0, fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("write payload: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("rename into place: %w", err))
	}

	return &Result{
		Success:              true,
		DeliveredAt:          time.Now(),
		ResponseTime:         time.Since(start),
		CrossSystemReference: target,
	}, nil
}

func (h *StorageHandler) ValidateConfig(config []byte) *ValidationResult {
	res := &ValidationResult{Valid: true}
	var cfg StorageConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return &ValidationResult{Errors: []string{fmt.Sprintf("invalid JSON config: %v", err)}}
	}
	if cfg.BaseDir == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "base_dir is required")
	} else if !filepath.IsAbs(cfg.BaseDir) {
		res.Warnings = append(res.Warnings, "base_dir is relative; resolution depends on process working directory")
	}
	if cfg.PathTemplate != "" {
		if _, err := renderPath(cfg.PathTemplate, &store.Payload{DeliveryID: "probe", Type: "probe"}); err != nil {
			res.Valid = false
			res.Errors = append(res.Errors, err.Error())
		}
	}
	return res
}

func (h *StorageHandler) TestConnection(ctx context.Context, config []byte) *ConnectionResult {
	var cfg StorageConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return &ConnectionResult{Error: fmt.Sprintf("invalid config: %v", err)}
	}

	start := time.Now()
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		return &ConnectionResult{Error: err.Error()}
	}
	if !info.IsDir() {
		return &ConnectionResult{Error: fmt.Sprintf("%s is not a directory", cfg.BaseDir)}
	}

	probe, err := os.CreateTemp(cfg.BaseDir, ".forge-probe-*")
	if err != nil {
		return &ConnectionResult{Error: fmt.Sprintf("directory not writable: %v", err)}
	}
	probe.Close()
	os.Remove(probe.Name())
	return &ConnectionResult{Success: true, ResponseTime: time.Since(start)}
}

// renderPath expands {delivery_id}, {type} and {date} placeholders.
func renderPath(template string, payload *store.Payload) (string, error) {
	if template == "" {
		template = "{delivery_id}.json"
	}
	r := strings.NewReplacer(
		"{delivery_id}", payload.DeliveryID,
		"{type}", payload.Type,
		"{date}", time.Now().UTC().Format("2006-01-02"),
	)
	rendered := r.Replace(template)
	if strings.Contains(rendered, "{") {
		return "", fmt.Errorf("path template %q has unknown placeholders", template)
	}
	if rendered == "" || rendered == "." {
		return "", fmt.Errorf("path template %q renders empty", template)
	}
	return rendered, nil
}

func classifyFSError(err error) ErrorKind {
	if errors.Is(err, os.ErrPermission) {
		return ErrAuthorizationDenied
	}
	if errors.Is(err, os.ErrNotExist) {
		return ErrDestinationNotFound
	}
	return ErrTransient
}
