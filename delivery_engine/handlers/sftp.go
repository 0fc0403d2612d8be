package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/itskum47/DispatchForge/delivery_engine/store"
)

const defaultSFTPTimeout = 30 * time.Second

// SFTPConfig is the destination config for the sftp kind. Exactly one of
// Password or PrivateKey must be set.
type SFTPConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port,omitempty"` // default 22
	Username     string `json:"username"`
	Password     string `json:"password,omitempty"`
	PrivateKey   string `json:"private_key,omitempty"` // PEM
	RemoteDir    string `json:"remote_dir"`
	HostKey      string `json:"host_key,omitempty"` // authorized_keys format; empty skips verification
	PathTemplate string `json:"path_template,omitempty"`
}

// SFTPHandler uploads payloads over SFTP. Uploads write to a dotfile and
// rename, matching the storage handler's visibility guarantee.
type SFTPHandler struct {
	// dial is swappable for tests.
	dial func(ctx context.Context, cfg *SFTPConfig) (sftpConn, error)
}

// sftpConn is the slice of *sftp.Client the handler uses.
type sftpConn interface {
	MkdirAll(path string) error
	Create(path string) (*sftp.File, error)
	PosixRename(oldname, newname string) error
	Remove(path string) error
	Stat(p string) (interface{ IsDir() bool }, error)
	Close() error
}

func NewSFTPHandler() *SFTPHandler {
	return &SFTPHandler{dial: dialSFTP}
}

func (h *SFTPHandler) Kind() store.DestinationKind { return store.KindSFTP }

func (h *SFTPHandler) Deliver(ctx context.Context, payload *store.Payload, dest *store.Destination) (*Result, error) {
	var cfg SFTPConfig
	if err := json.Unmarshal(dest.Config, &cfg); err != nil {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, fmt.Errorf("decode sftp config: %w", err))
	}
	if cfg.Host == "" || cfg.Username == "" || cfg.RemoteDir == "" {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, errors.New("host, username and remote_dir are required"))
	}

	ctx, cancel := context.WithTimeout(ctx, defaultSFTPTimeout)
	defer cancel()

	start := time.Now()
	conn, err := h.dial(ctx, &cfg)
	if err != nil {
		return nil, classifySSHError(err)
	}
	defer conn.Close()

	rel, err := renderPath(cfg.PathTemplate, payload)
	if err != nil {
		return nil, NewDeliveryError(ErrInvalidConfig, 0, err)
	}
	target := path.Join(cfg.RemoteDir, rel)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewDeliveryError(ErrInvalidPayload, 0, fmt.Errorf("encode payload: %w", err))
	}

	if err := conn.MkdirAll(path.Dir(target)); err != nil {
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("create remote directory: %w", err))
	}

	tmp := path.Join(path.Dir(target), "."+path.Base(target)+".part")
	f, err := conn.Create(tmp)
	if err != nil {
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("create remote file: %w", err))
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		conn.Remove(tmp)
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("write remote file: %w", err))
	}
	if err := f.Close(); err != nil {
		conn.Remove(tmp)
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("close remote file: %w", err))
	}
	if err := conn.PosixRename(tmp, target); err != nil {
		conn.Remove(tmp)
		return nil, NewDeliveryError(ErrTransient, 0, fmt.Errorf("rename remote file: %w", err))
	}

	return &Result{
		Success:              true,
		DeliveredAt:          time.Now(),
		ResponseTime:         time.Since(start),
		CrossSystemReference: target,
	}, nil
}

func (h *SFTPHandler) ValidateConfig(config []byte) *ValidationResult {
	res := &ValidationResult{Valid: true}
	var cfg SFTPConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return &ValidationResult{Errors: []string{fmt.Sprintf("invalid JSON config: %v", err)}}
	}
	if cfg.Host == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "host is required")
	}
	if cfg.Username == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "username is required")
	}
	if cfg.RemoteDir == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "remote_dir is required")
	}
	if cfg.Password == "" && cfg.PrivateKey == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "either password or private_key is required")
	}
	if cfg.PrivateKey != "" {
		if _, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey)); err != nil {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("invalid private_key: %v", err))
		}
	}
	if cfg.HostKey == "" {
		res.Warnings = append(res.Warnings, "host_key not set; server identity will not be verified")
	}
	return res
}

func (h *SFTPHandler) TestConnection(ctx context.Context, config []byte) *ConnectionResult {
	var cfg SFTPConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return &ConnectionResult{Error: fmt.Sprintf("invalid config: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	conn, err := h.dial(ctx, &cfg)
	if err != nil {
		return &ConnectionResult{Error: err.Error()}
	}
	defer conn.Close()

	info, err := conn.Stat(cfg.RemoteDir)
	if err != nil {
		return &ConnectionResult{Error: fmt.Sprintf("stat remote_dir: %v", err)}
	}
	if !info.IsDir() {
		return &ConnectionResult{Error: fmt.Sprintf("%s is not a directory", cfg.RemoteDir)}
	}
	return &ConnectionResult{Success: true, ResponseTime: time.Since(start)}
}

// realSFTPConn adapts *sftp.Client to the handler's narrow interface and
// closes the underlying SSH connection with the client.
type realSFTPConn struct {
	client *sftp.Client
	ssh    *ssh.Client
}

func (c *realSFTPConn) MkdirAll(p string) error                 { return c.client.MkdirAll(p) }
func (c *realSFTPConn) Create(p string) (*sftp.File, error)     { return c.client.Create(p) }
func (c *realSFTPConn) PosixRename(oldname, newname string) error {
	return c.client.PosixRename(oldname, newname)
}
func (c *realSFTPConn) Remove(p string) error { return c.client.Remove(p) }
func (c *realSFTPConn) Stat(p string) (interface{ IsDir() bool }, error) {
	return c.client.Stat(p)
}
func (c *realSFTPConn) Close() error {
	c.client.Close()
	return c.ssh.Close()
}

func dialSFTP(ctx context.Context, cfg *SFTPConfig) (sftpConn, error) {
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sconn, chans, reqs, err := ssh.NewClientConn(raw, addr, sshCfg)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	sshClient := ssh.NewClient(sconn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	return &realSFTPConn{client: client, ssh: sshClient}, nil
}

func classifySSHError(err error) *DeliveryError {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "permission denied") {
		return NewDeliveryError(ErrAuthenticationFailed, 0, err)
	}
	return NewDeliveryError(ErrTransient, 0, err)
}
