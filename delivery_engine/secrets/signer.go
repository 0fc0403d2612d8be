package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature header scheme: "t=<unix>,v1=<hex hmac>". The timestamp is part
// of the signed message so receivers can reject replays.
const signatureVersion = "v1"

// Signer computes HMAC-SHA256 signatures over webhook payloads and signed
// download-link tokens.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// SignPayload returns the signature header value for a webhook body.
func (s *Signer) SignPayload(body []byte, at time.Time) string {
	ts := at.Unix()
	mac := computeHMAC(s.secret, fmt.Sprintf("%d.", ts), body)
	return fmt.Sprintf("t=%d,%s=%s", ts, signatureVersion, mac)
}

// VerifyPayload checks a signature header against the body, within tolerance.
func (s *Signer) VerifyPayload(body []byte, header string, tolerance time.Duration) error {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	at := time.Unix(ts, 0)
	if tolerance > 0 {
		drift := time.Since(at)
		if drift < 0 {
			drift = -drift
		}
		if drift > tolerance {
			return fmt.Errorf("signature timestamp outside tolerance")
		}
	}

	expected := computeHMAC(s.secret, fmt.Sprintf("%d.", ts), body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// SignToken signs an opaque download token with its expiry.
func (s *Signer) SignToken(token string, expiresAt time.Time) string {
	return computeHMAC(s.secret, token+".", []byte(strconv.FormatInt(expiresAt.Unix(), 10)))
}

// VerifyToken checks a download token signature and expiry.
func (s *Signer) VerifyToken(token, signature string, expiresAt time.Time, now time.Time) error {
	if now.After(expiresAt) {
		return fmt.Errorf("download link expired")
	}
	expected := s.SignToken(token, expiresAt)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func computeHMAC(secret []byte, prefix string, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(prefix))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func parseSignatureHeader(header string) (int64, string, error) {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("invalid signature timestamp: %w", err)
			}
			ts = v
		case signatureVersion:
			sig = kv[1]
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("invalid signature header format")
	}
	return ts, sig, nil
}

// GenerateSecret returns a new random base64 secret for webhook signing.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateToken returns a new random download-link token.
func GenerateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
