package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Claims carries the organisation scope and role alongside the standard
// JWT fields. Every API request is resolved to an organisation via these.
type Claims struct {
	OrganisationID string `json:"organisation_id"`
	Role           string `json:"role"`
	Issuer         string `json:"iss"`
	Audience       string `json:"aud"`
	ExpiresAt      int64  `json:"exp"`
	IssuedAt       int64  `json:"iat"`
	NotBefore      int64  `json:"nbf"`
}

const (
	issuer   = "dispatchforge"
	audience = "dispatchforge-api"

	// RoleOperator may pause/resume the scheduler, force circuits and
	// manage maintenance windows; RoleMember may manage its organisation's
	// destinations and deliveries.
	RoleOperator = "operator"
	RoleMember   = "member"
)

var (
	mu        sync.RWMutex
	jwtSecret []byte
)

// ErrWeakSecret rejects secrets below 32 bytes.
var ErrWeakSecret = errors.New("jwt secret must be at least 32 bytes")

// Configure installs the signing secret. Must be called before tokens are
// issued or validated; production startup fails without it.
func Configure(secret string) error {
	if len(secret) < 32 {
		return ErrWeakSecret
	}
	mu.Lock()
	jwtSecret = []byte(secret)
	mu.Unlock()
	return nil
}

func currentSecret() ([]byte, error) {
	mu.RLock()
	defer mu.RUnlock()
	if len(jwtSecret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	return jwtSecret, nil
}

// GenerateToken creates a signed HS256 token for the organisation and role.
func GenerateToken(organisationID, role string, ttl time.Duration) (string, error) {
	secret, err := currentSecret()
	if err != nil {
		return "", err
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now().Unix()
	claims := Claims{
		OrganisationID: organisationID,
		Role:           role,
		Issuer:         issuer,
		Audience:       audience,
		ExpiresAt:      now + int64(ttl.Seconds()),
		IssuedAt:       now,
		NotBefore:      now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	tokenPart := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)
	return tokenPart + "." + computeHMAC(tokenPart, secret), nil
}

// ValidateToken verifies the signature and standard claims.
func ValidateToken(tokenString string) (*Claims, error) {
	secret, err := currentSecret()
	if err != nil {
		return nil, err
	}

	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	tokenPart := parts[0] + "." + parts[1]
	expected := computeHMAC(tokenPart, secret)
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, errors.New("invalid signature")
	}

	claimsJSON, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal claims: %w", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if now < claims.NotBefore {
		return nil, errors.New("token not yet valid")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("invalid issuer")
	}
	if claims.Audience != audience {
		return nil, errors.New("invalid audience")
	}
	if claims.OrganisationID == "" {
		return nil, errors.New("missing organisation claim")
	}

	return &claims, nil
}

func computeHMAC(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64URLEncode(h.Sum(nil))
}

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64URLDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
