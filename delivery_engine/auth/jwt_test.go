package auth

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func configure(t *testing.T, secret string) {
	t.Helper()
	if err := Configure(secret); err != nil {
		t.Fatalf("configure: %v", err)
	}
}

func TestConfigureRejectsWeakSecret(t *testing.T) {
	if err := Configure("short"); err != ErrWeakSecret {
		t.Errorf("expected ErrWeakSecret, got %v", err)
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	configure(t, testSecret)

	token, err := GenerateToken("org-1", RoleMember, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(strings.Split(token, ".")) != 3 {
		t.Fatalf("token is not three dot-separated parts: %s", token)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.OrganisationID != "org-1" {
		t.Errorf("organisation claim lost: %s", claims.OrganisationID)
	}
	if claims.Role != RoleMember {
		t.Errorf("role claim lost: %s", claims.Role)
	}
	if claims.Issuer != "dispatchforge" || claims.Audience != "dispatchforge-api" {
		t.Errorf("standard claims wrong: iss=%s aud=%s", claims.Issuer, claims.Audience)
	}
}

func TestGenerateTokenDefaultsUnsetTTL(t *testing.T) {
	configure(t, testSecret)

	token, err := GenerateToken("org-1", RoleMember, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	lifetime := claims.ExpiresAt - claims.IssuedAt
	if lifetime != int64((24 * time.Hour).Seconds()) {
		t.Errorf("unset ttl should default to 24h, got %ds", lifetime)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	configure(t, testSecret)

	token, err := GenerateToken("org-1", RoleMember, -time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ValidateToken(token); err == nil {
		t.Error("expired token validated")
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	configure(t, testSecret)

	token, _ := GenerateToken("org-1", RoleMember, time.Hour)
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := ValidateToken(tampered); err == nil {
		t.Error("tampered claims validated")
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	configure(t, testSecret)
	token, _ := GenerateToken("org-1", RoleOperator, time.Hour)

	configure(t, "fedcba9876543210fedcba9876543210")
	if _, err := ValidateToken(token); err == nil {
		t.Error("token from another secret validated")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	configure(t, testSecret)
	for _, token := range []string{"", "a.b", "a.b.c.d", "not-a-token"} {
		if _, err := ValidateToken(token); err == nil {
			t.Errorf("token %q validated", token)
		}
	}
}
