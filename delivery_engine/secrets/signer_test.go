package secrets

import (
	"strings"
	"testing"
	"time"
)

func TestSignAndVerifyPayload(t *testing.T) {
	signer := NewSigner([]byte("test-secret"))
	body := []byte(`{"order":42}`)

	header := signer.SignPayload(body, time.Now())
	if !strings.HasPrefix(header, "t=") || !strings.Contains(header, ",v1=") {
		t.Fatalf("unexpected header shape: %s", header)
	}
	if err := signer.VerifyPayload(body, header, 5*time.Minute); err != nil {
		t.Errorf("fresh signature failed verification: %v", err)
	}
}

func TestVerifyPayloadRejectsTamperedBody(t *testing.T) {
	signer := NewSigner([]byte("test-secret"))
	header := signer.SignPayload([]byte(`{"order":42}`), time.Now())

	if err := signer.VerifyPayload([]byte(`{"order":43}`), header, 5*time.Minute); err == nil {
		t.Error("tampered body must fail verification")
	}
}

func TestVerifyPayloadRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"order":42}`)
	header := NewSigner([]byte("secret-a")).SignPayload(body, time.Now())

	if err := NewSigner([]byte("secret-b")).VerifyPayload(body, header, 5*time.Minute); err == nil {
		t.Error("signature from another secret must fail verification")
	}
}

func TestVerifyPayloadEnforcesTolerance(t *testing.T) {
	signer := NewSigner([]byte("test-secret"))
	body := []byte(`{"order":42}`)
	header := signer.SignPayload(body, time.Now().Add(-10*time.Minute))

	if err := signer.VerifyPayload(body, header, 5*time.Minute); err == nil {
		t.Error("stale timestamp must fail verification")
	}
	// zero tolerance disables the replay check
	if err := signer.VerifyPayload(body, header, 0); err != nil {
		t.Errorf("tolerance 0 should skip the timestamp check: %v", err)
	}
}

func TestVerifyPayloadRejectsMalformedHeaders(t *testing.T) {
	signer := NewSigner([]byte("test-secret"))
	for _, header := range []string{"", "v1=abc", "t=123", "t=abc,v1=def", "garbage"} {
		if err := signer.VerifyPayload([]byte("x"), header, 0); err == nil {
			t.Errorf("header %q should not verify", header)
		}
	}
}

func TestSignAndVerifyToken(t *testing.T) {
	signer := NewSigner([]byte("link-key"))
	now := time.Now()
	expires := now.Add(24 * time.Hour)

	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	sig := signer.SignToken(token, expires)

	if err := signer.VerifyToken(token, sig, expires, now); err != nil {
		t.Errorf("valid token failed verification: %v", err)
	}
	if err := signer.VerifyToken(token, sig, expires, expires.Add(time.Second)); err == nil {
		t.Error("expired token must fail verification")
	}
	if err := signer.VerifyToken(token, sig, expires.Add(time.Hour), now); err == nil {
		t.Error("altered expiry must break the signature")
	}
	if err := signer.VerifyToken(token+"x", sig, expires, now); err == nil {
		t.Error("altered token must break the signature")
	}
}

func TestGeneratedSecretsAreUnique(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Error("two generated secrets collided")
	}
	if len(a) < 40 {
		t.Errorf("secret too short for 32 random bytes: %d chars", len(a))
	}
}
