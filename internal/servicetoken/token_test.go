package servicetoken

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer := NewSigner("secret", "gateway", time.Minute)
	raw, err := signer.Sign("compute")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if raw == "" {
		t.Fatalf("expected token")
	}

	verifier, err := NewVerifier("secret", "gateway", "compute")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	subject, err := verifier.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "gateway" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	signer := NewSigner("secret", "gateway", time.Minute)
	raw, err := signer.Sign("other-service")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	verifier, err := NewVerifier("secret", "gateway", "compute")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := verifier.Verify(raw); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewSigner("secret-a", "gateway", time.Minute)
	raw, err := signer.Sign("compute")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	verifier, err := NewVerifier("secret-b", "gateway", "compute")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := verifier.Verify(raw); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
}

func TestEmptySecretDisablesSigning(t *testing.T) {
	signer := NewSigner("", "gateway", time.Minute)
	raw, err := signer.Sign("compute")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if raw != "" {
		t.Fatalf("expected empty token with no secret")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := signer.Attach(req, "compute"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if req.Header.Get(Header) != "" {
		t.Fatalf("attach must be a no-op without a secret")
	}
}

func TestAttachSetsHeader(t *testing.T) {
	signer := NewSigner("secret", "gateway", time.Minute)
	req := httptest.NewRequest(http.MethodPost, "/embeddings", nil)
	if err := signer.Attach(req, "compute"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if req.Header.Get(Header) == "" {
		t.Fatalf("expected header %s to be set", Header)
	}
}
