package token

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestNewRefreshTokenValue(t *testing.T) {
	a, err := NewRefreshTokenValue()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := NewRefreshTokenValue()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Fatal("two generated tokens must differ")
	}

	raw, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("token is not url-safe base64: %v", err)
	}
	if len(raw) != 48 {
		t.Fatalf("expected 48 bytes of entropy, got %d", len(raw))
	}
}

func TestHashRefreshToken(t *testing.T) {
	h := HashRefreshToken("some-token")
	if len(h) != 64 {
		t.Fatalf("expected sha256 hex, got %q", h)
	}
	if h != HashRefreshToken("some-token") {
		t.Fatal("hash must be deterministic")
	}
	if h == HashRefreshToken("other-token") {
		t.Fatal("different tokens must hash differently")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret", "workit-auth", "workit-api", 15*time.Minute)

	signed, expiresAt, err := issuer.CreateAccessToken("user-1", "user@example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if time.Until(expiresAt) <= 14*time.Minute {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := issuer.VerifyAccessToken(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("expected sub user-1, got %q", claims.Subject)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("expected email claim, got %q", claims.Email)
	}
	if claims.TokenType != "access" {
		t.Fatalf("expected type access, got %q", claims.TokenType)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer("secret-a", "workit-auth", "workit-api", 15*time.Minute)
	other := NewIssuer("secret-b", "workit-auth", "workit-api", 15*time.Minute)

	signed, _, err := issuer.CreateAccessToken("user-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := other.VerifyAccessToken(signed); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	issuer := NewIssuer("test-secret", "workit-auth", "workit-api", -time.Minute)
	signed, _, err := issuer.CreateAccessToken("user-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := issuer.VerifyAccessToken(signed); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	issuer := NewIssuer("test-secret", "workit-auth", "other-api", 15*time.Minute)
	verifier := NewIssuer("test-secret", "workit-auth", "workit-api", 15*time.Minute)

	signed, _, err := issuer.CreateAccessToken("user-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := verifier.VerifyAccessToken(signed); err == nil {
		t.Fatal("token for another audience must be rejected")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	issuer := NewIssuer("test-secret", "workit-auth", "workit-api", 15*time.Minute)
	if _, err := issuer.VerifyAccessToken("not.a.jwt"); err == nil {
		t.Fatal("garbage token must be rejected")
	}
}
