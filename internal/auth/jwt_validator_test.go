package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signedTestToken(t *testing.T, claims StandardClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret-not-checked-in-dev-mode"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func TestJWTTokenValidator_DevModePrefersSubOverUserIdOverEmail(t *testing.T) {
	v, err := NewTokenValidator("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token := signedTestToken(t, StandardClaims{
		Sub:    "sub-123",
		UserId: "user-456",
		Email:  "a@example.com",
	})

	got, err := v.ExtractUserID(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "sub-123" {
		t.Fatalf("expected sub to win, got %q", got)
	}
}

func TestJWTTokenValidator_DevModeFallsBackToUserIdThenEmail(t *testing.T) {
	v, _ := NewTokenValidator("")

	got, err := v.ExtractUserID(signedTestToken(t, StandardClaims{UserId: "user-456", Email: "a@example.com"}))
	if err != nil || got != "user-456" {
		t.Fatalf("expected fallback to user_id, got %q, err %v", got, err)
	}

	got, err = v.ExtractUserID(signedTestToken(t, StandardClaims{Email: "a@example.com"}))
	if err != nil || got != "a@example.com" {
		t.Fatalf("expected fallback to email, got %q, err %v", got, err)
	}
}

func TestJWTTokenValidator_DevModeRejectsEmptyClaims(t *testing.T) {
	v, _ := NewTokenValidator("")
	_, err := v.ExtractUserID(signedTestToken(t, StandardClaims{}))
	if err == nil {
		t.Fatal("expected an error when no sub, user_id, or email is present")
	}
}

func TestJWTTokenValidator_ProductionModeWithoutKeySetErrors(t *testing.T) {
	v := &JWTTokenValidator{devMode: false, jwksURL: "https://example.invalid/jwks"}
	_, err := v.ExtractUserID(signedTestToken(t, StandardClaims{Sub: "x"}))
	if err != ErrNoJWKS {
		t.Fatalf("expected ErrNoJWKS when key set is nil, got %v", err)
	}
}

func TestJWTTokenValidator_ExpiredDevModeTokenStillExtractsID(t *testing.T) {
	// Dev mode deliberately skips expiry checks (and signature checks): it
	// exists for local development without a JWKS endpoint, not to enforce
	// production token lifecycle rules.
	v, _ := NewTokenValidator("")
	token := signedTestToken(t, StandardClaims{
		Sub: "sub-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	got, err := v.ExtractUserID(token)
	if err != nil || got != "sub-1" {
		t.Fatalf("expected dev mode to ignore expiry, got %q, err %v", got, err)
	}
}
