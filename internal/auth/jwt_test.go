package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// newTestJWKS starts an httptest server serving a single RSA JWK and returns
// the server plus a signer for tokens matching that key's kid.
func newTestJWKS(t *testing.T) (*httptest.Server, *rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	const kid = "test-key-1"

	jwk := map[string]any{
		"kty": "RSA",
		"kid": kid,
		"use": "sig",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": []any{jwk}})
	}))
	return srv, key, kid
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTValidator_ValidTokenNoAudienceOrIssuerConstraint(t *testing.T) {
	srv, key, kid := newTestJWKS(t)
	defer srv.Close()

	v, err := NewJWTValidator(srv.URL, "", "")
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	defer v.Close()

	token := signToken(t, key, kid, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})

	claims, err := v.Validate(token)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if v.GetUserID(claims) != "user-1" {
		t.Errorf("GetUserID = %q, want user-1", v.GetUserID(claims))
	}
}

func TestJWTValidator_RejectsWrongAudience(t *testing.T) {
	srv, key, kid := newTestJWKS(t)
	defer srv.Close()

	v, err := NewJWTValidator(srv.URL, "bridge-server", "")
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	defer v.Close()

	token := signToken(t, key, kid, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"someone-else"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})

	if _, err := v.Validate(token); err == nil {
		t.Error("expected validation to fail for mismatched audience")
	}
}

func TestJWTValidator_AcceptsMatchingAudienceAndIssuer(t *testing.T) {
	srv, key, kid := newTestJWKS(t)
	defer srv.Close()

	v, err := NewJWTValidator(srv.URL, "bridge-server", "https://issuer.example.com")
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	defer v.Close()

	token := signToken(t, key, kid, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"bridge-server"},
		Issuer:    "https://issuer.example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})

	if _, err := v.Validate(token); err != nil {
		t.Errorf("expected validation to succeed, got: %v", err)
	}
}

func TestJWTValidator_RejectsExpiredToken(t *testing.T) {
	srv, key, kid := newTestJWKS(t)
	defer srv.Close()

	v, err := NewJWTValidator(srv.URL, "", "")
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	defer v.Close()

	token := signToken(t, key, kid, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}})

	if _, err := v.Validate(token); err == nil {
		t.Error("expected validation to fail for an expired token")
	}
}

func TestJWTValidator_RejectsGarbageToken(t *testing.T) {
	srv, _, _ := newTestJWKS(t)
	defer srv.Close()

	v, err := NewJWTValidator(srv.URL, "", "")
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	defer v.Close()

	if _, err := v.Validate("not.a.jwt"); err == nil {
		t.Error("expected validation to fail for a malformed token")
	}
}
