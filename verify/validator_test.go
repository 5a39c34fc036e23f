package verify

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type testIssuer struct {
	key  *rsa.PrivateKey
	kid  string
	jwks *httptest.Server
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	iss := &testIssuer{key: key, kid: "test-key"}
	iss.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     iss.kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(iss.jwks.Close)
	return iss
}

func (iss *testIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = iss.kid
	signed, err := tok.SignedString(iss.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestValidateAcceptsSignedToken(t *testing.T) {
	iss := newTestIssuer(t)
	v := NewValidator(ValidatorConfig{
		Issuer:            "https://idp.example.com",
		JWKSURL:           iss.jwks.URL,
		ExpectedAudiences: []string{"app"},
	})

	raw := iss.sign(t, jwt.MapClaims{
		"iss": "https://idp.example.com",
		"sub": "user-1",
		"aud": "app",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})

	claims, err := v.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", claims.Subject)
	}
	if claims.Issuer != "https://idp.example.com" {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	iss := newTestIssuer(t)
	v := NewValidator(ValidatorConfig{
		Issuer:  "https://idp.example.com",
		JWKSURL: iss.jwks.URL,
	})

	raw := iss.sign(t, jwt.MapClaims{
		"iss": "https://evil.example.com",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.Validate(context.Background(), raw); err == nil {
		t.Fatal("expected issuer mismatch")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	iss := newTestIssuer(t)
	v := NewValidator(ValidatorConfig{
		JWKSURL:           iss.jwks.URL,
		ExpectedAudiences: []string{"app"},
	})

	raw := iss.sign(t, jwt.MapClaims{
		"sub": "user-1",
		"aud": "other",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.Validate(context.Background(), raw); err == nil {
		t.Fatal("expected audience rejection")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	iss := newTestIssuer(t)
	v := NewValidator(ValidatorConfig{JWKSURL: iss.jwks.URL})

	raw := iss.sign(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	if _, err := v.Validate(context.Background(), raw); err == nil {
		t.Fatal("expected expiry rejection")
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	iss := newTestIssuer(t)
	v := NewValidator(ValidatorConfig{JWKSURL: iss.jwks.URL})

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = iss.kid
	raw, err := tok.SignedString(other)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.Validate(context.Background(), raw); err == nil {
		t.Fatal("expected signature rejection")
	}
}
