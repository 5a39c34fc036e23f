package app

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// SigningKeys holds the built-in provider's RSA signing key and its JWKS
// exposure. Keys are generated at startup and never persisted; the dev
// provider has no state worth keeping across restarts.
type SigningKeys struct {
	mu  sync.RWMutex
	key *rsa.PrivateKey
	jwk jose.JSONWebKey
	kid string
}

// NewSigningKeys generates a fresh RSA key pair.
func NewSigningKeys() (*SigningKeys, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	kid := randomKID()
	return &SigningKeys{
		key: key,
		kid: kid,
		jwk: jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
	}, nil
}

// Sign signs claims and returns the token string with kid.
func (k *SigningKeys) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	k.mu.RLock()
	defer k.mu.RUnlock()
	token.Header["kid"] = k.kid
	return token.SignedString(k.key)
}

// PublicJWKS exposes the public key for the JWKS endpoint.
func (k *SigningKeys) PublicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k.jwk.Public()}}
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
