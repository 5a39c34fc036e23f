package rp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// GenerateCodeVerifier produces a high-entropy PKCE code verifier: 32 random
// bytes encoded as unpadded URL-safe base64, giving 43 characters (RFC 7636
// allows 43-128). A failing random source is fatal; there is no weak
// fallback generator.
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return Base64URLEncode(buf), nil
}

// CodeChallengeS256 derives the S256 code challenge for a verifier. Only the
// challenge travels in the authorization redirect; the verifier is sent
// nowhere except the token endpoint at exchange time.
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return Base64URLEncode(sum[:])
}

// GenerateState produces the anti-CSRF state parameter. It must round-trip
// unchanged through the authorization redirect.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return Base64URLEncode(buf), nil
}

// Base64URLEncode encodes bytes as URL-safe base64 without padding.
func Base64URLEncode(b []byte) string {
	s := base64.StdEncoding.EncodeToString(b)
	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	return strings.TrimRight(s, "=")
}
