package rp

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func TestGenerateCodeVerifier(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		v, err := GenerateCodeVerifier()
		if err != nil {
			t.Fatalf("GenerateCodeVerifier: %v", err)
		}
		if len(v) < 43 || len(v) > 128 {
			t.Fatalf("verifier length %d outside 43..128", len(v))
		}
		for _, r := range v {
			ok := r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_'
			if !ok {
				t.Fatalf("verifier contains %q", r)
			}
		}
		if seen[v] {
			t.Fatal("verifier repeated")
		}
		seen[v] = true
	}
}

func TestCodeChallengeS256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	got := CodeChallengeS256(verifier)
	if got != want {
		t.Fatalf("challenge = %q, want %q", got, want)
	}
	if strings.ContainsAny(got, "+/=") {
		t.Fatalf("challenge %q is not base64url without padding", got)
	}
}

func TestBase64URLEncode(t *testing.T) {
	// Bytes chosen so standard base64 would contain +, / and padding.
	in := []byte{0xfb, 0xff, 0xbf, 0x01}
	got := Base64URLEncode(in)
	want := base64.RawURLEncoding.EncodeToString(in)
	if got != want {
		t.Fatalf("Base64URLEncode = %q, want %q", got, want)
	}
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	b, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	if a == "" || a == b {
		t.Fatalf("states not unique: %q %q", a, b)
	}
}
