package tokens

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "test-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func mintTokenNoExp(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "test-user"})
	signed, err := tok.SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestValid(t *testing.T) {
	if Valid("") {
		t.Fatal("empty token should not be valid")
	}
	if Valid("not-a-jwt") {
		t.Fatal("garbage token should not be valid")
	}
	if Valid(mintToken(t, -time.Minute)) {
		t.Fatal("expired token should not be valid")
	}
	if Valid(mintTokenNoExp(t)) {
		t.Fatal("token without exp should not be valid")
	}
	if !Valid(mintToken(t, time.Hour)) {
		t.Fatal("fresh token should be valid")
	}
}

func TestStoreLifecycle(t *testing.T) {
	s := NewStore()
	if s.HasValidToken() {
		t.Fatal("new store should have no valid token")
	}

	access := mintToken(t, time.Hour)
	s.SetTokens(access, "id-token")
	if got := s.AccessToken(); got != access {
		t.Fatalf("AccessToken = %q, want %q", got, access)
	}
	if got := s.IDToken(); got != "id-token" {
		t.Fatalf("IDToken = %q, want %q", got, "id-token")
	}
	if !s.HasValidToken() {
		t.Fatal("stored fresh token should report valid")
	}

	s.ClearAccessToken()
	if s.AccessToken() != "" {
		t.Fatal("ClearAccessToken should drop the access token")
	}
	if s.IDToken() != "id-token" {
		t.Fatal("ClearAccessToken should keep the ID token")
	}

	s.SetAccessToken(access)
	s.Clear()
	if s.AccessToken() != "" || s.IDToken() != "" {
		t.Fatal("Clear should drop both tokens")
	}
	if s.HasValidToken() {
		t.Fatal("cleared store should have no valid token")
	}
}

func TestStoreExpiredToken(t *testing.T) {
	s := NewStore()
	s.SetAccessToken(mintToken(t, -time.Minute))
	if s.HasValidToken() {
		t.Fatal("expired token should not report valid")
	}
}

func TestShouldRefresh(t *testing.T) {
	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"empty", "", false},
		{"garbage", "not-a-jwt", false},
		{"expired", mintToken(t, -time.Minute), false},
		{"inside window", mintToken(t, time.Minute), true},
		{"at edge", mintToken(t, 119*time.Second), true},
		{"outside window", mintToken(t, time.Hour), false},
		{"no exp", mintTokenNoExp(t), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore()
			if tc.token != "" {
				s.SetAccessToken(tc.token)
			}
			if got := s.ShouldRefresh(); got != tc.want {
				t.Fatalf("ShouldRefresh = %v, want %v", got, tc.want)
			}
		})
	}
}
