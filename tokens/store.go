// Package tokens holds the current access and ID token for one application
// session. Tokens live only in process memory and are never written to
// durable storage; closing the session forgets them.
package tokens

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshWindow is the remaining lifetime below which callers should obtain
// a fresh access token.
const refreshWindow = 2 * time.Minute

// Store is the in-memory token holder. An empty access token means the
// session is unauthenticated, regardless of any other state. Methods are
// safe for concurrent use; readers observe either the old or the new value,
// never a partial update.
type Store struct {
	mu     sync.RWMutex
	access string
	id     string
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{} }

// SetAccessToken replaces the access token only.
func (s *Store) SetAccessToken(token string) {
	s.mu.Lock()
	s.access = token
	s.mu.Unlock()
}

// SetTokens replaces the access and ID token pair.
func (s *Store) SetTokens(access, id string) {
	s.mu.Lock()
	s.access = access
	s.id = id
	s.mu.Unlock()
}

// AccessToken returns the current access token, empty when unauthenticated.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// IDToken returns the current ID token.
func (s *Store) IDToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// ClearAccessToken drops the access token only.
func (s *Store) ClearAccessToken() {
	s.mu.Lock()
	s.access = ""
	s.mu.Unlock()
}

// Clear drops both tokens.
func (s *Store) Clear() {
	s.mu.Lock()
	s.access = ""
	s.id = ""
	s.mu.Unlock()
}

// HasValidToken reports whether a non-expired access token is stored.
func (s *Store) HasValidToken() bool {
	return Valid(s.AccessToken())
}

// ShouldRefresh reports whether the stored access token is valid but close
// enough to expiry that a new authorization should be started. It fails
// closed: no token, an undecodable token, or one already expired yields
// false rather than forcing a refresh loop.
func (s *Store) ShouldRefresh() bool {
	tok := s.AccessToken()
	if tok == "" {
		return false
	}
	exp, ok := expiry(tok)
	if !ok {
		return false
	}
	remaining := time.Until(exp)
	return remaining > 0 && remaining <= refreshWindow
}

// Valid reports whether the token carries an exp claim strictly in the
// future. Claims are decoded without signature verification: the result is
// advisory, used for UI and refresh timing, never to grant access.
func Valid(token string) bool {
	exp, ok := expiry(token)
	if !ok {
		return false
	}
	return exp.After(time.Now())
}

func expiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
