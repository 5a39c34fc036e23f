package app

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Fixed identity issued by the built-in provider.
const (
	devSubject = "dev-user"
	devName    = "Dev User"
	devEmail   = "dev@example.com"

	devAccessTTL = 10 * time.Minute
	devCodeTTL   = 2 * time.Minute
)

// DevProvider is a minimal OpenID provider for development mode. It
// auto-approves a fixed user, enforces PKCE on the code exchange, and
// signs RS256 tokens with in-memory keys. Codes are single use.
type DevProvider struct {
	issuer string
	keys   *SigningKeys
	logger *slog.Logger

	mu    sync.Mutex
	codes map[string]devCode
}

type devCode struct {
	Challenge   string
	RedirectURI string
	Nonce       string
	ExpiresAt   time.Time
}

// NewDevProvider constructs the provider. The issuer must be the public
// URL under which its routes are mounted.
func NewDevProvider(issuer string, keys *SigningKeys, logger *slog.Logger) *DevProvider {
	return &DevProvider{
		issuer: strings.TrimSuffix(issuer, "/"),
		keys:   keys,
		logger: logger,
		codes:  make(map[string]devCode),
	}
}

// Routes mounts the provider endpoints.
func (p *DevProvider) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid_configuration", p.handleDiscovery)
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	r.Get("/userinfo", p.handleUserInfo)
	r.Get("/logout", p.handleLogout)
	r.Get("/jwks.json", p.handleJWKS)
	return r
}

func (p *DevProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"issuer":                 p.issuer,
		"authorization_endpoint": p.issuer + "/authorize",
		"token_endpoint":         p.issuer + "/token",
		"userinfo_endpoint":      p.issuer + "/userinfo",
		"end_session_endpoint":   p.issuer + "/logout",
		"jwks_uri":               p.issuer + "/jwks.json",
	})
}

func (p *DevProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, p.keys.PublicJWKS())
}

func (p *DevProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	challenge := q.Get("code_challenge")

	if q.Get("client_id") == "" || redirectURI == "" {
		http.Error(w, "invalid_request: client_id and redirect_uri are required", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" {
		oauthRedirectError(w, redirectURI, state, "unsupported_response_type", "only code is supported")
		return
	}
	if challenge == "" || q.Get("code_challenge_method") != "S256" {
		oauthRedirectError(w, redirectURI, state, "invalid_request", "PKCE with S256 is required")
		return
	}

	code := randomCode()
	p.mu.Lock()
	p.codes[code] = devCode{
		Challenge:   challenge,
		RedirectURI: redirectURI,
		Nonce:       q.Get("nonce"),
		ExpiresAt:   time.Now().Add(devCodeTTL),
	}
	p.mu.Unlock()

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid_request: bad redirect_uri", http.StatusBadRequest)
		return
	}
	rq := target.Query()
	rq.Set("code", code)
	rq.Set("state", state)
	target.RawQuery = rq.Encode()

	p.logger.Debug("dev provider approved authorization", "client_id", q.Get("client_id"))
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *DevProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthJSONError(w, "invalid_request", "invalid form")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		oauthJSONError(w, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	ac, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	if !ok || time.Now().After(ac.ExpiresAt) {
		oauthJSONError(w, "invalid_grant", "unknown or expired code")
		return
	}
	if uri := r.PostForm.Get("redirect_uri"); uri != ac.RedirectURI {
		oauthJSONError(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if err := verifyPKCE(ac.Challenge, r.PostForm.Get("code_verifier")); err != nil {
		oauthJSONError(w, "invalid_grant", err.Error())
		return
	}

	clientID := r.PostForm.Get("client_id")
	now := time.Now()

	access, err := p.keys.Sign(jwt.MapClaims{
		"iss":   p.issuer,
		"sub":   devSubject,
		"aud":   clientID,
		"scope": "openid profile email",
		"iat":   now.Unix(),
		"exp":   now.Add(devAccessTTL).Unix(),
	})
	if err != nil {
		p.logger.Error("dev provider token signing failed", "err", err)
		oauthJSONError(w, "server_error", "token signing failed")
		return
	}

	idClaims := jwt.MapClaims{
		"iss":   p.issuer,
		"sub":   devSubject,
		"aud":   clientID,
		"name":  devName,
		"email": devEmail,
		"iat":   now.Unix(),
		"exp":   now.Add(devAccessTTL).Unix(),
	}
	if ac.Nonce != "" {
		idClaims["nonce"] = ac.Nonce
	}
	idToken, err := p.keys.Sign(idClaims)
	if err != nil {
		p.logger.Error("dev provider token signing failed", "err", err)
		oauthJSONError(w, "server_error", "token signing failed")
		return
	}

	writeJSON(w, map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   int64(devAccessTTL.Seconds()),
		"id_token":     idToken,
		"scope":        "openid profile email",
	})
}

func (p *DevProvider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	raw := extractBearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return &p.keys.key.PublicKey, nil
	})
	if err != nil || !tok.Valid {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	writeJSON(w, map[string]any{
		"sub":   devSubject,
		"name":  devName,
		"email": devEmail,
	})
}

func (p *DevProvider) handleLogout(w http.ResponseWriter, r *http.Request) {
	if target := r.URL.Query().Get("post_logout_redirect_uri"); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if expected != challenge {
		return fmt.Errorf("pkce verification failed")
	}
	return nil
}

func randomCode() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("code-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func oauthJSONError(w http.ResponseWriter, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

func oauthRedirectError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
