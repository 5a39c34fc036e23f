// Package verify checks ID token signatures against the provider's JWKS.
// Verification here is optional hardening on top of the code exchange; the
// rest of the application only ever decodes tokens advisorily.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const defaultKeyTTL = 5 * time.Minute

// ValidatorConfig configures the ID token validator. Issuer and
// ExpectedAudiences come from the provider discovery document and the
// client registration; leaving either empty skips that check.
type ValidatorConfig struct {
	Issuer            string
	JWKSURL           string
	ExpectedAudiences []string
	CacheTTL          time.Duration
	HTTPClient        *http.Client
}

// Validator verifies RS256-signed ID tokens against the provider's
// published keys. The key set is cached between validations and refetched
// when a token references an unknown kid, so provider key rotation does
// not need a restart.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client

	mu   sync.RWMutex
	keys keyCache
}

type keyCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// Claims is the verified view of an ID token, plus the raw claim map for
// fields this package does not interpret.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// NewValidator builds a validator. A zero CacheTTL keeps keys for five
// minutes.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultKeyTTL
	}
	return &Validator{cfg: cfg, client: client}
}

// Validate checks the token signature against the cached JWKS and the
// issuer, subject and audience claims against the configuration. Expiry is
// enforced by the parser with 30 seconds of leeway.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("empty id token")
	}

	set, err := v.keySet(ctx, "")
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := keyForKID(set, kid)
		if key == nil {
			// Unknown kid usually means the provider rotated keys.
			if refreshed, err := v.keySet(ctx, kid); err == nil {
				key = keyForKID(refreshed, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("no jwks key for kid %q", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("id token rejected")
	}

	return v.checkClaims(claims)
}

// VerifyClaims validates rawToken and returns the full claim set.
func (v *Validator) VerifyClaims(ctx context.Context, rawToken string) (map[string]any, error) {
	claims, err := v.Validate(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	return claims.Raw, nil
}

// keySet returns the cached JWKS, refetching when the cache is stale or a
// kid forces a refresh.
func (v *Validator) keySet(ctx context.Context, forceForKID string) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cached := v.keys
	v.mu.RUnlock()

	if cached.set.Keys != nil && time.Now().Before(cached.expires) && forceForKID == "" {
		return cached.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cached.expires = time.Now().Add(v.cfg.CacheTTL)
		v.storeKeys(cached)
		return cached.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	fresh := keyCache{set: set, fetched: time.Now(), etag: resp.Header.Get("ETag")}
	fresh.expires = fresh.fetched.Add(keyLifetime(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))
	v.storeKeys(fresh)

	return set, nil
}

func (v *Validator) storeKeys(c keyCache) {
	v.mu.Lock()
	v.keys = c
	v.mu.Unlock()
}

func (v *Validator) checkClaims(mc jwt.MapClaims) (*Claims, error) {
	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	iss, _ := mc["iss"].(string)
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return nil, fmt.Errorf("issuer %q not trusted", iss)
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("id token has no subject")
	}

	audiences := audienceList(mc["aud"])
	if len(v.cfg.ExpectedAudiences) > 0 && !audienceMatches(audiences, v.cfg.ExpectedAudiences) {
		return nil, errors.New("id token not issued for this client")
	}

	return &Claims{
		Subject:   sub,
		Issuer:    iss,
		Audiences: audiences,
		ExpiresAt: unixTime(mc["exp"]),
		IssuedAt:  unixTime(mc["iat"]),
		Raw:       raw,
	}, nil
}

func keyForKID(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if kid == "" || set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}

func audienceMatches(got, expected []string) bool {
	for _, g := range got {
		for _, e := range expected {
			if g == e {
				return true
			}
		}
	}
	return false
}

// audienceList flattens the aud claim, which may be a string or an array.
func audienceList(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

func unixTime(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}

// keyLifetime honours the JWKS response's Cache-Control max-age when
// present, bounded below by the configured TTL fallback.
func keyLifetime(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = defaultKeyTTL
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if d, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return d
			}
		}
	}
	return fallback
}
