// Package rp implements the relying-party side of the OpenID Connect
// authorization code flow with PKCE: provider discovery, the authorization
// redirect, callback validation, the code-for-token exchange, userinfo, and
// provider logout. The client is a public client; PKCE is the sole proof of
// possession and no client secret is ever sent.
package rp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// State identifies the stable protocol states a client moves through.
type State int

const (
	StateUninitialized State = iota
	StateMetadataLoaded
	StateRedirectIssued
	StateCallbackPending
	StateAuthenticated
)

// Config describes one provider integration. It is immutable once the client
// is constructed; a new provider means a new client.
type Config struct {
	IssuerURL   string
	ClientID    string
	RedirectURI string
	Scopes      []string
	// LogoutURL overrides the discovered end-session endpoint when set.
	LogoutURL string
	// Audience, when set, is forwarded on the authorization request.
	Audience string
}

// TokenResponse is the result of a successful code exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	IDToken     string `json:"id_token,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// Token converts the response for callers that drive outgoing requests with
// the oauth2 package.
func (t TokenResponse) Token() *oauth2.Token {
	tok := &oauth2.Token{AccessToken: t.AccessToken, TokenType: t.TokenType}
	if t.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok
}

// Client drives the authorization code + PKCE flow against one provider.
// Construct it explicitly and pass it by reference; there is no package-level
// instance.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *slog.Logger
	nav      Navigator
	attempts AttemptStore

	metadata *Metadata
	state    State
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client used for discovery, exchange,
// and userinfo calls.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithNavigator supplies the navigation capability for redirects.
func WithNavigator(n Navigator) Option { return func(c *Client) { c.nav = n } }

// WithAttemptStore supplies the storage for the pending authorization
// attempt. Defaults to an in-memory store, which only suffices when the
// same process handles the whole round-trip.
func WithAttemptStore(s AttemptStore) Option { return func(c *Client) { c.attempts = s } }

// WithMetadata seeds an already-fetched discovery document, skipping the
// network fetch in Init.
func WithMetadata(md *Metadata) Option {
	return func(c *Client) {
		c.metadata = md
		if md != nil {
			c.state = StateMetadataLoaded
		}
	}
}

// NewClient constructs a protocol client for one provider.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		http:     http.DefaultClient,
		logger:   slog.Default(),
		attempts: NewMemStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current protocol state.
func (c *Client) State() State { return c.state }

// Metadata returns the cached discovery document, nil before Init.
func (c *Client) Metadata() *Metadata { return c.metadata }

// Init fetches and caches the provider discovery document. A failure here is
// fatal for this client instance; callers must not proceed to Authorize
// without valid metadata.
func (c *Client) Init(ctx context.Context) error {
	if c.metadata != nil {
		return nil
	}
	md, err := fetchMetadata(ctx, c.http, c.cfg.IssuerURL)
	if err != nil {
		return err
	}
	c.metadata = md
	c.state = StateMetadataLoaded
	c.logger.Debug("provider metadata loaded",
		"issuer", md.Issuer,
		"authorization_endpoint", md.AuthorizationEndpoint,
		"token_endpoint", md.TokenEndpoint,
	)
	return nil
}

// Authorize starts a fresh authorization attempt: it generates the PKCE pair
// and state, persists them for the round-trip, and redirects to the
// provider's authorization endpoint. The redirect is a terminal transition;
// this call does not return control under normal operation.
func (c *Client) Authorize(ctx context.Context) error {
	if c.nav == nil {
		return errors.New("no navigator configured")
	}
	if err := c.Init(ctx); err != nil {
		return err
	}

	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return err
	}
	state, err := GenerateState()
	if err != nil {
		return err
	}

	c.attempts.Set(KeyCodeVerifier, verifier)
	c.attempts.Set(KeyState, state)
	c.attempts.Set(KeyRedirectURI, c.cfg.RedirectURI)

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", CodeChallengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if c.cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", c.cfg.Audience))
	}
	authURL := c.oauthConfig().AuthCodeURL(state, opts...)

	c.state = StateRedirectIssued
	c.logger.Info("redirecting to authorization endpoint", "client_id", c.cfg.ClientID)
	return c.nav.Redirect(authURL)
}

// IsCallback reports whether the current URL is an authorization callback:
// its query carries either a code or a provider error.
func (c *Client) IsCallback() bool {
	if c.nav == nil {
		return false
	}
	q := c.nav.CurrentURL().Query()
	return q.Has("code") || q.Has("error")
}

// HandleCallback validates the callback parameters and exchanges the code
// for tokens. State is checked against the stored attempt before any network
// call; the stored attempt is cleared on success and on failure so a
// replayed callback can never complete, without masking the primary error.
func (c *Client) HandleCallback(ctx context.Context) (TokenResponse, error) {
	if c.nav == nil {
		return TokenResponse{}, errors.New("no navigator configured")
	}
	c.state = StateCallbackPending
	q := c.nav.CurrentURL().Query()

	defer c.clearAttempt()

	if errCode := q.Get("error"); errCode != "" {
		return TokenResponse{}, &AuthorizationError{Code: errCode, Description: q.Get("error_description")}
	}
	code := q.Get("code")
	if code == "" {
		return TokenResponse{}, ErrMissingCode
	}

	expected, _ := c.attempts.Get(KeyState)
	if expected == "" || q.Get("state") != expected {
		return TokenResponse{}, &StateMismatchError{Expected: expected, Got: q.Get("state")}
	}

	verifier, _ := c.attempts.Get(KeyCodeVerifier)
	redirectURI, _ := c.attempts.Get(KeyRedirectURI)
	if redirectURI == "" {
		redirectURI = c.cfg.RedirectURI
	}

	resp, err := c.ExchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		return TokenResponse{}, err
	}
	c.state = StateAuthenticated
	return resp, nil
}

// ExchangeCode redeems an authorization code at the token endpoint. The
// verifier accompanies the code as proof of possession.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (TokenResponse, error) {
	if err := c.Init(ctx); err != nil {
		return TokenResponse{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.metadata.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("token endpoint request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TokenResponse{}, &ExchangeError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return TokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	return tr, nil
}

// UserInfo fetches claims from the userinfo endpoint with the access token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metadata.UserinfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &UserInfoError{Status: resp.StatusCode}
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return claims, nil
}

// Logout navigates to the provider's end-session endpoint when one is known,
// passing the post-logout redirect and an id_token_hint so the provider can
// terminate its own session silently. Without an end-session endpoint it
// falls back to the post-logout URI directly, or does nothing. Local token
// cleanup is always the caller's responsibility.
func (c *Client) Logout(ctx context.Context, postLogoutRedirectURI, idTokenHint string) error {
	endSession := c.cfg.LogoutURL
	if endSession == "" && c.metadata != nil {
		endSession = c.metadata.EndSessionEndpoint
	}
	if endSession == "" {
		if postLogoutRedirectURI != "" && c.nav != nil {
			return c.nav.Redirect(postLogoutRedirectURI)
		}
		return nil
	}
	if c.nav == nil {
		return errors.New("no navigator configured")
	}

	u, err := url.Parse(endSession)
	if err != nil {
		return fmt.Errorf("parse end-session endpoint: %w", err)
	}
	q := u.Query()
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	u.RawQuery = q.Encode()
	return c.nav.Redirect(u.String())
}

func (c *Client) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.metadata.AuthorizationEndpoint,
			TokenURL:  c.metadata.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: c.cfg.Scopes,
	}
}

func (c *Client) clearAttempt() {
	c.attempts.Delete(KeyCodeVerifier)
	c.attempts.Delete(KeyState)
	c.attempts.Delete(KeyRedirectURI)
}
