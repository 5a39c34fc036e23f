// Package auth drives the login lifecycle for one application session. The
// Orchestrator owns the decision flow around the protocol client: when to
// start authorization, how to complete a callback, what identity to expose,
// and how logout propagates to the user's other sessions.
package auth

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"oidcrp/bus"
	"oidcrp/rp"
	"oidcrp/tokens"
)

// Authentication modes. Any mode other than ModeOIDC leaves the
// orchestrator inert: Start succeeds without side effects and the session
// stays unauthenticated.
const (
	ModeOIDC = "oidc"
	ModeNone = "none"
)

// Config carries the orchestrator settings. Scopes is the raw configured
// value; ParseScopes normalizes it.
type Config struct {
	Mode        string
	IssuerURL   string
	ClientID    string
	RedirectURI string
	Scopes      string
	LogoutURL   string
	Audience    string

	// ErrorPath is where a failed callback lands, with the failure
	// reason in the message query parameter.
	ErrorPath string
	// DefaultTarget is where a completed login lands.
	DefaultTarget string
}

// UserState is the identity exposed to the application.
type UserState struct {
	Name          string
	Email         string
	Authenticated bool
}

// ProtocolClient is the slice of the protocol client the orchestrator
// uses. *rp.Client satisfies it.
type ProtocolClient interface {
	Init(ctx context.Context) error
	Authorize(ctx context.Context) error
	IsCallback() bool
	HandleCallback(ctx context.Context) (rp.TokenResponse, error)
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)
	Logout(ctx context.Context, postLogoutRedirectURI, idTokenHint string) error
}

// IDTokenVerifier checks an ID token signature and returns its claims.
// When none is configured claims are decoded without verification, which
// is acceptable because the token arrived over the TLS-protected code
// exchange.
type IDTokenVerifier interface {
	VerifyClaims(ctx context.Context, rawToken string) (map[string]any, error)
}

// Orchestrator sequences login, callback completion, identity derivation
// and logout for one session.
type Orchestrator struct {
	cfg    Config
	client ProtocolClient
	store  *tokens.Store
	nav    rp.Navigator
	logger *slog.Logger

	channel  bus.Broadcaster
	verifier IDTokenVerifier
	unsub    func()

	mu      sync.Mutex
	user    UserState
	loading bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBroadcaster attaches the logout channel shared by the user's
// sessions. Without one, logout stays local.
func WithBroadcaster(b bus.Broadcaster) Option {
	return func(o *Orchestrator) { o.channel = b }
}

// WithVerifier enables ID token signature verification before claims are
// trusted for identity.
func WithVerifier(v IDTokenVerifier) Option {
	return func(o *Orchestrator) { o.verifier = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New builds an orchestrator around client, store and nav, and subscribes
// to the logout channel if one is attached.
func New(cfg Config, client ProtocolClient, store *tokens.Store, nav rp.Navigator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		client: client,
		store:  store,
		nav:    nav,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.channel != nil {
		o.unsub = o.channel.OnLogout(o.handleRemoteLogout)
	}
	return o
}

// User returns the current identity snapshot.
func (o *Orchestrator) User() UserState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.user
}

// Loading reports whether a login sequence is in flight.
func (o *Orchestrator) Loading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loading
}

// Start runs the login decision sequence: complete a pending callback if
// the current URL is one, otherwise reuse a still-valid token, otherwise
// begin authorization. In a non-OIDC mode it returns nil immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.cfg.Mode != ModeOIDC {
		return nil
	}
	o.setLoading(true)
	defer o.setLoading(false)

	if err := o.client.Init(ctx); err != nil {
		return err
	}
	if o.client.IsCallback() {
		return o.completeCallback(ctx)
	}
	if o.store.HasValidToken() {
		o.deriveIdentity(ctx)
		return nil
	}
	if o.cfg.IssuerURL == "" || o.cfg.ClientID == "" {
		// Nothing to authorize against. The session stays signed out
		// rather than redirecting to a half-configured provider.
		o.logger.Warn("issuer or client id not configured, skipping authorization")
		return nil
	}
	return o.client.Authorize(ctx)
}

func (o *Orchestrator) completeCallback(ctx context.Context) error {
	resp, err := o.client.HandleCallback(ctx)
	if err != nil {
		o.logger.Warn("authorization callback failed", "err", err)
		o.store.Clear()
		o.setUser(UserState{})
		if o.nav != nil && o.cfg.ErrorPath != "" {
			target := o.cfg.ErrorPath + "?message=" + url.QueryEscape(err.Error())
			if nerr := o.nav.Redirect(target); nerr != nil {
				o.logger.Warn("error redirect failed", "err", nerr)
			}
		}
		return err
	}

	o.store.SetTokens(resp.AccessToken, resp.IDToken)
	o.deriveIdentity(ctx)
	if o.nav != nil && o.cfg.DefaultTarget != "" {
		if err := o.nav.Redirect(o.cfg.DefaultTarget); err != nil {
			return err
		}
	}
	return nil
}

// deriveIdentity fills UserState from the ID token claims, consulting the
// userinfo endpoint only for fields the token does not carry. Identity
// lookup failures are logged but never fail an otherwise complete login.
func (o *Orchestrator) deriveIdentity(ctx context.Context) {
	var name, email string

	if raw := o.store.IDToken(); raw != "" {
		if claims, err := o.idTokenClaims(ctx, raw); err != nil {
			o.logger.Warn("id token claims unavailable", "err", err)
		} else {
			name, _ = claims["name"].(string)
			email, _ = claims["email"].(string)
		}
	}

	if name == "" || email == "" {
		info, err := o.client.UserInfo(ctx, o.store.AccessToken())
		if err != nil {
			o.logger.Warn("userinfo lookup failed", "err", err)
		} else {
			if name == "" {
				name, _ = info["name"].(string)
			}
			if email == "" {
				email, _ = info["email"].(string)
			}
		}
	}

	o.setUser(UserState{Name: name, Email: email, Authenticated: true})
}

// idTokenClaims decodes the ID token for display fields. A configured
// verifier is consulted first; if it rejects the token the claims are still
// decoded unverified, since they only populate name and email here and the
// session was authenticated by the code exchange.
func (o *Orchestrator) idTokenClaims(ctx context.Context, raw string) (map[string]any, error) {
	if o.verifier != nil {
		claims, err := o.verifier.VerifyClaims(ctx, raw)
		if err == nil {
			return claims, nil
		}
		o.logger.Warn("id token verification failed, decoding unverified", "err", err)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Logout clears local state, notifies the user's other sessions, then
// hands off to the provider's end-session flow. Local clearing happens
// first so a provider failure cannot leave the session signed in.
func (o *Orchestrator) Logout(ctx context.Context, postLogoutRedirectURI string) error {
	idToken := o.store.IDToken()
	o.store.Clear()
	o.setUser(UserState{})
	if o.channel != nil {
		o.channel.BroadcastLogout()
	}
	return o.client.Logout(ctx, postLogoutRedirectURI, idToken)
}

// Close detaches from the logout channel. The session's tokens are left
// untouched.
func (o *Orchestrator) Close() {
	if o.unsub != nil {
		o.unsub()
		o.unsub = nil
	}
}

// handleRemoteLogout reacts to a logout broadcast from another session of
// the same user. It clears local state only and does not re-broadcast.
func (o *Orchestrator) handleRemoteLogout() {
	o.logger.Info("logout received from another session")
	o.store.Clear()
	o.setUser(UserState{})
}

func (o *Orchestrator) setUser(u UserState) {
	o.mu.Lock()
	o.user = u
	o.mu.Unlock()
}

func (o *Orchestrator) setLoading(v bool) {
	o.mu.Lock()
	o.loading = v
	o.mu.Unlock()
}

// ParseScopes splits a comma or space separated scope list and guarantees
// the openid scope is present.
func ParseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	scopes := make([]string, 0, len(fields)+1)
	hasOpenID := false
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if f == oidc.ScopeOpenID {
			hasOpenID = true
		}
		scopes = append(scopes, f)
	}
	if !hasOpenID {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}
	return scopes
}
