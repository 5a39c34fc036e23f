package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"oidcrp/auth"
	"oidcrp/bus"
	"oidcrp/rp"
	"oidcrp/verify"
)

const devClientID = "oidcrp-dev"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Sessions *SessionManager
	Dev      *DevProvider
	Proxy    *ProxyManager

	issuerURL string
	clientID  string
	http      *http.Client

	mu       sync.Mutex
	metadata *rp.Metadata
	verifier *verify.Validator
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var rdb *redis.Client
	if cfg.Auth.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Auth.RedisAddr,
			DB:   cfg.Auth.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Info("logout propagation over redis enabled", "addr", cfg.Auth.RedisAddr)
	}

	sessions := NewSessionManager(cfg, rdb, logger)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Sessions:  sessions,
		issuerURL: cfg.Auth.IssuerURL,
		clientID:  cfg.Auth.ClientID,
		http:      http.DefaultClient,
	}

	// Without an external issuer, dev mode hosts its own provider.
	if cfg.Server.DevMode && cfg.Auth.Mode == auth.ModeOIDC && cfg.Auth.IssuerURL == "" {
		keys, err := NewSigningKeys()
		if err != nil {
			return nil, fmt.Errorf("generate signing keys: %w", err)
		}
		issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/idp"
		a.Dev = NewDevProvider(issuer, keys, logger)
		a.issuerURL = issuer
		if a.clientID == "" {
			a.clientID = devClientID
		}
		logger.Info("built-in dev provider enabled", "issuer", issuer)
	}

	proxy, err := NewProxyManager(cfg.Proxy, sessions, logger)
	if err != nil {
		return nil, err
	}
	a.Proxy = proxy

	return a, nil
}

// providerMetadata fetches the discovery document once and shares it across
// requests. It is lazy because in dev mode the provider is this process,
// which is not listening yet when NewApp runs.
func (a *App) providerMetadata(ctx context.Context) (*rp.Metadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.metadata != nil {
		return a.metadata, nil
	}

	probe := rp.NewClient(a.protocolConfig(), rp.WithHTTPClient(a.http), rp.WithLogger(a.Logger))
	if err := probe.Init(ctx); err != nil {
		return nil, err
	}
	a.metadata = probe.Metadata()

	if a.Config.Auth.VerifyIDToken && a.metadata.JWKSURI != "" {
		a.verifier = verify.NewValidator(verify.ValidatorConfig{
			Issuer:            a.metadata.Issuer,
			JWKSURL:           a.metadata.JWKSURI,
			ExpectedAudiences: []string{a.clientID},
			HTTPClient:        a.http,
		})
	}
	return a.metadata, nil
}

func (a *App) protocolConfig() rp.Config {
	return rp.Config{
		IssuerURL:   a.issuerURL,
		ClientID:    a.clientID,
		RedirectURI: a.Config.RedirectURI(),
		Scopes:      auth.ParseScopes(a.Config.Auth.Scopes),
		LogoutURL:   a.Config.Auth.LogoutURL,
		Audience:    a.Config.Auth.Audience,
	}
}

// orchestratorFor builds a per-request orchestrator bound to the session's
// token store, attempt store and logout channel. A non-nil channel overrides
// the session's own.
func (a *App) orchestratorFor(ctx context.Context, sess *Session, nav rp.Navigator, defaultTarget string, channel bus.Broadcaster) (*auth.Orchestrator, error) {
	md, err := a.providerMetadata(ctx)
	if err != nil {
		return nil, err
	}

	client := rp.NewClient(a.protocolConfig(),
		rp.WithHTTPClient(a.http),
		rp.WithLogger(a.Logger),
		rp.WithNavigator(nav),
		rp.WithAttemptStore(sess.Attempt),
		rp.WithMetadata(md),
	)

	cfg := auth.Config{
		Mode:          a.Config.Auth.Mode,
		IssuerURL:     a.issuerURL,
		ClientID:      a.clientID,
		RedirectURI:   a.Config.RedirectURI(),
		Scopes:        a.Config.Auth.Scopes,
		LogoutURL:     a.Config.Auth.LogoutURL,
		Audience:      a.Config.Auth.Audience,
		ErrorPath:     "/auth/error",
		DefaultTarget: defaultTarget,
	}

	if channel == nil {
		channel = sess.Channel()
	}
	opts := []auth.Option{auth.WithLogger(a.Logger)}
	if channel != nil {
		opts = append(opts, auth.WithBroadcaster(channel))
	}
	a.mu.Lock()
	verifier := a.verifier
	a.mu.Unlock()
	if verifier != nil {
		opts = append(opts, auth.WithVerifier(verifier))
	}

	return auth.New(cfg, client, sess.Tokens, nav, opts...), nil
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	authenticated := sess != nil && sess.Tokens.HasValidToken()
	writeJSON(w, map[string]any{
		"service":       "oidcrp",
		"authenticated": authenticated,
	})
}

// handleLogin starts the login sequence. A still-valid token short-circuits
// straight back to the target; otherwise the browser is sent to the
// provider's authorization endpoint.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.FetchOrCreate(w, r)

	target := sanitizeReturnTo(r.URL.Query().Get("return_to"))
	sess.SetReturnTo(target)

	nav := newHTTPNavigator(w, r, a.Config.Server.PublicURL)
	o, err := a.orchestratorFor(r.Context(), sess, nav, target, nil)
	if err != nil {
		a.Logger.Error("login init failed", "err", err)
		http.Error(w, "authentication unavailable", http.StatusBadGateway)
		return
	}
	defer o.Close()

	if err := o.Start(r.Context()); err != nil {
		a.Logger.Warn("login start failed", "err", err)
		if !nav.redirected {
			http.Error(w, "authentication failed", http.StatusBadGateway)
		}
		return
	}
	if !nav.redirected {
		// Valid token already present; nothing to do at the provider.
		sess.SetUser(o.User())
		http.Redirect(w, r, target, http.StatusFound)
	}
}

// handleCallback completes the authorization round-trip.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	if sess == nil {
		a.Logger.Warn("callback without session")
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	target := sess.ReturnTo()
	if target == "" {
		target = "/"
	}

	nav := newHTTPNavigator(w, r, a.Config.Server.PublicURL)
	o, err := a.orchestratorFor(r.Context(), sess, nav, target, nil)
	if err != nil {
		a.Logger.Error("callback init failed", "err", err)
		http.Error(w, "authentication unavailable", http.StatusBadGateway)
		return
	}
	defer o.Close()

	if err := o.Start(r.Context()); err != nil {
		// The orchestrator already redirected to the error page.
		if !nav.redirected {
			http.Error(w, "authentication failed", http.StatusBadGateway)
		}
		return
	}

	sess.SetUser(o.User())
	if sub := subjectFromIDToken(sess.Tokens.IDToken()); sub != "" {
		a.Sessions.BindSubject(r.Context(), sess, sub)
	}
}

func (a *App) handleAuthError(w http.ResponseWriter, r *http.Request) {
	message := r.URL.Query().Get("message")
	if message == "" {
		message = "authentication failed"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, "login error: %s\n", message)
}

// handleWhoami reports the session's identity and token health.
func (a *App) handleWhoami(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	if sess == nil || !sess.Tokens.HasValidToken() {
		writeJSON(w, map[string]any{"authenticated": false})
		return
	}
	user := sess.User()
	writeJSON(w, map[string]any{
		"authenticated":  true,
		"name":           user.Name,
		"email":          user.Email,
		"should_refresh": sess.Tokens.ShouldRefresh(),
	})
}

// handleLogout signs the session out everywhere: local state is cleared
// first, the user's other sessions are notified, and the browser is handed
// to the provider's end-session endpoint.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	if sess == nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	// Take over the channel so destroying the session cannot close it
	// before the logout broadcast goes out.
	channel := sess.Detach()

	nav := newHTTPNavigator(w, r, a.Config.Server.PublicURL)
	o, err := a.orchestratorFor(r.Context(), sess, nav, "/", channel)
	if err != nil {
		a.Logger.Error("logout init failed", "err", err)
		if channel != nil {
			channel.Close()
		}
		a.Sessions.Destroy(w, sess)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	defer o.Close()

	// Cookie removal is a header write, so it must precede the redirect
	// the provider logout issues.
	a.Sessions.Destroy(w, sess)

	postLogout := strings.TrimSuffix(a.Config.Server.PublicURL, "/") + "/"
	if err := o.Logout(r.Context(), postLogout); err != nil {
		a.Logger.Warn("provider logout failed", "err", err)
	}
	if channel != nil {
		channel.Close()
	}
	if !nav.redirected {
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// subjectFromIDToken decodes the sub claim without verification; it only
// scopes the logout channel name, never grants access.
func subjectFromIDToken(raw string) string {
	if raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// sanitizeReturnTo keeps post-login targets on this origin.
func sanitizeReturnTo(target string) string {
	if target == "" {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return "/"
	}
	return target
}
