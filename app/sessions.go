package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"oidcrp/auth"
	"oidcrp/bus"
	"oidcrp/rp"
	"oidcrp/tokens"
)

const sessionCookieName = "rp_session"

// Session is the server-side state for one browser. Tokens and the pending
// authorization attempt live here so they survive the redirect round-trip
// to the provider while never leaving process memory.
type Session struct {
	ID      string
	Tokens  *tokens.Store
	Attempt *rp.MemStore

	mu       sync.Mutex
	user     auth.UserState
	returnTo string
	subject  string
	channel  bus.Broadcaster
	unsub    func()
}

// User returns the identity recorded for this session.
func (s *Session) User() auth.UserState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser records the identity derived after login.
func (s *Session) SetUser(u auth.UserState) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

// ReturnTo returns and clears the stashed post-login target.
func (s *Session) ReturnTo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.returnTo
	s.returnTo = ""
	return target
}

// SetReturnTo stashes where the browser should land after login.
func (s *Session) SetReturnTo(target string) {
	s.mu.Lock()
	s.returnTo = target
	s.mu.Unlock()
}

// Channel returns the logout channel this session is joined to, nil before
// the subject is known.
func (s *Session) Channel() bus.Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Detach hands ownership of the logout channel to the caller, leaving the
// session without one. The caller becomes responsible for closing it.
func (s *Session) Detach() bus.Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	channel := s.channel
	s.channel = nil
	s.subject = ""
	return channel
}

// Close leaves the logout channel and forgets the tokens.
func (s *Session) Close() {
	s.mu.Lock()
	unsub := s.unsub
	channel := s.channel
	s.unsub = nil
	s.channel = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if channel != nil {
		channel.Close()
	}
	s.Tokens.Clear()
}

// SessionManager handles cookie-backed sessions with a TTL cache. Expired
// or evicted sessions are closed so their logout subscriptions and tokens
// are released.
type SessionManager struct {
	cache        *gocache.Cache
	hub          *bus.Hub
	redis        *redis.Client
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config. The
// redis client is optional; without it logout broadcasts stay in-process.
func NewSessionManager(cfg Config, rdb *redis.Client, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		// The provider redirect back to the callback is a cross-site
		// navigation, which strict mode would strip the cookie from.
		sameSite = http.SameSiteLaxMode
	}

	ttl := cfg.Server.ResolvedSessionTTL()
	cache := gocache.New(ttl, 10*time.Minute)
	cache.OnEvicted(func(id string, v any) {
		if sess, ok := v.(*Session); ok {
			sess.Close()
		}
	})

	return &SessionManager{
		cache:        cache,
		hub:          bus.NewHub(),
		redis:        rdb,
		logger:       logger,
		ttl:          ttl,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	v, ok := sm.cache.Get(cookie.Value)
	if !ok {
		return nil
	}
	sess := v.(*Session)

	// Sliding expiration: extend on activity.
	sm.cache.Set(sess.ID, sess, sm.ttl)
	return sess
}

// Create establishes a new session and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter) *Session {
	sess := &Session{
		ID:      uuid.NewString(),
		Tokens:  tokens.NewStore(),
		Attempt: rp.NewMemStore(),
	}
	sm.cache.Set(sess.ID, sess, sm.ttl)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return sess
}

// FetchOrCreate returns the request's session, creating one if needed.
func (sm *SessionManager) FetchOrCreate(w http.ResponseWriter, r *http.Request) *Session {
	if sess := sm.Fetch(r); sess != nil {
		return sess
	}
	return sm.Create(w)
}

// Destroy closes the session and removes the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, sess *Session) {
	if sess != nil {
		sm.cache.Delete(sess.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// BindSubject joins the session to its user's logout channel. All sessions
// of one subject share a channel, so logout in any of them signs out the
// rest. A logout received from another session clears this one's tokens
// without re-broadcasting.
func (sm *SessionManager) BindSubject(ctx context.Context, sess *Session, subject string) {
	if subject == "" {
		return
	}
	sess.mu.Lock()
	if sess.subject == subject && sess.channel != nil {
		sess.mu.Unlock()
		return
	}
	oldUnsub := sess.unsub
	oldChannel := sess.channel
	sess.subject = subject
	sess.unsub = nil
	sess.channel = nil
	sess.mu.Unlock()

	if oldUnsub != nil {
		oldUnsub()
	}
	if oldChannel != nil {
		oldChannel.Close()
	}

	name := bus.LogoutChannel + ":" + subject
	var channel bus.Broadcaster
	if sm.redis != nil {
		rc, err := bus.JoinRedis(ctx, sm.redis, name, sm.logger)
		if err != nil {
			sm.logger.Warn("redis logout channel unavailable, falling back to local", "err", err)
			channel = sm.hub.Join(name)
		} else {
			channel = rc
		}
	} else {
		channel = sm.hub.Join(name)
	}

	unsub := channel.OnLogout(func() {
		sm.logger.Info("logout received from another session", "session_id", sess.ID)
		sess.Tokens.Clear()
		sess.SetUser(auth.UserState{})
	})

	sess.mu.Lock()
	sess.channel = channel
	sess.unsub = unsub
	sess.mu.Unlock()
}
