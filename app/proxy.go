package app

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ProxyManager forwards requests to backend services based on path prefix.
// Routes with token injection attach the session's access token as a
// bearer header; an expired token is forwarded as-is and rejected by the
// backend, which is what triggers the client to re-authenticate.
type ProxyManager struct {
	routes   []*proxyRoute
	sessions *SessionManager
	logger   *slog.Logger
}

type proxyRoute struct {
	prefix      string
	proxy       *httputil.ReverseProxy
	injectToken bool
}

// NewProxyManager creates a proxy manager from configuration.
func NewProxyManager(cfg ProxyConfig, sessions *SessionManager, logger *slog.Logger) (*ProxyManager, error) {
	pm := &ProxyManager{
		sessions: sessions,
		logger:   logger,
	}

	for _, routeCfg := range cfg.Routes {
		if err := pm.addRoute(routeCfg); err != nil {
			return nil, fmt.Errorf("invalid proxy route for %s: %w", routeCfg.PathPrefix, err)
		}
	}

	// Longest prefix wins.
	sort.Slice(pm.routes, func(i, j int) bool {
		return len(pm.routes[i].prefix) > len(pm.routes[j].prefix)
	})

	return pm, nil
}

// HasRoutes reports whether any routes are configured.
func (pm *ProxyManager) HasRoutes() bool { return len(pm.routes) > 0 }

func (pm *ProxyManager) addRoute(cfg ProxyRoute) error {
	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = parsed
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)

		if cfg.StripPrefix && strings.HasPrefix(req.URL.Path, cfg.PathPrefix) {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, cfg.PathPrefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
		}

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			prior := req.Header.Get("X-Forwarded-For")
			if prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", req.Host)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		pm.logger.Error("proxy error",
			"prefix", cfg.PathPrefix,
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	pm.routes = append(pm.routes, &proxyRoute{
		prefix:      cfg.PathPrefix,
		proxy:       proxy,
		injectToken: cfg.InjectToken,
	})
	pm.logger.Info("proxy route added",
		"prefix", cfg.PathPrefix,
		"target", cfg.Target,
		"inject_token", cfg.InjectToken,
	)

	return nil
}

// ServeHTTP routes the request to the longest matching prefix.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, route := range pm.routes {
		if !strings.HasPrefix(r.URL.Path, route.prefix) {
			continue
		}

		if route.injectToken {
			if sess := pm.sessions.Fetch(r); sess != nil {
				if token := sess.Tokens.AccessToken(); token != "" {
					r.Header.Set("Authorization", "Bearer "+token)
				}
			}
		}

		pm.logger.Debug("proxying request",
			"prefix", route.prefix,
			"path", r.URL.Path,
			"method", r.Method,
		)
		route.proxy.ServeHTTP(w, r)
		return
	}

	http.Error(w, "Not Found", http.StatusNotFound)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
