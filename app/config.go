package app

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oidcrp/auth"
)

// Hardcoded session defaults
const (
	DefaultSessionTTL = 12 * time.Hour
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Proxy  ProxyConfig  `yaml:"proxy"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	SessionTTL      string    `yaml:"session_ttl"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// AuthConfig describes the provider this gateway authenticates against.
type AuthConfig struct {
	Mode          string `yaml:"mode"`
	IssuerURL     string `yaml:"issuer_url"`
	ClientID      string `yaml:"client_id"`
	Scopes        string `yaml:"scopes"`
	LogoutURL     string `yaml:"logout_url"`
	Audience      string `yaml:"audience"`
	VerifyIDToken bool   `yaml:"verify_id_token"`

	// RedisAddr enables cross-process logout propagation when set.
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// ProxyConfig defines reverse proxy routes for path-based routing.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes"`
}

// ProxyRoute maps a path prefix to a backend target.
type ProxyRoute struct {
	PathPrefix         string `yaml:"path_prefix"`
	Target             string `yaml:"target"`
	StripPrefix        bool   `yaml:"strip_prefix"`
	PreserveHost       bool   `yaml:"preserve_host"`
	Timeout            string `yaml:"timeout"`
	InjectToken        bool   `yaml:"inject_token"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			SessionTTL:      "12h",
			TLS: TLSConfig{
				Domains: []string{"localhost"},
			},
		},
		Auth: AuthConfig{
			Mode:   auth.ModeOIDC,
			Scopes: "openid profile email",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCRP_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OIDCRP_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCRP_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCRP_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCRP_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCRP_SERVER_SESSION_TTL":       func(v string) { cfg.Server.SessionTTL = v },
		"OIDCRP_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCRP_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCRP_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OIDCRP_AUTH_MODE":                func(v string) { cfg.Auth.Mode = v },
		"OIDCRP_AUTH_ISSUER_URL":          func(v string) { cfg.Auth.IssuerURL = v },
		"OIDCRP_AUTH_CLIENT_ID":           func(v string) { cfg.Auth.ClientID = v },
		"OIDCRP_AUTH_SCOPES":              func(v string) { cfg.Auth.Scopes = v },
		"OIDCRP_AUTH_LOGOUT_URL":          func(v string) { cfg.Auth.LogoutURL = v },
		"OIDCRP_AUTH_AUDIENCE":            func(v string) { cfg.Auth.Audience = v },
		"OIDCRP_AUTH_REDIS_ADDR":          func(v string) { cfg.Auth.RedisAddr = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RedirectURI derives the callback URL from the public URL.
func (c Config) RedirectURI() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/auth/callback"
}

// ResolvedSessionTTL parses the configured session TTL, falling back to the
// default on empty or malformed values.
func (s ServerConfig) ResolvedSessionTTL() time.Duration {
	return parseDuration(s.SessionTTL, DefaultSessionTTL)
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.SessionTTL != "" {
		d, err := time.ParseDuration(c.Server.SessionTTL)
		if err != nil {
			return fmt.Errorf("server.session_ttl: invalid duration '%s': %w", c.Server.SessionTTL, err)
		}
		if d <= 0 {
			return errors.New("server.session_ttl must be positive")
		}
	}

	switch c.Auth.Mode {
	case auth.ModeOIDC:
		// In dev mode the built-in provider supplies issuer and client.
		if !c.Server.DevMode {
			if c.Auth.IssuerURL == "" {
				slog.Error("Missing required configuration", "field", "auth.issuer_url")
				return errors.New("auth.issuer_url is required when auth.mode is oidc")
			}
			if c.Auth.ClientID == "" {
				slog.Error("Missing required configuration", "field", "auth.client_id")
				return errors.New("auth.client_id is required when auth.mode is oidc")
			}
		}
		if c.Auth.IssuerURL != "" && !strings.HasPrefix(c.Auth.IssuerURL, "http://") && !strings.HasPrefix(c.Auth.IssuerURL, "https://") {
			return fmt.Errorf("auth.issuer_url must start with http:// or https://, got: %s", c.Auth.IssuerURL)
		}
	case auth.ModeNone:
	default:
		slog.Error("Invalid configuration value", "field", "auth.mode", "value", c.Auth.Mode, "valid_values", []string{auth.ModeOIDC, auth.ModeNone})
		return fmt.Errorf("auth.mode must be '%s' or '%s', got: %s", auth.ModeOIDC, auth.ModeNone, c.Auth.Mode)
	}

	// Validate cookie_domain matches public_url domain
	if c.Server.CookieDomain != "" {
		publicURL := strings.TrimPrefix(c.Server.PublicURL, "http://")
		publicURL = strings.TrimPrefix(publicURL, "https://")
		if idx := strings.Index(publicURL, ":"); idx != -1 {
			publicURL = publicURL[:idx]
		}
		if idx := strings.Index(publicURL, "/"); idx != -1 {
			publicURL = publicURL[:idx]
		}
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(publicURL, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", publicURL,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, publicURL)
		}
	}

	// Validate proxy routes
	for i, route := range c.Proxy.Routes {
		if route.PathPrefix == "" || !strings.HasPrefix(route.PathPrefix, "/") {
			slog.Error("Invalid proxy route path prefix", "index", i, "path_prefix", route.PathPrefix)
			return fmt.Errorf("proxy.routes[%d]: path_prefix must start with /", i)
		}
		if route.Target == "" {
			slog.Error("Proxy route missing target", "path_prefix", route.PathPrefix, "index", i)
			return fmt.Errorf("proxy.routes[%d] (%s): target is required", i, route.PathPrefix)
		}
		if !strings.HasPrefix(route.Target, "http://") && !strings.HasPrefix(route.Target, "https://") {
			slog.Error("Invalid proxy target URL", "path_prefix", route.PathPrefix, "target", route.Target)
			return fmt.Errorf("proxy.routes[%d] (%s): target must start with http:// or https://, got: %s", i, route.PathPrefix, route.Target)
		}
		if route.Timeout != "" {
			if _, err := time.ParseDuration(route.Timeout); err != nil {
				slog.Error("Invalid proxy route timeout", "path_prefix", route.PathPrefix, "timeout", route.Timeout, "error", err)
				return fmt.Errorf("proxy.routes[%d] (%s): invalid timeout duration '%s': %w", i, route.PathPrefix, route.Timeout, err)
			}
		}
	}

	return nil
}
