package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"oidcrp/auth"
)

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: http://localhost:8080
  dev_mode: true
auth:
  mode: oidc
  issuer_url: http://localhost:8080/idp
  client_id: web
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OIDCRP_AUTH_CLIENT_ID", "override-client")
	t.Setenv("OIDCRP_SERVER_SESSION_TTL", "30m")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Auth.ClientID != "override-client" {
		t.Fatalf("ClientID override mismatch, got %q", cfg.Auth.ClientID)
	}
	if got := cfg.Server.ResolvedSessionTTL(); got != 30*time.Minute {
		t.Fatalf("session TTL override mismatch, got %v", got)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: http://localhost:8080
  no_such_field: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown config key")
	}
}

func TestConfigValidateRequiresIssuerInProduction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Server.TLS.Domains = []string{"app.example.com"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error without issuer in production oidc mode")
	}

	cfg.Auth.IssuerURL = "https://idp.example.com"
	cfg.Auth.ClientID = "app"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestConfigValidateAllowsDevWithoutIssuer(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dev mode defaults should validate, got: %v", err)
	}
}

func TestConfigValidateRejectsBadMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Mode = "saml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown auth mode")
	}

	cfg.Auth.Mode = auth.ModeNone
	if err := cfg.Validate(); err != nil {
		t.Fatalf("mode none should validate, got: %v", err)
	}
}

func TestConfigValidateCookieDomain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://gw.dev.example.com"
	cfg.Server.CookieDomain = ".dev.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("matching cookie domain rejected: %v", err)
	}

	cfg.Server.CookieDomain = ".other.example.org"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for mismatched cookie domain")
	}
}

func TestConfigValidateProxyRoutes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.Routes = []ProxyRoute{{PathPrefix: "/api", Target: "http://backend:3000", InjectToken: true}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid proxy route rejected: %v", err)
	}

	cfg.Proxy.Routes = []ProxyRoute{{PathPrefix: "api", Target: "http://backend:3000"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for prefix without leading slash")
	}

	cfg.Proxy.Routes = []ProxyRoute{{PathPrefix: "/api", Target: "backend:3000"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for non-http target")
	}

	cfg.Proxy.Routes = []ProxyRoute{{PathPrefix: "/api", Target: "http://backend:3000", Timeout: "soon"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad timeout")
	}
}

func TestRedirectURI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://app.example.com/"
	if got := cfg.RedirectURI(); got != "https://app.example.com/auth/callback" {
		t.Fatalf("RedirectURI = %q", got)
	}
}
