package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestApp starts the full application with the built-in dev provider.
// The listener URL must be known before NewApp so the provider issuer and
// redirect URI are correct, hence the handler indirection.
func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Server.PublicURL = srv.URL
	cfg.Server.DevMode = true

	a, err := NewApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	handler = a.Routes()
	return a, srv
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar}
}

func getJSON(t *testing.T, client *http.Client, url string) map[string]any {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return body
}

func login(t *testing.T, client *http.Client, base string) {
	t.Helper()
	resp, err := client.Get(base + "/login")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login chain ended with status %d at %s", resp.StatusCode, resp.Request.URL)
	}
}

func TestLoginFlowAgainstDevProvider(t *testing.T) {
	_, srv := newTestApp(t)
	browser := newBrowser(t)

	if body := getJSON(t, browser, srv.URL+"/whoami"); body["authenticated"] != false {
		t.Fatalf("fresh browser should be unauthenticated: %v", body)
	}

	login(t, browser, srv.URL)

	body := getJSON(t, browser, srv.URL+"/whoami")
	if body["authenticated"] != true {
		t.Fatalf("whoami after login: %v", body)
	}
	if body["name"] != "Dev User" || body["email"] != "dev@example.com" {
		t.Fatalf("identity mismatch: %v", body)
	}
	if body["should_refresh"] != false {
		t.Fatalf("fresh token should not need refresh: %v", body)
	}
}

func TestLoginIsIdempotentWithValidToken(t *testing.T) {
	_, srv := newTestApp(t)
	browser := newBrowser(t)

	login(t, browser, srv.URL)
	// Second login must short-circuit on the valid token, not run a new
	// authorization.
	login(t, browser, srv.URL)

	if body := getJSON(t, browser, srv.URL+"/whoami"); body["authenticated"] != true {
		t.Fatalf("whoami after repeat login: %v", body)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	_, srv := newTestApp(t)
	browser := newBrowser(t)

	login(t, browser, srv.URL)

	resp, err := browser.Get(srv.URL + "/logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	resp.Body.Close()

	if body := getJSON(t, browser, srv.URL+"/whoami"); body["authenticated"] != false {
		t.Fatalf("whoami after logout: %v", body)
	}
}

func TestLogoutPropagatesAcrossSessions(t *testing.T) {
	_, srv := newTestApp(t)
	first := newBrowser(t)
	second := newBrowser(t)

	login(t, first, srv.URL)
	login(t, second, srv.URL)

	if body := getJSON(t, second, srv.URL+"/whoami"); body["authenticated"] != true {
		t.Fatalf("second session should be logged in: %v", body)
	}

	resp, err := first.Get(srv.URL + "/logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	resp.Body.Close()

	// Both sessions belong to the same user, so the broadcast signs the
	// second one out too.
	if body := getJSON(t, second, srv.URL+"/whoami"); body["authenticated"] != false {
		t.Fatalf("second session should be signed out after broadcast: %v", body)
	}
}

func TestCallbackWithTamperedState(t *testing.T) {
	_, srv := newTestApp(t)
	browser := newBrowser(t)

	// Start a login but stop at the authorization redirect so the
	// attempt stays pending.
	noRedirect := &http.Client{
		Jar: browser.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := noRedirect.Get(srv.URL + "/login")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected authorization redirect, got %d", resp.StatusCode)
	}

	resp, err = noRedirect.Get(srv.URL + "/auth/callback?code=fake&state=tampered")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to error page, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/auth/error") {
		t.Fatalf("expected error page redirect, got %q", loc)
	}

	if body := getJSON(t, browser, srv.URL+"/whoami"); body["authenticated"] != false {
		t.Fatalf("tampered callback must not authenticate: %v", body)
	}
}

func TestProxyInjectsSessionToken(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Server.PublicURL = srv.URL
	cfg.Proxy.Routes = []ProxyRoute{{
		PathPrefix:  "/api",
		Target:      backend.URL,
		StripPrefix: true,
		InjectToken: true,
	}}

	a, err := NewApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	handler = a.Routes()

	browser := newBrowser(t)
	login(t, browser, srv.URL)

	resp, err := browser.Get(srv.URL + "/api/things")
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy status = %d", resp.StatusCode)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("backend did not receive a bearer token, got %q", gotAuth)
	}
}
