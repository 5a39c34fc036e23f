package rp

import (
	"net/url"
	"sync"
)

// Storage keys for the pending authorization attempt. The attempt has to
// survive the full-page navigation to the provider and back, so it lives in
// an AttemptStore scoped to the session rather than in client memory.
const (
	KeyCodeVerifier = "oidc_code_verifier"
	KeyState        = "oidc_state"
	KeyRedirectURI  = "oidc_redirect_uri"
)

// AttemptStore is ephemeral key/value storage for one session's pending
// authorization attempt. Entries must outlive a navigation boundary but
// never the session itself.
type AttemptStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// Navigator abstracts top-level navigation so the protocol client does not
// depend on a concrete execution environment. In an HTTP handler it is a
// redirect response; in tests it is a fake.
type Navigator interface {
	// CurrentURL reports the URL the execution context is currently at.
	CurrentURL() *url.URL
	// Redirect performs a full top-level navigation. The flow that requested
	// it should not expect control back under normal operation.
	Redirect(target string) error
}

// MemStore is an in-memory AttemptStore, safe for concurrent use. It backs
// server-side sessions and tests.
type MemStore struct {
	mu sync.Mutex
	kv map[string]string
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{kv: make(map[string]string)}
}

func (m *MemStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok
}

func (m *MemStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
}

func (m *MemStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
}
