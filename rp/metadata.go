package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Metadata is the provider discovery document. It is fetched once per client
// lifetime and cached until the client is replaced.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri"`
}

// Discovery paths tried in order. Some deployments publish the document
// under the underscore variant, so both spellings are attempted before
// giving up.
var wellKnownPaths = []string{
	"/.well-known/openid_configuration",
	"/.well-known/openid-configuration",
}

func fetchMetadata(ctx context.Context, hc *http.Client, issuer string) (*Metadata, error) {
	base := strings.TrimSuffix(issuer, "/")

	lastStatus := http.StatusNotFound
	for _, path := range wellKnownPaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return nil, &DiscoveryError{Err: err}
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, &DiscoveryError{Err: fmt.Errorf("fetch %s: %w", path, err)}
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			lastStatus = resp.StatusCode
			continue
		}

		md, err := decodeMetadata(resp)
		if err != nil {
			return nil, err
		}
		return md, nil
	}
	return nil, &DiscoveryError{Status: lastStatus}
}

func decodeMetadata(resp *http.Response) (*Metadata, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &DiscoveryError{Status: resp.StatusCode}
	}
	var md Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, &DiscoveryError{Err: fmt.Errorf("decode discovery document: %w", err)}
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, &DiscoveryError{Err: fmt.Errorf("discovery document missing endpoints")}
	}
	return &md, nil
}
