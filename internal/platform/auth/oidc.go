package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const discoveryTimeout = 10 * time.Second

// OIDCProvider holds the parts of an OpenID Connect discovery document the
// token verifier needs.
type OIDCProvider struct {
	Issuer                  string   `json:"issuer"`
	JWKSURI                 string   `json:"jwks_uri"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
}

// SupportsRS256 reports whether the issuer signs with RS256. An empty
// algorithm list is treated as RS256, the OIDC default.
func (p *OIDCProvider) SupportsRS256() bool {
	if len(p.IDTokenSigningAlgValues) == 0 {
		return true
	}
	for _, alg := range p.IDTokenSigningAlgValues {
		if alg == "RS256" {
			return true
		}
	}
	return false
}

// DiscoverOIDC fetches issuerURL/.well-known/openid-configuration and checks
// that the document describes the same issuer. A nil client uses a default
// with a 10s timeout.
func DiscoverOIDC(ctx context.Context, client *http.Client, issuerURL string) (*OIDCProvider, error) {
	if client == nil {
		client = &http.Client{Timeout: discoveryTimeout}
	}
	issuer := strings.TrimRight(issuerURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("oidc discovery: decode: %w", err)
	}
	switch {
	case p.JWKSURI == "":
		return nil, fmt.Errorf("oidc discovery: document has no jwks_uri")
	case strings.TrimRight(p.Issuer, "/") != issuer:
		return nil, fmt.Errorf("oidc discovery: issuer %q does not match %q", p.Issuer, issuerURL)
	case !p.SupportsRS256():
		return nil, fmt.Errorf("oidc discovery: issuer does not sign with RS256")
	}
	return &p, nil
}
