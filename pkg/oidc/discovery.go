package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Discovery represents the subset of an OIDC discovery document the SDK
// consumes. It is never produced, only parsed.
type Discovery struct {
	// Issuer is the OIDC issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the authorization endpoint URL.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the token endpoint URL.
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSUri is the verification key set endpoint URL.
	JWKSUri string `json:"jwks_uri"`

	// IntrospectionEndpoint is the token introspection endpoint URL.
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// RevocationEndpoint is the token revocation endpoint URL.
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// DeviceAuthorizationEndpoint is the RFC 8628 device authorization
	// endpoint URL.
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`

	// ScopesSupported lists the scopes the server advertises.
	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// Validate checks if the discovery document contains required fields.
func (d *Discovery) Validate() error {
	if d == nil {
		return ErrDiscoveryFailed
	}
	if d.Issuer == "" {
		return fmt.Errorf("%w: missing issuer", ErrDiscoveryFailed)
	}
	if d.AuthorizationEndpoint == "" {
		return fmt.Errorf("%w: missing authorization_endpoint", ErrDiscoveryFailed)
	}
	if d.TokenEndpoint == "" {
		return fmt.Errorf("%w: missing token_endpoint", ErrDiscoveryFailed)
	}
	if d.JWKSUri == "" {
		return fmt.Errorf("%w: missing jwks_uri", ErrDiscoveryFailed)
	}
	return nil
}

// DiscoveryClient resolves a discovery document from an authorization
// server base URL. The document is fetched at most once per client
// instance; the first successful fetch is memoized for the client's
// lifetime.
type DiscoveryClient struct {
	authServer string
	httpClient HTTPClient

	mu  sync.Mutex
	doc *Discovery
}

// NewDiscoveryClient creates a discovery client for the given
// authorization server base URL.
func NewDiscoveryClient(authServer string, httpClient HTTPClient) *DiscoveryClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &DiscoveryClient{
		authServer: authServer,
		httpClient: httpClient,
	}
}

// Discover returns the discovery document, fetching it on first use.
func (dc *DiscoveryClient) Discover(ctx context.Context) (*Discovery, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.doc != nil {
		return dc.doc, nil
	}

	doc, err := dc.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	dc.doc = doc
	return doc, nil
}

// fetch retrieves the discovery document from the provider.
func (dc *DiscoveryClient) fetch(ctx context.Context) (*Discovery, error) {
	if dc.authServer == "" {
		return nil, fmt.Errorf("%w: auth server URL is required", ErrInvalidConfiguration)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, DiscoveryURL(dc.authServer), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := dc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrDiscoveryFailed, resp.StatusCode, string(body))
	}

	var doc Discovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse discovery document: %v", ErrDiscoveryFailed, err)
	}

	return &doc, nil
}

// DiscoveryURL constructs the standard OIDC discovery URL from an
// authorization server base URL.
func DiscoveryURL(authServer string) string {
	authServer = strings.TrimSpace(authServer)
	authServer = strings.TrimSuffix(authServer, "/")
	return authServer + "/.well-known/openid-configuration"
}
