// Package requestauth decorates outbound API requests with bearer
// credentials, refreshing them just in time. Authenticators are
// long-lived per-session objects; calls on a single instance are
// expected to be sequential. Cross-process coordination happens only
// through the credential file's modification time.
package requestauth

import (
	"context"
	"net/http"

	"github.com/terralens/terralens-go/pkg/credential"
)

// DefaultHeaderName is the request header credentials are injected into.
const DefaultHeaderName = "Authorization"

// DefaultTokenPrefix is the default scheme prepended to the token body.
const DefaultTokenPrefix = "Bearer"

// Authenticator prepares an outbound request for authentication.
type Authenticator interface {
	// Authenticate runs the pre-request hook and injects the
	// authentication header. A request without any token proceeds
	// unauthenticated; the server's 401 is clearer than a client guess.
	Authenticate(req *http.Request) error
}

// Refresher obtains a fresh credential from a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string, scopes []string) (*credential.Credential, error)
}

// Reloginer additionally supports non-interactive re-authentication,
// for mechanisms where refresh and login are operationally equivalent.
type Reloginer interface {
	Refresher
	Relogin(ctx context.Context) (*credential.Credential, error)
}

// Static injects a fixed token and never refreshes. It serves static
// API keys and legacy credentials.
type Static struct {
	headerName string
	prefix     string
	tokenBody  string
}

// NewStatic creates an authenticator that always injects the given
// token body. An empty prefix injects the bare token.
func NewStatic(tokenBody, prefix string) *Static {
	return &Static{
		headerName: DefaultHeaderName,
		prefix:     prefix,
		tokenBody:  tokenBody,
	}
}

// Authenticate implements Authenticator.
func (s *Static) Authenticate(req *http.Request) error {
	injectHeader(req, s.headerName, s.prefix, s.tokenBody)
	return nil
}

// injectHeader sets "{prefix} {token}" (or the bare token when no
// prefix is configured). An empty token leaves the request untouched.
func injectHeader(req *http.Request, headerName, prefix, tokenBody string) {
	if tokenBody == "" {
		return
	}
	if headerName == "" {
		headerName = DefaultHeaderName
	}
	value := tokenBody
	if prefix != "" {
		value = prefix + " " + tokenBody
	}
	req.Header.Set(headerName, value)
}

// Transport wraps a base round tripper so every request passes through
// the authenticator before going out. A nil base uses
// http.DefaultTransport.
func Transport(auth Authenticator, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{auth: auth, base: base}
}

type authTransport struct {
	auth Authenticator
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if err := t.auth.Authenticate(clone); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(clone)
}
