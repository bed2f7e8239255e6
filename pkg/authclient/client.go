// Package authclient implements the authentication flows of the
// platform: the interactive authorization code flow with PKCE, the
// device authorization flow, the client credentials variants, and the
// legacy API key login. A client is constructed for exactly one grant;
// capabilities a grant cannot provide fail with
// ErrNotImplementedForMechanism rather than being absent from the API.
package authclient

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/terralens/terralens-go/pkg/credential"
	"github.com/terralens/terralens-go/pkg/requestauth"
)

// Client is the full capability surface across all grants. Every
// constructed client satisfies it; unsupported capabilities return
// ErrNotImplementedForMechanism so callers can probe with errors.Is
// instead of type switches.
type Client interface {
	// Login performs the grant's primary authentication and returns the
	// obtained credential. The credential is in-memory; persist it via
	// its Save after setting a path, or use DefaultRequestAuthenticator.
	Login(ctx context.Context, opts ...LoginOption) (*credential.Credential, error)

	// BeginLogin prepares an authorization code login without opening a
	// browser or listening, for callers that drive the redirect
	// themselves. FinishLogin completes it with the callback URL.
	BeginLogin(ctx context.Context, opts ...LoginOption) (*AuthCodeSession, error)
	FinishLogin(ctx context.Context, session *AuthCodeSession, callbackURL string) (*credential.Credential, error)

	// DeviceLoginInitiate obtains a device and user code pair. The
	// caller displays the verification URI, then calls
	// DeviceLoginComplete to poll for the result.
	DeviceLoginInitiate(ctx context.Context, opts ...LoginOption) (*DeviceCodeInfo, error)
	DeviceLoginComplete(ctx context.Context, info *DeviceCodeInfo) (*credential.Credential, error)

	// Refresh exchanges a refresh token for a fresh credential.
	Refresh(ctx context.Context, refreshToken string, scopes []string) (*credential.Credential, error)

	// Relogin re-authenticates without user interaction, for grants
	// where login requires no human in the loop.
	Relogin(ctx context.Context) (*credential.Credential, error)

	// ValidateAccessToken verifies an access token locally against the
	// server's published keys and the configured audiences.
	ValidateAccessToken(ctx context.Context, accessToken string) (jwt.MapClaims, error)

	// ValidateIDToken verifies an ID token locally for this client.
	ValidateIDToken(ctx context.Context, idToken, nonce string) (jwt.MapClaims, error)

	// IntrospectToken asks the server about a token's state. The hint is
	// "access_token" or "refresh_token", or empty.
	IntrospectToken(ctx context.Context, token, hint string) (map[string]any, error)

	// RevokeAccessToken and RevokeRefreshToken invalidate tokens at the
	// server.
	RevokeAccessToken(ctx context.Context, accessToken string) error
	RevokeRefreshToken(ctx context.Context, refreshToken string) error

	// DefaultRequestAuthenticator builds the request authenticator
	// appropriate for this grant around the credential file at path.
	DefaultRequestAuthenticator(credentialPath string) (requestauth.Authenticator, error)
}

// LoginOption adjusts a single login call.
type LoginOption func(*loginOptions)

type loginOptions struct {
	scopes      []string
	username    string
	password    string
	openBrowser bool
}

// WithScopes overrides the configured scopes for this login.
func WithScopes(scopes []string) LoginOption {
	return func(o *loginOptions) { o.scopes = scopes }
}

// WithUsernamePassword supplies legacy login credentials, overriding
// any configured in the client.
func WithUsernamePassword(username, password string) LoginOption {
	return func(o *loginOptions) {
		o.username = username
		o.password = password
	}
}

// WithoutBrowser stops Login from launching a browser; the
// authorization URL is logged instead and the loopback listener still
// waits for the callback.
func WithoutBrowser() LoginOption {
	return func(o *loginOptions) { o.openBrowser = false }
}

func applyLoginOptions(cfg *Config, opts []LoginOption) *loginOptions {
	o := &loginOptions{
		scopes:      cfg.Scopes,
		username:    cfg.Username,
		password:    cfg.Password,
		openBrowser: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type constructor func(*Config) (Client, error)

var constructors = map[GrantType]constructor{
	GrantAuthorizationCode:           newAuthCodeClient,
	GrantDeviceCode:                  newDeviceCodeClient,
	GrantClientCredentialsSecret:     newClientSecretClient,
	GrantClientCredentialsPrivateKey: newPrivateKeyClient,
	GrantClientCredentialsSharedKey:  newSharedKeyClient,
	GrantLegacy:                      newLegacyClient,
}

// New constructs the client for cfg.Grant. The configuration is
// validated up front so misconfiguration surfaces at construction, not
// on the first request.
func New(cfg *Config) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	build, ok := constructors[cfg.Grant]
	if !ok {
		return nil, fmt.Errorf("%w: unknown grant type %q", ErrInvalidConfiguration, cfg.Grant)
	}
	return build(cfg)
}

// unsupported is the capability floor every client embeds. Each grant
// overrides the capabilities it actually provides.
type unsupported struct {
	grant GrantType
}

func (u unsupported) notImplemented(op string) error {
	return fmt.Errorf("%w: %s for grant %q", ErrNotImplementedForMechanism, op, u.grant)
}

func (u unsupported) Login(context.Context, ...LoginOption) (*credential.Credential, error) {
	return nil, u.notImplemented("login")
}

func (u unsupported) BeginLogin(context.Context, ...LoginOption) (*AuthCodeSession, error) {
	return nil, u.notImplemented("begin login")
}

func (u unsupported) FinishLogin(context.Context, *AuthCodeSession, string) (*credential.Credential, error) {
	return nil, u.notImplemented("finish login")
}

func (u unsupported) DeviceLoginInitiate(context.Context, ...LoginOption) (*DeviceCodeInfo, error) {
	return nil, u.notImplemented("device login")
}

func (u unsupported) DeviceLoginComplete(context.Context, *DeviceCodeInfo) (*credential.Credential, error) {
	return nil, u.notImplemented("device login")
}

func (u unsupported) Refresh(context.Context, string, []string) (*credential.Credential, error) {
	return nil, u.notImplemented("refresh")
}

func (u unsupported) Relogin(context.Context) (*credential.Credential, error) {
	return nil, u.notImplemented("relogin")
}

func (u unsupported) ValidateAccessToken(context.Context, string) (jwt.MapClaims, error) {
	return nil, u.notImplemented("access token validation")
}

func (u unsupported) ValidateIDToken(context.Context, string, string) (jwt.MapClaims, error) {
	return nil, u.notImplemented("id token validation")
}

func (u unsupported) IntrospectToken(context.Context, string, string) (map[string]any, error) {
	return nil, u.notImplemented("token introspection")
}

func (u unsupported) RevokeAccessToken(context.Context, string) error {
	return u.notImplemented("access token revocation")
}

func (u unsupported) RevokeRefreshToken(context.Context, string) error {
	return u.notImplemented("refresh token revocation")
}

func (u unsupported) DefaultRequestAuthenticator(string) (requestauth.Authenticator, error) {
	return nil, u.notImplemented("request authenticator")
}
