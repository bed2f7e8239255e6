package authclient

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/terralens/terralens-go/pkg/oidc"
)

// GrantType selects the authentication mechanism a client speaks. The
// set is closed; New rejects anything else.
type GrantType string

const (
	// GrantAuthorizationCode is the interactive authorization code flow
	// with PKCE, callback on a loopback listener.
	GrantAuthorizationCode GrantType = "authorization_code"

	// GrantDeviceCode is the RFC 8628 device authorization flow for
	// hosts without a browser.
	GrantDeviceCode GrantType = "device_code"

	// GrantClientCredentialsSecret is the client credentials flow
	// authenticated with a client secret.
	GrantClientCredentialsSecret GrantType = "client_credentials_secret"

	// GrantClientCredentialsPrivateKey is the client credentials flow
	// authenticated with a private-key JWT assertion.
	GrantClientCredentialsPrivateKey GrantType = "client_credentials_private_key"

	// GrantClientCredentialsSharedKey is reserved for HMAC client
	// assertions. No supported authorization server accepts them, so
	// every capability reports ErrNotImplementedForMechanism.
	GrantClientCredentialsSharedKey GrantType = "client_credentials_shared_key"

	// GrantLegacy is the pre-OIDC username and password login that
	// yields a platform API key.
	GrantLegacy GrantType = "legacy"
)

// Config carries everything needed to construct a client for one grant.
// Exactly the fields relevant to the selected grant are consulted;
// Validate reports which are missing. There are no process-wide
// defaults to mutate.
type Config struct {
	// Grant selects the authentication mechanism.
	Grant GrantType

	// AuthServer is the authorization server base URL, used for OIDC
	// discovery. For GrantLegacy it is the legacy login endpoint URL
	// itself. Individual endpoint overrides below take precedence over
	// discovery.
	AuthServer string

	// ClientID identifies the OAuth client.
	ClientID string

	// ClientSecret authenticates GrantClientCredentialsSecret clients,
	// and is optionally sent by confidential authorization code clients.
	ClientSecret string

	// ClientPrivateKeyPEM is a PEM-encoded RSA private key for
	// GrantClientCredentialsPrivateKey. Takes precedence over
	// ClientPrivateKeyFile.
	ClientPrivateKeyPEM []byte

	// ClientPrivateKeyFile is a path to a PEM-encoded RSA private key.
	ClientPrivateKeyFile string

	// ClientPrivateKeyPassword decrypts an encrypted private key.
	ClientPrivateKeyPassword string

	// RedirectURI is the registered callback for the authorization code
	// flow. The host must be a loopback address.
	RedirectURI string

	// Scopes are the default scopes requested on login and refresh.
	Scopes []string

	// Audiences are the token audiences requested on login and expected
	// during local access token validation.
	Audiences []string

	// Username and Password feed GrantLegacy logins.
	Username string
	Password string

	// Issuer overrides the issuer expected in validated tokens.
	// Defaults to the discovered issuer.
	Issuer string

	// Endpoint overrides. Any endpoint left empty is resolved through
	// OIDC discovery against AuthServer on first use.
	AuthorizationEndpoint       string
	TokenEndpoint               string
	DeviceAuthorizationEndpoint string
	JWKSEndpoint                string
	IntrospectionEndpoint       string
	RevocationEndpoint          string

	// Timeout bounds individual requests to the authorization server.
	Timeout time.Duration

	// CallbackTimeout bounds how long the loopback listener waits for
	// the browser callback. Defaults to 5 minutes.
	CallbackTimeout time.Duration

	// MinJWKSFetchInterval throttles verification key refetches.
	// Defaults to oidc.DefaultMinFetchInterval.
	MinJWKSFetchInterval time.Duration

	// HTTPClient overrides the transport used for authorization server
	// traffic. Defaults to oidc.NewHTTPClient(Timeout).
	HTTPClient oidc.HTTPClient

	// Logger receives structured diagnostics. Defaults to a discard
	// logger; token values are never logged at any level.
	Logger *slog.Logger
}

// Validate checks the configuration for the selected grant.
func (c *Config) Validate() error {
	switch c.Grant {
	case GrantAuthorizationCode:
		if err := c.validateOIDCCommon(); err != nil {
			return err
		}
		if c.AuthServer == "" && c.AuthorizationEndpoint == "" {
			return fmt.Errorf("%w: authorization endpoint or auth server is required", ErrInvalidConfiguration)
		}
		return validateRedirectURI(c.RedirectURI)

	case GrantDeviceCode:
		if err := c.validateOIDCCommon(); err != nil {
			return err
		}
		if c.AuthServer == "" && c.DeviceAuthorizationEndpoint == "" {
			return fmt.Errorf("%w: device authorization endpoint or auth server is required", ErrInvalidConfiguration)
		}
		return nil

	case GrantClientCredentialsSecret:
		if err := c.validateOIDCCommon(); err != nil {
			return err
		}
		if c.ClientSecret == "" {
			return fmt.Errorf("%w: client secret is required", ErrInvalidConfiguration)
		}
		return nil

	case GrantClientCredentialsPrivateKey:
		if err := c.validateOIDCCommon(); err != nil {
			return err
		}
		if len(c.ClientPrivateKeyPEM) == 0 && c.ClientPrivateKeyFile == "" {
			return fmt.Errorf("%w: client private key is required", ErrInvalidConfiguration)
		}
		return nil

	case GrantClientCredentialsSharedKey:
		return c.validateOIDCCommon()

	case GrantLegacy:
		if c.AuthServer == "" {
			return fmt.Errorf("%w: legacy login endpoint is required", ErrInvalidConfiguration)
		}
		return nil

	case "":
		return fmt.Errorf("%w: grant type is required", ErrInvalidConfiguration)

	default:
		return fmt.Errorf("%w: unknown grant type %q", ErrInvalidConfiguration, c.Grant)
	}
}

func (c *Config) validateOIDCCommon() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidConfiguration)
	}
	if c.AuthServer == "" && c.TokenEndpoint == "" {
		return fmt.Errorf("%w: token endpoint or auth server is required", ErrInvalidConfiguration)
	}
	return nil
}

// validateRedirectURI enforces a loopback callback host. The listener
// binds locally, so anything else could only ship the authorization
// code to a third party.
func validateRedirectURI(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("%w: redirect uri is required", ErrInvalidConfiguration)
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("%w: malformed redirect uri: %v", ErrInvalidConfiguration, err)
	}
	if u.Scheme != "http" {
		return fmt.Errorf("%w: %q", ErrUnsupportedRedirectHost, redirectURI)
	}
	if u.Port() == "" {
		return fmt.Errorf("%w: redirect uri must include an explicit port", ErrInvalidConfiguration)
	}
	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedRedirectHost, host)
}
