package authclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/terralens/terralens-go/pkg/credential"
	"github.com/terralens/terralens-go/pkg/requestauth"
)

// clientCredentialsClient is the machine-to-machine login shared by the
// secret and private-key variants; only the client authenticator
// differs. Login takes no user interaction, so refresh and relogin are
// interchangeable.
type clientCredentialsClient struct {
	*oidcBase
}

var (
	_ Client                = (*clientCredentialsClient)(nil)
	_ requestauth.Reloginer = (*clientCredentialsClient)(nil)
)

// Login performs the client credentials grant.
func (c *clientCredentialsClient) Login(ctx context.Context, opts ...LoginOption) (*credential.Credential, error) {
	o := applyLoginOptions(c.cfg, opts)

	form := url.Values{"grant_type": {"client_credentials"}}
	if len(o.scopes) > 0 {
		form.Set("scope", strings.Join(o.scopes, " "))
	}
	if len(c.cfg.Audiences) > 0 {
		form.Set("audience", strings.Join(c.cfg.Audiences, " "))
	}
	return c.tokenExchange(ctx, form)
}

// Relogin re-runs the grant with the configured scopes.
func (c *clientCredentialsClient) Relogin(ctx context.Context) (*credential.Credential, error) {
	return c.Login(ctx)
}

// DefaultRequestAuthenticator returns an authenticator that refreshes
// when a refresh token is held and otherwise logs in again.
func (c *clientCredentialsClient) DefaultRequestAuthenticator(credentialPath string) (requestauth.Authenticator, error) {
	if credentialPath == "" {
		return nil, fmt.Errorf("%w: credential path is required", ErrInvalidConfiguration)
	}
	cred := credential.New(credential.KindOIDC, credentialPath)
	return requestauth.NewRefreshOrRelogin(cred, c,
		requestauth.WithLogger(c.logger),
		requestauth.WithScopes(c.cfg.Scopes),
	), nil
}

func newClientSecretClient(cfg *Config) (Client, error) {
	auth := secretAuth{clientID: cfg.ClientID, clientSecret: cfg.ClientSecret}
	return &clientCredentialsClient{oidcBase: newOIDCBase(cfg, auth)}, nil
}

func newPrivateKeyClient(cfg *Config) (Client, error) {
	key, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	auth := assertionAuth{clientID: cfg.ClientID, key: key}
	return &clientCredentialsClient{oidcBase: newOIDCBase(cfg, auth)}, nil
}

func loadPrivateKey(cfg *Config) (*rsa.PrivateKey, error) {
	pemBytes := cfg.ClientPrivateKeyPEM
	if len(pemBytes) == 0 {
		raw, err := os.ReadFile(cfg.ClientPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading client private key: %v", ErrInvalidConfiguration, err)
		}
		pemBytes = raw
	}

	var (
		key *rsa.PrivateKey
		err error
	)
	if cfg.ClientPrivateKeyPassword != "" {
		key, err = jwt.ParseRSAPrivateKeyFromPEMWithPassword(pemBytes, cfg.ClientPrivateKeyPassword)
	} else {
		key, err = jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing client private key: %v", ErrInvalidConfiguration, err)
	}
	return key, nil
}

// sharedKeyClient is a placeholder for HMAC client assertions. The
// supported authorization servers reject symmetric assertions, so the
// grant exists only to give configurations a stable name; every
// capability reports ErrNotImplementedForMechanism.
type sharedKeyClient struct {
	unsupported
}

var _ Client = (*sharedKeyClient)(nil)

func newSharedKeyClient(cfg *Config) (Client, error) {
	return &sharedKeyClient{unsupported{grant: cfg.Grant}}, nil
}
