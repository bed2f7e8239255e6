package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/terralens/terralens-go/pkg/credential"
	"github.com/terralens/terralens-go/pkg/oidc"
	"github.com/terralens/terralens-go/pkg/requestauth"
)

// legacyAPIKeyPrefix is the authorization scheme legacy keys use.
const legacyAPIKeyPrefix = "api-key"

// legacyClient speaks the pre-OIDC login protocol: a username and
// password posted as JSON yield a response token whose api_key claim is
// the long-lived platform key. The response token is signed with a key
// the client does not hold, so it is parsed without verification; the
// API key inside is what gets used and validated server-side.
type legacyClient struct {
	unsupported

	cfg        *Config
	httpClient oidc.HTTPClient
	logger     *slog.Logger
}

var _ Client = (*legacyClient)(nil)

func newLegacyClient(cfg *Config) (Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = oidc.NewHTTPClient(cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &legacyClient{
		unsupported: unsupported{grant: cfg.Grant},
		cfg:         cfg,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Login exchanges a username and password for a legacy API key
// credential.
func (c *legacyClient) Login(ctx context.Context, opts ...LoginOption) (*credential.Credential, error) {
	o := applyLoginOptions(c.cfg, opts)
	if o.username == "" || o.password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidConfiguration)
	}

	payload, err := json.Marshal(map[string]string{
		"email":    o.username,
		"password": o.password,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthServer, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newServerError(resp.StatusCode, body)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("malformed login response: %w", err)
	}
	if result.Token == "" {
		return nil, fmt.Errorf("%w: login response carried no token", ErrAuthServer)
	}

	apiKey, err := apiKeyFromLoginToken(result.Token)
	if err != nil {
		return nil, err
	}
	return credential.NewWithData(credential.KindLegacy, "", map[string]any{
		"key": apiKey,
	})
}

// Relogin re-runs the login with the configured username and password.
func (c *legacyClient) Relogin(ctx context.Context) (*credential.Credential, error) {
	return c.Login(ctx)
}

// DefaultRequestAuthenticator injects the stored API key as a static
// header; legacy keys do not expire.
func (c *legacyClient) DefaultRequestAuthenticator(credentialPath string) (requestauth.Authenticator, error) {
	if credentialPath == "" {
		return nil, fmt.Errorf("%w: credential path is required", ErrInvalidConfiguration)
	}
	cred := credential.New(credential.KindLegacy, credentialPath)
	if err := cred.Load(); err != nil {
		return nil, err
	}
	return requestauth.NewStatic(cred.APIKey(), legacyAPIKeyPrefix), nil
}

// apiKeyFromLoginToken extracts the api_key claim. The token's
// signature cannot be checked client-side and is deliberately ignored.
func apiKeyFromLoginToken(token string) (string, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("malformed login token: %w", err)
	}
	claims := unverified.Claims.(jwt.MapClaims)
	apiKey, _ := claims["api_key"].(string)
	if apiKey == "" {
		return "", fmt.Errorf("%w: login token carried no api_key claim", ErrAuthServer)
	}
	return apiKey, nil
}

// NewStaticAPIKeyAuthenticator builds an authenticator over a static
// API key credential file, honoring a stored bearer_token_prefix.
func NewStaticAPIKeyAuthenticator(credentialPath string) (requestauth.Authenticator, error) {
	cred := credential.New(credential.KindStaticAPIKey, credentialPath)
	if err := cred.Load(); err != nil {
		return nil, err
	}
	return requestauth.NewStatic(cred.APIKey(), cred.BearerTokenPrefix()), nil
}
