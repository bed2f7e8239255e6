package authclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/terralens/terralens-go/pkg/credential"
	"github.com/terralens/terralens-go/pkg/oidc"
	"github.com/terralens/terralens-go/pkg/requestauth"
)

// clientAssertionLifetime bounds the validity of private-key JWT
// assertions. Assertions are single-use in practice; a short window
// limits replay.
const clientAssertionLifetime = 5 * time.Minute

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// clientAuthorizer applies client authentication to a token-endpoint
// style request. Form parameters must be set before the body is
// encoded, headers after the request exists, hence the two phases.
type clientAuthorizer interface {
	applyForm(tokenEndpoint string, form url.Values) error
	applyRequest(req *http.Request)
}

// publicAuth identifies a public client by client_id alone.
type publicAuth struct {
	clientID string
}

func (a publicAuth) applyForm(_ string, form url.Values) error {
	form.Set("client_id", a.clientID)
	return nil
}

func (a publicAuth) applyRequest(*http.Request) {}

// secretAuth authenticates with HTTP Basic client credentials.
type secretAuth struct {
	clientID     string
	clientSecret string
}

func (a secretAuth) applyForm(string, url.Values) error { return nil }

func (a secretAuth) applyRequest(req *http.Request) {
	req.SetBasicAuth(a.clientID, a.clientSecret)
}

// assertionAuth authenticates with a signed private-key JWT assertion
// addressed to the token endpoint.
type assertionAuth struct {
	clientID string
	key      *rsa.PrivateKey
}

func (a assertionAuth) applyForm(tokenEndpoint string, form url.Values) error {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.clientID,
		Subject:   a.clientID,
		Audience:  jwt.ClaimStrings{tokenEndpoint},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientAssertionLifetime)),
		ID:        randomToken(16),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return fmt.Errorf("%w: signing client assertion: %v", ErrInvalidConfiguration, err)
	}
	form.Set("client_id", a.clientID)
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	return nil
}

func (a assertionAuth) applyRequest(*http.Request) {}

// oidcBase carries the machinery shared by every OIDC grant: endpoint
// resolution, the token exchange, refresh, local validation,
// introspection and revocation. Flow-specific clients embed it and add
// their login.
type oidcBase struct {
	unsupported

	cfg        *Config
	httpClient oidc.HTTPClient
	logger     *slog.Logger
	discovery  *oidc.DiscoveryClient
	clientAuth clientAuthorizer

	validatorOnce sync.Mutex
	validator     *oidc.Validator
}

func newOIDCBase(cfg *Config, auth clientAuthorizer) *oidcBase {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = oidc.NewHTTPClient(cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var discovery *oidc.DiscoveryClient
	if cfg.AuthServer != "" {
		discovery = oidc.NewDiscoveryClient(cfg.AuthServer, httpClient)
	}
	return &oidcBase{
		unsupported: unsupported{grant: cfg.Grant},
		cfg:         cfg,
		httpClient:  httpClient,
		logger:      logger,
		discovery:   discovery,
		clientAuth:  auth,
	}
}

// endpoint resolves one endpoint URL: an explicit override wins,
// otherwise the discovery document is consulted. Discovery happens at
// most once per client and only when some endpoint actually needs it.
func (b *oidcBase) endpoint(ctx context.Context, override string, pick func(*oidc.Discovery) string, name string) (string, error) {
	if override != "" {
		return override, nil
	}
	if b.discovery == nil {
		return "", fmt.Errorf("%w: %s endpoint is not configured and no auth server is set", ErrInvalidConfiguration, name)
	}
	doc, err := b.discovery.Discover(ctx)
	if err != nil {
		return "", err
	}
	return pick(doc), nil
}

func (b *oidcBase) tokenEndpoint(ctx context.Context) (string, error) {
	return b.endpoint(ctx, b.cfg.TokenEndpoint, func(d *oidc.Discovery) string { return d.TokenEndpoint }, "token")
}

func (b *oidcBase) authorizationEndpoint(ctx context.Context) (string, error) {
	return b.endpoint(ctx, b.cfg.AuthorizationEndpoint, func(d *oidc.Discovery) string { return d.AuthorizationEndpoint }, "authorization")
}

func (b *oidcBase) deviceAuthorizationEndpoint(ctx context.Context) (string, error) {
	return b.endpoint(ctx, b.cfg.DeviceAuthorizationEndpoint, func(d *oidc.Discovery) string { return d.DeviceAuthorizationEndpoint }, "device authorization")
}

func (b *oidcBase) jwksEndpoint(ctx context.Context) (string, error) {
	return b.endpoint(ctx, b.cfg.JWKSEndpoint, func(d *oidc.Discovery) string { return d.JWKSUri }, "jwks")
}

func (b *oidcBase) introspectionEndpoint(ctx context.Context) (string, error) {
	return b.endpoint(ctx, b.cfg.IntrospectionEndpoint, func(d *oidc.Discovery) string { return d.IntrospectionEndpoint }, "introspection")
}

func (b *oidcBase) revocationEndpoint(ctx context.Context) (string, error) {
	return b.endpoint(ctx, b.cfg.RevocationEndpoint, func(d *oidc.Discovery) string { return d.RevocationEndpoint }, "revocation")
}

func (b *oidcBase) issuer(ctx context.Context) (string, error) {
	return b.endpoint(ctx, b.cfg.Issuer, func(d *oidc.Discovery) string { return d.Issuer }, "issuer")
}

// postForm sends a client-authenticated form POST and returns the
// response body on 2xx. Server rejections come back as *ServerError.
func (b *oidcBase) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	if err := b.clientAuth.applyForm(endpoint, form); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	b.clientAuth.applyRequest(req)

	resp, err := b.httpClient.Do(req)
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
	return body, nil
}

// newServerError normalizes an error payload. Standard OAuth and
// Okta-shaped bodies both map onto Code and Description.
func newServerError(status int, body []byte) *ServerError {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorCode        string `json:"errorCode"`
		ErrorSummary     string `json:"errorSummary"`
	}
	_ = json.Unmarshal(body, &payload)

	code := payload.Error
	desc := payload.ErrorDescription
	if code == "" {
		code = payload.ErrorCode
	}
	if desc == "" {
		desc = payload.ErrorSummary
	}
	return &ServerError{
		StatusCode:  status,
		Code:        code,
		Description: desc,
		Raw:         body,
	}
}

// tokenExchange posts a grant to the token endpoint and converts the
// response into an in-memory credential.
func (b *oidcBase) tokenExchange(ctx context.Context, form url.Values) (*credential.Credential, error) {
	endpoint, err := b.tokenEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	body, err := b.postForm(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("malformed token response: %w", err)
	}

	data := map[string]any{}
	if tr.AccessToken != "" {
		data["access_token"] = tr.AccessToken
	}
	if tr.RefreshToken != "" {
		data["refresh_token"] = tr.RefreshToken
	}
	if tr.IDToken != "" {
		data["id_token"] = tr.IDToken
	}
	if tr.TokenType != "" {
		data["token_type"] = tr.TokenType
	}
	if tr.ExpiresIn > 0 {
		data["expires_in"] = tr.ExpiresIn
	}
	if tr.Scope != "" {
		data["scope"] = tr.Scope
	}

	cred, err := credential.NewWithData(credential.KindOIDC, "", data)
	if err != nil {
		return nil, fmt.Errorf("token response yielded no usable credential: %w", err)
	}
	return cred, nil
}

// Refresh implements the refresh token grant.
func (b *oidcBase) Refresh(ctx context.Context, refreshToken string, scopes []string) (*credential.Credential, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrInvalidConfiguration)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	return b.tokenExchange(ctx, form)
}

// ValidateAccessToken verifies the token locally against the server's
// published keys and the configured audiences.
func (b *oidcBase) ValidateAccessToken(ctx context.Context, accessToken string) (jwt.MapClaims, error) {
	if len(b.cfg.Audiences) == 0 {
		return nil, fmt.Errorf("%w: audiences are required for access token validation", ErrInvalidConfiguration)
	}
	v, err := b.tokenValidator(ctx)
	if err != nil {
		return nil, err
	}
	issuer, err := b.issuer(ctx)
	if err != nil {
		return nil, err
	}
	return v.Validate(ctx, accessToken, issuer, b.cfg.Audiences, nil, "")
}

// ValidateIDToken verifies an ID token issued to this client.
func (b *oidcBase) ValidateIDToken(ctx context.Context, idToken, nonce string) (jwt.MapClaims, error) {
	v, err := b.tokenValidator(ctx)
	if err != nil {
		return nil, err
	}
	issuer, err := b.issuer(ctx)
	if err != nil {
		return nil, err
	}
	return v.ValidateIDToken(ctx, idToken, issuer, b.cfg.ClientID, nonce)
}

// IntrospectToken implements RFC 7662 introspection.
func (b *oidcBase) IntrospectToken(ctx context.Context, token, hint string) (map[string]any, error) {
	endpoint, err := b.introspectionEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		return nil, b.notImplemented("token introspection (server does not advertise an endpoint)")
	}

	form := url.Values{"token": {token}}
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	body, err := b.postForm(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("malformed introspection response: %w", err)
	}
	return result, nil
}

// RevokeAccessToken implements RFC 7009 revocation for access tokens.
func (b *oidcBase) RevokeAccessToken(ctx context.Context, accessToken string) error {
	return b.revoke(ctx, accessToken, "access_token")
}

// RevokeRefreshToken implements RFC 7009 revocation for refresh tokens.
func (b *oidcBase) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	return b.revoke(ctx, refreshToken, "refresh_token")
}

func (b *oidcBase) revoke(ctx context.Context, token, hint string) error {
	endpoint, err := b.revocationEndpoint(ctx)
	if err != nil {
		return err
	}
	if endpoint == "" {
		return b.notImplemented("token revocation (server does not advertise an endpoint)")
	}

	form := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
	}
	_, err = b.postForm(ctx, endpoint, form)
	return err
}

// DefaultRequestAuthenticator returns a refreshing authenticator over
// the credential file at path. Grants with a non-interactive login
// override this to fall back to relogin.
func (b *oidcBase) DefaultRequestAuthenticator(credentialPath string) (requestauth.Authenticator, error) {
	if credentialPath == "" {
		return nil, fmt.Errorf("%w: credential path is required", ErrInvalidConfiguration)
	}
	cred := credential.New(credential.KindOIDC, credentialPath)
	return requestauth.NewRefreshing(cred, b,
		requestauth.WithLogger(b.logger),
		requestauth.WithScopes(b.cfg.Scopes),
	), nil
}

// tokenValidator builds the local validator on first use; the JWKS
// endpoint may require discovery, which needs a context.
func (b *oidcBase) tokenValidator(ctx context.Context) (*oidc.Validator, error) {
	b.validatorOnce.Lock()
	defer b.validatorOnce.Unlock()

	if b.validator != nil {
		return b.validator, nil
	}

	jwksURL, err := b.jwksEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	v, err := oidc.NewValidator(oidc.ValidatorConfig{
		JWKSURL:          jwksURL,
		HTTPClient:       b.httpClient,
		MinFetchInterval: b.cfg.MinJWKSFetchInterval,
	})
	if err != nil {
		return nil, err
	}
	b.validator = v
	return v, nil
}

// randomToken returns n bytes of cryptographic randomness, URL-safe
// base64 encoded.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
