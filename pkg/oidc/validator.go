package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultMinFetchInterval bounds how often a cache miss may trigger a
// verification key refetch.
const DefaultMinFetchInterval = 5 * time.Minute

// defaultAllowedAlgorithms are the asymmetric signing algorithms
// accepted by default. Symmetric and "none" algorithms are never
// accepted from a token header.
var defaultAllowedAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"ES256", "ES384", "ES512",
	"PS256", "PS384", "PS512",
}

// ValidatorConfig configures a Validator. The zero value of optional
// fields selects documented defaults; there is no process-wide state to
// adjust.
type ValidatorConfig struct {
	// JWKSURL is the verification key set endpoint.
	JWKSURL string

	// HTTPClient performs key set fetches. Defaults to NewHTTPClient(0).
	HTTPClient HTTPClient

	// MinFetchInterval throttles key set refetches triggered by cache
	// misses. A token signed with a bogus key ID can otherwise force
	// unbounded network calls. Defaults to DefaultMinFetchInterval.
	MinFetchInterval time.Duration

	// AllowedAlgorithms is the signing algorithm allow list. Defaults to
	// the common asymmetric set.
	AllowedAlgorithms []string

	// ClockSkew is the leeway applied to time-based claims.
	ClockSkew time.Duration
}

// Validator verifies signed tokens against keys published at a JWKS
// endpoint. Keys are cached by key ID and refetched on miss, subject to
// the configured minimum fetch interval.
type Validator struct {
	jwksURL          string
	httpClient       HTTPClient
	minFetchInterval time.Duration
	allowed          []string
	clockSkew        time.Duration

	mu       sync.Mutex
	jwks     keyfunc.Keyfunc
	keyIDs   map[string]struct{}
	loadTime time.Time
}

// NewValidator creates a token validator. The key set is fetched
// lazily on first use, not at construction.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("%w: jwks url is required", ErrInvalidConfiguration)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}

	interval := cfg.MinFetchInterval
	if interval <= 0 {
		interval = DefaultMinFetchInterval
	}

	allowed := cfg.AllowedAlgorithms
	if len(allowed) == 0 {
		allowed = defaultAllowedAlgorithms
	}

	return &Validator{
		jwksURL:          cfg.JWKSURL,
		httpClient:       httpClient,
		minFetchInterval: interval,
		allowed:          allowed,
		clockSkew:        cfg.ClockSkew,
	}, nil
}

// Validate verifies a token's signature and claims. The token must be
// signed with an allow-listed algorithm by a key from the validator's
// key set, carry aud, exp and iss claims plus any caller-required
// claims, match the expected issuer, contain at least one of the
// expected audiences, and be unexpired. A non-empty nonce must equal
// the token's nonce claim.
//
// All failures wrap ErrTokenValidation; callers log the cause but never
// need to branch on it.
func (v *Validator) Validate(ctx context.Context, token, issuer string, audiences []string, required []string, nonce string) (jwt.MapClaims, error) {
	alg, kid, err := parseHeader(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenValidation, err)
	}

	// Never trust a token-asserted algorithm outside the allow list.
	// The check runs before any key resolution or signature work.
	if !containsString(v.allowed, alg) {
		return nil, fmt.Errorf("%w: %w %q", ErrTokenValidation, ErrDisallowedAlgorithm, alg)
	}

	keyFn, err := v.signingKeyfunc(ctx, kid)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.Parse(token, keyFn,
		jwt.WithValidMethods(v.allowed),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.clockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenValidation, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrTokenValidation)
	}

	names := append([]string{"aud", "exp", "iss"}, required...)
	if nonce != "" {
		names = append(names, "nonce")
	}
	for _, name := range names {
		if _, present := claims[name]; !present {
			return nil, fmt.Errorf("%w: missing required claim %q", ErrTokenValidation, name)
		}
	}

	iss, err := claims.GetIssuer()
	if err != nil || iss != issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenValidation)
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed audience claim", ErrTokenValidation)
	}
	if !audienceMatches(aud, audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenValidation)
	}

	if nonce != "" {
		got, _ := claims["nonce"].(string)
		if got != nonce {
			return nil, fmt.Errorf("%w: %w", ErrTokenValidation, ErrNonceMismatch)
		}
	}

	return claims, nil
}

// ValidateIDToken validates an OIDC ID token for the given client. On
// top of Validate with audience clientID, a token issued to multiple
// audiences must carry an azp claim equal to clientID.
func (v *Validator) ValidateIDToken(ctx context.Context, token, issuer, clientID string, nonce string) (jwt.MapClaims, error) {
	claims, err := v.Validate(ctx, token, issuer, []string{clientID}, nil, nonce)
	if err != nil {
		return nil, err
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed audience claim", ErrTokenValidation)
	}
	if len(aud) > 1 {
		azp, _ := claims["azp"].(string)
		if azp == "" {
			return nil, fmt.Errorf("%w: multi-audience id token missing azp claim", ErrTokenValidation)
		}
		if azp != clientID {
			return nil, fmt.Errorf("%w: azp does not match client id", ErrTokenValidation)
		}
	}

	return claims, nil
}

// signingKeyfunc resolves the keyfunc serving the given key ID,
// refetching the key set on a miss when the throttle permits.
func (v *Validator) signingKeyfunc(ctx context.Context, kid string) (jwt.Keyfunc, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.jwks != nil {
		if _, present := v.keyIDs[kid]; present || kid == "" {
			return v.jwks.Keyfunc, nil
		}
	}

	if !v.loadTime.IsZero() && time.Since(v.loadTime) < v.minFetchInterval {
		return nil, fmt.Errorf("%w: %w %q", ErrTokenValidation, ErrUnknownSigningKey, kid)
	}

	if err := v.fetchKeysLocked(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenValidation, err)
	}

	if _, present := v.keyIDs[kid]; !present && kid != "" {
		return nil, fmt.Errorf("%w: %w %q", ErrTokenValidation, ErrUnknownSigningKey, kid)
	}

	return v.jwks.Keyfunc, nil
}

// fetchKeysLocked replaces the entire cached key set. The caller must
// hold the mutex. The load time advances on every attempt so failed
// fetches are throttled the same as successful ones.
func (v *Validator) fetchKeysLocked(ctx context.Context) error {
	v.loadTime = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}

	jwks, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}

	keyIDs := make(map[string]struct{}, len(doc.Keys))
	for _, k := range doc.Keys {
		keyIDs[k.Kid] = struct{}{}
	}

	v.jwks = jwks
	v.keyIDs = keyIDs
	return nil
}

// parseHeader reads the token header without verifying the signature.
func parseHeader(token string) (alg, kid string, err error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", "", err
	}
	alg, _ = unverified.Header["alg"].(string)
	kid, _ = unverified.Header["kid"].(string)
	return alg, kid, nil
}

// audienceMatches reports whether the token audience contains at least
// one of the expected values. Any-of matching mirrors the server's
// relaxed semantics for multi-audience access tokens.
func audienceMatches(aud jwt.ClaimStrings, expected []string) bool {
	for _, want := range expected {
		for _, have := range aud {
			if have == want {
				return true
			}
		}
	}
	return false
}

// containsString checks if a slice contains a string.
func containsString(slice []string, str string) bool {
	for _, s := range slice {
		if s == str {
			return true
		}
	}
	return false
}
