package requestauth

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/terralens/terralens-go/pkg/credential"
)

// Option configures a refreshing authenticator.
type Option func(*Refreshing)

// WithLogger sets the logger used for swallowed refresh failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refreshing) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTokenPrefix overrides the default "Bearer" prefix.
func WithTokenPrefix(prefix string) Option {
	return func(r *Refreshing) { r.prefix = prefix }
}

// WithHeaderName overrides the default Authorization header name.
func WithHeaderName(name string) Option {
	return func(r *Refreshing) { r.headerName = name }
}

// WithScopes sets the scopes requested on refresh.
func WithScopes(scopes []string) Option {
	return func(r *Refreshing) { r.scopes = scopes }
}

// Refreshing injects a bearer token, refreshing the credential just in
// time. When the refresh deadline passes it first reloads the
// credential from disk, picking up refreshes done by a concurrent
// process sharing the file, and only then goes to the network.
//
// Refresh failures are logged and swallowed: the stale token is still
// presented and the downstream API call fails with its own auth error.
// Failing earlier would add a second error class for a condition the
// caller already handles.
type Refreshing struct {
	cred       *credential.Credential
	refresher  Refresher
	scopes     []string
	logger     *slog.Logger
	headerName string
	prefix     string

	tokenBody string
	refreshAt time.Time
}

// NewRefreshing creates a refreshing authenticator around a credential
// and the client that can refresh it.
func NewRefreshing(cred *credential.Credential, refresher Refresher, opts ...Option) *Refreshing {
	r := &Refreshing{
		cred:       cred,
		refresher:  refresher,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		headerName: DefaultHeaderName,
		prefix:     DefaultTokenPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.syncFromCredential()
	return r
}

// Authenticate implements Authenticator.
func (r *Refreshing) Authenticate(req *http.Request) error {
	r.preRequest(req)
	injectHeader(req, r.headerName, r.prefix, r.tokenBody)
	return nil
}

// preRequest is the just-in-time freshness check run before every
// outbound request.
func (r *Refreshing) preRequest(req *http.Request) {
	r.lazyLoad()
	if !r.needsRefresh() {
		return
	}

	// Cheap path first: another process may have refreshed the shared
	// credential file already.
	if err := r.cred.LazyReload(); err != nil {
		r.logger.Warn("credential reload failed", "path", r.cred.Path(), "error", err)
	}
	r.syncFromCredential()

	if !r.needsRefresh() {
		return
	}

	fresh, err := r.refresher.Refresh(req.Context(), r.cred.RefreshToken(), r.scopes)
	if err != nil {
		// Deliberate swallow; see type doc.
		r.logger.Warn("credential refresh failed, continuing with held token", "error", err)
		return
	}
	r.adopt(fresh)
}

// RefreshOrRelogin behaves like Refreshing but falls back to a
// non-interactive login when no refresh token is held. It serves
// mechanisms such as client credentials where refresh and
// re-authentication are equivalent by construction.
type RefreshOrRelogin struct {
	Refreshing
	reloginer Reloginer
}

// NewRefreshOrRelogin creates a refresh-or-relogin authenticator.
func NewRefreshOrRelogin(cred *credential.Credential, client Reloginer, opts ...Option) *RefreshOrRelogin {
	a := &RefreshOrRelogin{reloginer: client}
	a.cred = cred
	a.refresher = client
	a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	a.headerName = DefaultHeaderName
	a.prefix = DefaultTokenPrefix
	for _, opt := range opts {
		opt(&a.Refreshing)
	}
	a.syncFromCredential()
	return a
}

// Authenticate implements Authenticator.
func (a *RefreshOrRelogin) Authenticate(req *http.Request) error {
	a.preRequest(req)
	injectHeader(req, a.headerName, a.prefix, a.tokenBody)
	return nil
}

func (a *RefreshOrRelogin) preRequest(req *http.Request) {
	a.lazyLoad()
	if !a.stale() && a.tokenBody != "" {
		return
	}

	if err := a.cred.LazyReload(); err != nil {
		a.logger.Warn("credential reload failed", "path", a.cred.Path(), "error", err)
	}
	a.syncFromCredential()

	if !a.stale() && a.tokenBody != "" {
		return
	}

	var (
		fresh *credential.Credential
		err   error
	)
	if a.cred.RefreshToken() != "" {
		fresh, err = a.reloginer.Refresh(req.Context(), a.cred.RefreshToken(), a.scopes)
	} else {
		fresh, err = a.reloginer.Relogin(req.Context())
	}
	if err != nil {
		a.logger.Warn("credential refresh failed, continuing with held token", "error", err)
		return
	}
	a.adopt(fresh)
}

// stale reports whether the refresh deadline has passed. A zero
// deadline means the credential carries no freshness information and is
// never refreshed proactively.
func (r *Refreshing) stale() bool {
	return !r.refreshAt.IsZero() && time.Now().After(r.refreshAt)
}

// needsRefresh is true when the deadline has passed, or when no access
// token is held but a refresh token could mint one.
func (r *Refreshing) needsRefresh() bool {
	return r.stale() || (r.tokenBody == "" && r.cred.RefreshToken() != "")
}

// lazyLoad pulls credential data from disk the first time a request
// goes out, so authenticators can be built before the file exists.
func (r *Refreshing) lazyLoad() {
	if r.cred.Loaded() || r.cred.Path() == "" {
		return
	}
	if err := r.cred.LazyLoad(); err != nil {
		r.logger.Debug("credential load deferred", "path", r.cred.Path(), "error", err)
		return
	}
	r.syncFromCredential()
}

// adopt replaces the held credential data with a freshly obtained one,
// persists it to the shared file, and recomputes the deadline. A
// persistence failure is logged but does not discard the new token.
func (r *Refreshing) adopt(fresh *credential.Credential) {
	if fresh == nil {
		return
	}
	if err := r.cred.SetData(fresh.Data()); err != nil {
		r.logger.Warn("refreshed credential rejected", "error", err)
		return
	}
	if r.cred.Path() != "" {
		if err := r.cred.Save(); err != nil {
			r.logger.Warn("credential save failed", "path", r.cred.Path(), "error", err)
		}
	}
	r.syncFromCredential()
}

// syncFromCredential recomputes the token body and refresh deadline
// from the held credential.
func (r *Refreshing) syncFromCredential() {
	if !r.cred.Loaded() {
		r.tokenBody = ""
		r.refreshAt = time.Time{}
		return
	}
	r.tokenBody = r.cred.AccessToken()
	r.refreshAt = refreshDeadline(r.cred)
}

// refreshDeadline computes issued_at + 3/4 of the token lifetime.
// Refreshing at 75% absorbs clock skew and the refresh round trip
// itself, so the old token is still valid while the new one is fetched.
// Tokens without usable claims fall back to the credential's expires_in
// hint measured from load time; with neither, the deadline is zero.
func refreshDeadline(cred *credential.Credential) time.Time {
	if iat, exp, ok := tokenTimes(cred.AccessToken()); ok {
		return iat.Add(exp.Sub(iat) * 3 / 4)
	}
	if ttl := cred.ExpiresIn(); ttl > 0 {
		return cred.LoadTime().Add(time.Duration(ttl) * time.Second * 3 / 4)
	}
	return time.Time{}
}

// tokenTimes extracts issued-at and expiry from a JWT access token
// without verifying it; freshness tracking needs no trust in the token.
func tokenTimes(token string) (iat, exp time.Time, ok bool) {
	if token == "" {
		return time.Time{}, time.Time{}, false
	}
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	claims := unverified.Claims.(jwt.MapClaims)

	issued, err := claims.GetIssuedAt()
	if err != nil || issued == nil {
		return time.Time{}, time.Time{}, false
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, time.Time{}, false
	}
	return issued.Time, expiry.Time, true
}
