package authclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/terralens/terralens-go/pkg/credential"
)

// defaultCallbackTimeout bounds the wait for the browser callback.
const defaultCallbackTimeout = 5 * time.Minute

// AuthCodeSession holds the per-login secrets of an authorization code
// exchange. It must be kept between BeginLogin and FinishLogin and
// discarded afterwards.
type AuthCodeSession struct {
	// URL is the authorization URL the user must visit.
	URL string

	// State is the CSRF token echoed back on the callback.
	State string

	// Verifier is the PKCE code verifier matching the challenge sent.
	Verifier string

	// Nonce binds the resulting ID token to this login.
	Nonce string
}

// authCodeClient implements the authorization code flow with PKCE. The
// client is public by default; configuring a client secret upgrades the
// exchange to Basic authentication.
type authCodeClient struct {
	*oidcBase
}

var _ Client = (*authCodeClient)(nil)

func newAuthCodeClient(cfg *Config) (Client, error) {
	var auth clientAuthorizer = publicAuth{clientID: cfg.ClientID}
	if cfg.ClientSecret != "" {
		auth = secretAuth{clientID: cfg.ClientID, clientSecret: cfg.ClientSecret}
	}
	return &authCodeClient{oidcBase: newOIDCBase(cfg, auth)}, nil
}

// BeginLogin builds the authorization URL with fresh PKCE, state and
// nonce material. No network traffic happens beyond endpoint discovery.
func (c *authCodeClient) BeginLogin(ctx context.Context, opts ...LoginOption) (*AuthCodeSession, error) {
	o := applyLoginOptions(c.cfg, opts)

	authzEndpoint, err := c.authorizationEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()
	session := &AuthCodeSession{
		State:    randomToken(16),
		Verifier: verifier,
		Nonce:    randomToken(16),
	}

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.cfg.ClientID},
		"redirect_uri":          {c.cfg.RedirectURI},
		"state":                 {session.State},
		"nonce":                 {session.Nonce},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}
	if len(o.scopes) > 0 {
		q.Set("scope", strings.Join(o.scopes, " "))
	}
	if len(c.cfg.Audiences) > 0 {
		q.Set("audience", strings.Join(c.cfg.Audiences, " "))
	}

	sep := "?"
	if strings.Contains(authzEndpoint, "?") {
		sep = "&"
	}
	session.URL = authzEndpoint + sep + q.Encode()
	return session, nil
}

// FinishLogin completes a login begun with BeginLogin from the callback
// URL the authorization server redirected to.
func (c *authCodeClient) FinishLogin(ctx context.Context, session *AuthCodeSession, callbackURL string) (*credential.Credential, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: login session is required", ErrInvalidConfiguration)
	}
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("malformed callback url: %w", err)
	}
	q := u.Query()

	if errCode := q.Get("error"); errCode != "" {
		return nil, &ServerError{
			StatusCode:  http.StatusFound,
			Code:        errCode,
			Description: q.Get("error_description"),
		}
	}
	if q.Get("state") != session.State {
		return nil, ErrCallbackStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: callback carried no authorization code", ErrAuthServer)
	}
	return c.exchangeCode(ctx, session, code)
}

// Login runs the interactive flow end to end: listen on the loopback
// redirect address, send the user to the authorization URL, wait for
// the callback, exchange the code.
func (c *authCodeClient) Login(ctx context.Context, opts ...LoginOption) (*credential.Credential, error) {
	o := applyLoginOptions(c.cfg, opts)

	session, err := c.BeginLogin(ctx, opts...)
	if err != nil {
		return nil, err
	}

	redirect, err := url.Parse(c.cfg.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed redirect uri: %v", ErrInvalidConfiguration, err)
	}

	// Bind before announcing the URL so the callback cannot race the
	// listener.
	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", redirect.Host, err)
	}

	results := make(chan callbackResult, 1)
	srv := &http.Server{Handler: callbackHandler(redirect.Path, results)}
	go srv.Serve(ln)
	defer srv.Close()

	if o.openBrowser {
		if err := openBrowser(session.URL); err != nil {
			c.logger.Info("could not open a browser, visit the URL manually", "url", session.URL)
		}
	} else {
		c.logger.Info("complete the login in your browser", "url", session.URL)
	}

	timeout := c.cfg.CallbackTimeout
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}

	var res callbackResult
	select {
	case res = <-results:
	case <-time.After(timeout):
		return nil, ErrCallbackTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.state != session.State {
		return nil, ErrCallbackStateMismatch
	}
	return c.exchangeCode(ctx, session, res.code)
}

func (c *authCodeClient) exchangeCode(ctx context.Context, session *AuthCodeSession, code string) (*credential.Credential, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
		"code_verifier": {session.Verifier},
	}
	cred, err := c.tokenExchange(ctx, form)
	if err != nil {
		return nil, err
	}

	// The ID token closes the loop on the nonce sent with the
	// authorization request.
	if idToken := cred.IDToken(); idToken != "" {
		if _, err := c.ValidateIDToken(ctx, idToken, session.Nonce); err != nil {
			return nil, err
		}
	}
	return cred, nil
}

type callbackResult struct {
	code  string
	state string
	err   error
}

// callbackHandler serves the loopback redirect. Only the first
// qualifying request is reported; stray hits (favicon fetches, reloads)
// are answered but dropped.
func callbackHandler(path string, results chan<- callbackResult) http.Handler {
	if path == "" {
		path = "/"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()

		var res callbackResult
		if errCode := q.Get("error"); errCode != "" {
			res.err = &ServerError{
				StatusCode:  http.StatusFound,
				Code:        errCode,
				Description: q.Get("error_description"),
			}
			http.Error(w, "Login failed: "+errCode, http.StatusBadRequest)
		} else {
			res.code = q.Get("code")
			res.state = q.Get("state")
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, "<html><body><p>Login complete. You may close this window.</p></body></html>")
		}

		select {
		case results <- res:
		default:
		}
	})
}

// openBrowser launches the platform browser at url. Callers treat a
// failure as advisory; the URL is always available for manual use.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "linux":
		return exec.Command("xdg-open", url).Start()
	default:
		return errors.New("no browser launcher for " + runtime.GOOS)
	}
}
