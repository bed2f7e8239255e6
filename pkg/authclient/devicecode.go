package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/terralens/terralens-go/pkg/credential"
)

// deviceCodeGrantType is the RFC 8628 token grant identifier.
const deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// defaultDeviceGrantPollInterval applies when the server does not name
// one.
const defaultDeviceGrantPollInterval = 5 * time.Second

// slowDownIncrement is the mandated poll back-off added on each
// slow_down response.
const slowDownIncrement = 5 * time.Second

// DeviceCodeInfo is the server's device authorization response. Display
// UserCode and VerificationURI (or VerificationURIComplete) to the
// user, then poll with DeviceLoginComplete.
type DeviceCodeInfo struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`

	obtainedAt time.Time
}

// deviceCodeClient implements the RFC 8628 device authorization flow
// for hosts without a local browser.
type deviceCodeClient struct {
	*oidcBase
}

var _ Client = (*deviceCodeClient)(nil)

func newDeviceCodeClient(cfg *Config) (Client, error) {
	var auth clientAuthorizer = publicAuth{clientID: cfg.ClientID}
	if cfg.ClientSecret != "" {
		auth = secretAuth{clientID: cfg.ClientID, clientSecret: cfg.ClientSecret}
	}
	return &deviceCodeClient{oidcBase: newOIDCBase(cfg, auth)}, nil
}

// DeviceLoginInitiate requests a device and user code pair.
func (c *deviceCodeClient) DeviceLoginInitiate(ctx context.Context, opts ...LoginOption) (*DeviceCodeInfo, error) {
	o := applyLoginOptions(c.cfg, opts)

	endpoint, err := c.deviceAuthorizationEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		return nil, c.notImplemented("device login (server does not advertise an endpoint)")
	}

	form := url.Values{}
	if len(o.scopes) > 0 {
		form.Set("scope", strings.Join(o.scopes, " "))
	}
	if len(c.cfg.Audiences) > 0 {
		form.Set("audience", strings.Join(c.cfg.Audiences, " "))
	}

	body, err := c.postForm(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}

	var info DeviceCodeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("malformed device authorization response: %w", err)
	}
	if info.DeviceCode == "" || info.UserCode == "" {
		return nil, fmt.Errorf("%w: device authorization response missing codes", ErrAuthServer)
	}
	info.obtainedAt = time.Now()
	return &info, nil
}

// DeviceLoginComplete polls the token endpoint until the user approves,
// declines, or the device code expires. The poll interval honors the
// server's interval and slow_down responses.
func (c *deviceCodeClient) DeviceLoginComplete(ctx context.Context, info *DeviceCodeInfo) (*credential.Credential, error) {
	if info == nil || info.DeviceCode == "" {
		return nil, fmt.Errorf("%w: device code is required", ErrInvalidConfiguration)
	}

	interval := time.Duration(info.Interval) * time.Second
	if interval <= 0 {
		interval = defaultDeviceGrantPollInterval
	}

	started := info.obtainedAt
	if started.IsZero() {
		started = time.Now()
	}
	var deadline time.Time
	if info.ExpiresIn > 0 {
		deadline = started.Add(time.Duration(info.ExpiresIn) * time.Second)
	}

	form := url.Values{
		"grant_type":  {deviceCodeGrantType},
		"device_code": {info.DeviceCode},
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrDeviceAuthorizationExpired
		}

		cred, err := c.tokenExchange(ctx, cloneValues(form))
		if err == nil {
			return cred, nil
		}

		var serverErr *ServerError
		if !errors.As(err, &serverErr) {
			return nil, err
		}
		switch serverErr.Code {
		case "authorization_pending":
			// Keep polling.
		case "slow_down":
			interval += slowDownIncrement
		case "access_denied":
			return nil, ErrDeviceAccessDenied
		case "expired_token":
			return nil, ErrDeviceAuthorizationExpired
		default:
			return nil, err
		}
	}
}

// Login runs both device flow phases, logging the verification
// instructions between them.
func (c *deviceCodeClient) Login(ctx context.Context, opts ...LoginOption) (*credential.Credential, error) {
	info, err := c.DeviceLoginInitiate(ctx, opts...)
	if err != nil {
		return nil, err
	}

	uri := info.VerificationURIComplete
	if uri == "" {
		uri = info.VerificationURI
	}
	c.logger.Info("complete the login on another device", "url", uri, "user_code", info.UserCode)

	return c.DeviceLoginComplete(ctx, info)
}

// cloneValues copies form values so client authentication applied per
// attempt never accumulates.
func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
