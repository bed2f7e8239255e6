package authclient

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration indicates the client configuration is
	// incomplete or malformed for the selected grant.
	ErrInvalidConfiguration = errors.New("authclient: invalid configuration")

	// ErrNotImplementedForMechanism indicates the selected grant does not
	// support the requested capability. This is a documented capability
	// gap callers can detect and skip, not a failure.
	ErrNotImplementedForMechanism = errors.New("authclient: not implemented for this mechanism")

	// ErrAuthServer indicates the authorization server rejected a
	// request. The concrete *ServerError carries the raw response.
	ErrAuthServer = errors.New("authclient: authorization server error")

	// ErrCallbackStateMismatch indicates the state returned on the
	// authorization callback does not match the one sent. This is the
	// CSRF protection of the authorization code flow.
	ErrCallbackStateMismatch = errors.New("authclient: callback state mismatch")

	// ErrUnsupportedRedirectHost indicates the configured redirect URI
	// does not point at a loopback address. Accepting external redirect
	// hosts would be a credential leak vector.
	ErrUnsupportedRedirectHost = errors.New("authclient: redirect host must be loopback")

	// ErrCallbackTimeout indicates no authorization callback arrived
	// within the listener window.
	ErrCallbackTimeout = errors.New("authclient: timed out waiting for authorization callback")

	// ErrDeviceAccessDenied indicates the user declined the device
	// authorization request.
	ErrDeviceAccessDenied = errors.New("authclient: device authorization denied")

	// ErrDeviceAuthorizationExpired indicates the device code expired
	// before the user completed authorization.
	ErrDeviceAuthorizationExpired = errors.New("authclient: device authorization expired")
)

// ServerError is a normalized authorization server error response. Both
// standard OAuth payloads (error/error_description) and Okta-style
// payloads (errorCode/errorSummary) are recognized; the raw body is
// retained for diagnostics.
type ServerError struct {
	StatusCode  int
	Code        string
	Description string
	Raw         []byte
}

func (e *ServerError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("authclient: authorization server error: %s: %s (status %d)", e.Code, e.Description, e.StatusCode)
	case e.Code != "":
		return fmt.Sprintf("authclient: authorization server error: %s (status %d)", e.Code, e.StatusCode)
	default:
		return fmt.Sprintf("authclient: authorization server error: status %d: %s", e.StatusCode, string(e.Raw))
	}
}

// Unwrap lets errors.Is match ErrAuthServer.
func (e *ServerError) Unwrap() error { return ErrAuthServer }
