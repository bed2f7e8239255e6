package oidc

import "errors"

var (
	// ErrTokenValidation is the umbrella failure for any token that does
	// not validate. Callers treat "invalid" uniformly; the wrapped cause
	// is for logging only.
	ErrTokenValidation = errors.New("oidc: token validation failed")

	// ErrUnknownSigningKey indicates the token's key ID is not present in
	// the verification key set, even after a permitted refresh.
	ErrUnknownSigningKey = errors.New("oidc: unknown signing key")

	// ErrDisallowedAlgorithm indicates the token header declared a signing
	// algorithm outside the configured allow list.
	ErrDisallowedAlgorithm = errors.New("oidc: disallowed signing algorithm")

	// ErrNonceMismatch indicates the id token nonce does not match the
	// nonce supplied with the authorization request.
	ErrNonceMismatch = errors.New("oidc: nonce mismatch")

	// ErrDiscoveryFailed indicates the discovery document could not be
	// fetched or was invalid.
	ErrDiscoveryFailed = errors.New("oidc: discovery failed")

	// ErrInvalidConfiguration indicates the component configuration is
	// incomplete or malformed.
	ErrInvalidConfiguration = errors.New("oidc: invalid configuration")

	// ErrJWKSFetchFailed indicates the verification key set could not be
	// retrieved or parsed.
	ErrJWKSFetchFailed = errors.New("oidc: jwks fetch failed")
)
