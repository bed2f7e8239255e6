package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNotConfigured indicates the credential has no backing file path.
	ErrNotConfigured = errors.New("credential: no file path configured")

	// ErrInvalidCredential indicates the credential data failed validation.
	ErrInvalidCredential = errors.New("credential: invalid credential data")
)

// Kind selects the validation rules applied to a credential's data.
type Kind string

const (
	// KindOIDC holds tokens obtained from an OIDC authorization server.
	// Valid data carries at least one of access_token, id_token or
	// refresh_token.
	KindOIDC Kind = "oidc"

	// KindLegacy holds an opaque platform API key under the "key" field.
	KindLegacy Kind = "legacy"

	// KindStaticAPIKey holds a caller-provided API key under "api_key",
	// optionally with a "bearer_token_prefix".
	KindStaticAPIKey Kind = "static_api_key"
)

// Canonical data keys.
const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyIDToken      = "id_token"
	keyExpiresIn    = "expires_in"
	keyTokenType    = "token_type"
	keyScope        = "scope"
	keyLegacyAPIKey = "key"
	keyAPIKey       = "api_key"
	keyBearerPrefix = "bearer_token_prefix"
)

// Credential is a validated, file-backed JSON object holding a secret or
// token set. The in-memory copy is immutable except through SetData and
// the load methods; the backing file is the only resource shared with
// other processes, coordinated solely by modification-time comparison.
type Credential struct {
	kind     Kind
	path     string
	data     map[string]any
	loadTime time.Time
}

// New creates an empty credential of the given kind backed by path.
// An empty path produces a purely in-memory credential. Data is left
// unset to support lazy loading.
func New(kind Kind, path string) *Credential {
	return &Credential{kind: kind, path: path}
}

// NewWithData creates a credential with initial data, validating it.
func NewWithData(kind Kind, path string, data map[string]any) (*Credential, error) {
	c := New(kind, path)
	if err := c.SetData(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Kind returns the credential kind.
func (c *Credential) Kind() Kind { return c.kind }

// Path returns the backing file path, if any.
func (c *Credential) Path() string { return c.path }

// SetPath changes the backing file path without touching data.
func (c *Credential) SetPath(path string) { c.path = path }

// Loaded reports whether data has been set or loaded.
func (c *Credential) Loaded() bool { return c.data != nil }

// LoadTime returns the time of the last successful load or save.
func (c *Credential) LoadTime() time.Time { return c.loadTime }

// Data returns the current data map. Callers must not mutate it.
func (c *Credential) Data() map[string]any { return c.data }

// SetData replaces the credential data after validating it. Empty or
// nil data is rejected; construction is the only way to hold an unset
// credential.
func (c *Credential) SetData(data map[string]any) error {
	if err := c.validate(data); err != nil {
		return err
	}
	c.data = data
	c.loadTime = time.Now()
	return nil
}

// Load reads and validates the backing file, replacing data on success.
// A failed read or validation leaves the in-memory data untouched.
func (c *Credential) Load() error {
	if c.path == "" {
		return ErrNotConfigured
	}

	raw, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if err := c.validate(data); err != nil {
		return err
	}

	c.data = data
	c.loadTime = time.Now()
	return nil
}

// LazyLoad loads from disk only if data is currently unset.
func (c *Credential) LazyLoad() error {
	if c.data != nil {
		return nil
	}
	return c.Load()
}

// LazyReload reloads from disk when the backing file is strictly newer
// than the last load. Unset data behaves like Load. A credential with
// data but no path is a pure in-memory object and reloads nothing.
// This mtime check is how independent processes sharing one credential
// file converge without explicit IPC.
func (c *Credential) LazyReload() error {
	if c.data == nil {
		return c.Load()
	}
	if c.path == "" {
		return nil
	}

	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}
	if !info.ModTime().After(c.loadTime) {
		return nil
	}
	return c.Load()
}

// Save validates the current data and writes it to the backing file.
// The write goes through a temporary file and an atomic rename so a
// concurrent reader never observes a partial document. The file is
// restricted to owner read/write; parent directories are created as
// needed.
func (c *Credential) Save() error {
	if c.path == "" {
		return ErrNotConfigured
	}
	if err := c.validate(c.data); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return err
	}

	c.loadTime = time.Now()
	return nil
}

// validate applies the kind-specific rules to candidate data.
func (c *Credential) validate(data map[string]any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is empty", ErrInvalidCredential)
	}

	switch c.kind {
	case KindOIDC:
		if stringField(data, keyAccessToken) == "" &&
			stringField(data, keyIDToken) == "" &&
			stringField(data, keyRefreshToken) == "" {
			return fmt.Errorf("%w: need at least one of access_token, id_token or refresh_token", ErrInvalidCredential)
		}
	case KindLegacy:
		if stringField(data, keyLegacyAPIKey) == "" {
			return fmt.Errorf("%w: missing key", ErrInvalidCredential)
		}
	case KindStaticAPIKey:
		if stringField(data, keyAPIKey) == "" {
			return fmt.Errorf("%w: missing api_key", ErrInvalidCredential)
		}
	default:
		return fmt.Errorf("%w: unknown credential kind %q", ErrInvalidCredential, c.kind)
	}

	return nil
}

// AccessToken returns the access token, or "" if unset.
func (c *Credential) AccessToken() string { return stringField(c.data, keyAccessToken) }

// RefreshToken returns the refresh token, or "" if unset.
func (c *Credential) RefreshToken() string { return stringField(c.data, keyRefreshToken) }

// IDToken returns the ID token, or "" if unset.
func (c *Credential) IDToken() string { return stringField(c.data, keyIDToken) }

// TokenType returns the token type, usually "Bearer".
func (c *Credential) TokenType() string { return stringField(c.data, keyTokenType) }

// Scope returns the space-separated granted scope string.
func (c *Credential) Scope() string { return stringField(c.data, keyScope) }

// APIKey returns the API key for legacy and static credentials.
func (c *Credential) APIKey() string {
	if c.kind == KindLegacy {
		return stringField(c.data, keyLegacyAPIKey)
	}
	return stringField(c.data, keyAPIKey)
}

// BearerTokenPrefix returns the configured header prefix for static
// API key credentials, or "" when none is stored.
func (c *Credential) BearerTokenPrefix() string { return stringField(c.data, keyBearerPrefix) }

// ExpiresIn returns the expires_in hint in seconds, or 0 if absent.
func (c *Credential) ExpiresIn() int64 {
	switch v := c.data[keyExpiresIn].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
