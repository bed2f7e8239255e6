package credential

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "oidc.json")

	data := map[string]any{
		"token_type":    "Bearer",
		"access_token":  "at-123",
		"refresh_token": "rt-456",
		"expires_in":    float64(3600),
		"scope":         "openid offline_access",
	}

	cred, err := NewWithData(KindOIDC, path, data)
	require.NoError(t, err)
	require.NoError(t, cred.Save())

	reloaded := New(KindOIDC, path)
	require.NoError(t, reloaded.Load())

	assert.Equal(t, data, reloaded.Data())
	assert.Equal(t, "at-123", reloaded.AccessToken())
	assert.Equal(t, "rt-456", reloaded.RefreshToken())
	assert.Equal(t, int64(3600), reloaded.ExpiresIn())
}

func TestSaveRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")

	cred, err := NewWithData(KindLegacy, path, map[string]any{"key": "pl-key"})
	require.NoError(t, err)
	require.NoError(t, cred.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), info.Mode().Perm())
}

func TestSaveWithoutPath(t *testing.T) {
	cred, err := NewWithData(KindLegacy, "", map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.ErrorIs(t, cred.Save(), ErrNotConfigured)
}

func TestLoadWithoutPath(t *testing.T) {
	cred := New(KindOIDC, "")
	assert.ErrorIs(t, cred.Load(), ErrNotConfigured)
}

func TestLoadMissingFile(t *testing.T) {
	cred := New(KindOIDC, filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, cred.Load(), fs.ErrNotExist)
}

func TestLoadIsAllOrNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oidc.json")
	cred, err := NewWithData(KindOIDC, path, map[string]any{"access_token": "good"})
	require.NoError(t, err)

	// Invalid on-disk content must not replace in-memory data.
	require.NoError(t, os.WriteFile(path, []byte(`{"unrelated":"x"}`), 0o600))
	assert.ErrorIs(t, cred.Load(), ErrInvalidCredential)
	assert.Equal(t, "good", cred.AccessToken())

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	assert.ErrorIs(t, cred.Load(), ErrInvalidCredential)
	assert.Equal(t, "good", cred.AccessToken())
}

func TestSetDataValidation(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		data    map[string]any
		wantErr bool
	}{
		{"oidc access token only", KindOIDC, map[string]any{"access_token": "a"}, false},
		{"oidc refresh token only", KindOIDC, map[string]any{"refresh_token": "r"}, false},
		{"oidc id token only", KindOIDC, map[string]any{"id_token": "i"}, false},
		{"oidc no tokens", KindOIDC, map[string]any{"scope": "openid"}, true},
		{"oidc empty", KindOIDC, map[string]any{}, true},
		{"oidc nil", KindOIDC, nil, true},
		{"legacy ok", KindLegacy, map[string]any{"key": "k"}, false},
		{"legacy missing key", KindLegacy, map[string]any{"other": "x"}, true},
		{"static ok", KindStaticAPIKey, map[string]any{"api_key": "a", "bearer_token_prefix": "api-key"}, false},
		{"static missing api_key", KindStaticAPIKey, map[string]any{"bearer_token_prefix": "api-key"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.kind, "").SetData(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredential)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLazyLoadIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oidc.json")
	seed, err := NewWithData(KindOIDC, path, map[string]any{"access_token": "a"})
	require.NoError(t, err)
	require.NoError(t, seed.Save())

	cred := New(KindOIDC, path)
	require.NoError(t, cred.LazyLoad())

	// Removing the backing file proves the second call performs no I/O.
	require.NoError(t, os.Remove(path))
	assert.NoError(t, cred.LazyLoad())
	assert.Equal(t, "a", cred.AccessToken())
}

func TestLazyReloadOnlyOnNewerMtime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oidc.json")
	seed, err := NewWithData(KindOIDC, path, map[string]any{"access_token": "old"})
	require.NoError(t, err)
	require.NoError(t, seed.Save())

	cred := New(KindOIDC, path)
	require.NoError(t, cred.Load())
	loadedAt := cred.LoadTime()

	// A write that lands at or before the load time must not reload.
	writeJSON(t, path, map[string]any{"access_token": "hidden"})
	stale := loadedAt.Add(-time.Second)
	require.NoError(t, os.Chtimes(path, stale, stale))
	require.NoError(t, cred.LazyReload())
	assert.Equal(t, "old", cred.AccessToken())

	// A strictly newer mtime triggers exactly one reload.
	fresh := loadedAt.Add(time.Second)
	require.NoError(t, os.Chtimes(path, fresh, fresh))
	require.NoError(t, cred.LazyReload())
	assert.Equal(t, "hidden", cred.AccessToken())
}

func TestLazyReloadInMemoryOnly(t *testing.T) {
	cred, err := NewWithData(KindOIDC, "", map[string]any{"access_token": "a"})
	require.NoError(t, err)
	assert.NoError(t, cred.LazyReload())
	assert.Equal(t, "a", cred.AccessToken())
}

func TestLazyReloadLoadsWhenUnset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oidc.json")
	writeJSON(t, path, map[string]any{"access_token": "a"})

	cred := New(KindOIDC, path)
	require.NoError(t, cred.LazyReload())
	assert.Equal(t, "a", cred.AccessToken())
}

func TestAPIKeyAccessors(t *testing.T) {
	legacy, err := NewWithData(KindLegacy, "", map[string]any{"key": "legacy-key"})
	require.NoError(t, err)
	assert.Equal(t, "legacy-key", legacy.APIKey())

	static, err := NewWithData(KindStaticAPIKey, "", map[string]any{
		"api_key":             "static-key",
		"bearer_token_prefix": "api-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "static-key", static.APIKey())
	assert.Equal(t, "api-key", static.BearerTokenPrefix())
}

func writeJSON(t *testing.T, path string, data map[string]any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
}
