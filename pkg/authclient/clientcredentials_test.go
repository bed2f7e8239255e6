package authclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terralens/terralens-go/pkg/credential"
)

func TestClientSecretLogin(t *testing.T) {
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("c1:s1"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, wantAuth, r.Header.Get("Authorization"))
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "catalog:read catalog:write", r.PostForm.Get("scope"))

		writeTokenResponse(w, map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	client, err := New(&Config{
		Grant:         GrantClientCredentialsSecret,
		ClientID:      "c1",
		ClientSecret:  "s1",
		TokenEndpoint: server.URL + "/token",
		Scopes:        []string{"catalog:read", "catalog:write"},
	})
	require.NoError(t, err)

	cred, err := client.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.AccessToken())
	assert.Equal(t, credential.KindOIDC, cred.Kind())
	assert.Equal(t, int64(3600), cred.ExpiresIn())
}

func TestClientSecretLoginServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_client",
			"error_description": "client authentication failed",
		})
	}))
	defer server.Close()

	client, err := New(&Config{
		Grant:         GrantClientCredentialsSecret,
		ClientID:      "c1",
		ClientSecret:  "wrong",
		TokenEndpoint: server.URL + "/token",
	})
	require.NoError(t, err)

	_, err = client.Login(context.Background())
	require.ErrorIs(t, err, ErrAuthServer)

	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, http.StatusUnauthorized, serverErr.StatusCode)
	assert.Equal(t, "invalid_client", serverErr.Code)
	assert.Equal(t, "client authentication failed", serverErr.Description)
}

func TestPrivateKeyAssertionLogin(t *testing.T) {
	key, keyPEM := generateTestKey(t)

	var tokenURL atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, clientAssertionType, r.PostForm.Get("client_assertion_type"))

		assertion := r.PostForm.Get("client_assertion")
		require.NotEmpty(t, assertion)

		parsed, err := jwt.Parse(assertion,
			func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithAudience(tokenURL.Load().(string)),
			jwt.WithIssuer("svc-client"),
			jwt.WithSubject("svc-client"),
			jwt.WithExpirationRequired(),
		)
		require.NoError(t, err)

		claims := parsed.Claims.(jwt.MapClaims)
		assert.NotEmpty(t, claims["jti"])

		writeTokenResponse(w, map[string]any{
			"access_token": "at-pk",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()
	tokenURL.Store(server.URL + "/token")

	client, err := New(&Config{
		Grant:               GrantClientCredentialsPrivateKey,
		ClientID:            "svc-client",
		ClientPrivateKeyPEM: keyPEM,
		TokenEndpoint:       server.URL + "/token",
	})
	require.NoError(t, err)

	cred, err := client.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-pk", cred.AccessToken())
}

func TestPrivateKeyFromFile(t *testing.T) {
	_, keyPEM := generateTestKey(t)
	keyPath := filepath.Join(t.TempDir(), "client.pem")
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

	_, err := New(&Config{
		Grant:                GrantClientCredentialsPrivateKey,
		ClientID:             "svc-client",
		ClientPrivateKeyFile: keyPath,
		TokenEndpoint:        "https://auth.terralens.test/token",
	})
	assert.NoError(t, err)
}

func TestPrivateKeyGarbageRejected(t *testing.T) {
	_, err := New(&Config{
		Grant:               GrantClientCredentialsPrivateKey,
		ClientID:            "svc-client",
		ClientPrivateKeyPEM: []byte("not a pem block"),
		TokenEndpoint:       "https://auth.terralens.test/token",
	})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestRefreshGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "catalog:read", r.PostForm.Get("scope"))

		writeTokenResponse(w, map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	client, err := New(&Config{
		Grant:         GrantClientCredentialsSecret,
		ClientID:      "c1",
		ClientSecret:  "s1",
		TokenEndpoint: server.URL + "/token",
	})
	require.NoError(t, err)

	cred, err := client.Refresh(context.Background(), "rt-1", []string{"catalog:read"})
	require.NoError(t, err)
	assert.Equal(t, "at-2", cred.AccessToken())
	assert.Equal(t, "rt-2", cred.RefreshToken())
}

func TestRefreshRequiresToken(t *testing.T) {
	client, err := New(&Config{
		Grant:         GrantClientCredentialsSecret,
		ClientID:      "c1",
		ClientSecret:  "s1",
		TokenEndpoint: "https://auth.terralens.test/token",
	})
	require.NoError(t, err)

	_, err = client.Refresh(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestDefaultRequestAuthenticatorLogsIn(t *testing.T) {
	var logins atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		writeTokenResponse(w, map[string]any{
			"access_token": "at-auto",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	client, err := New(&Config{
		Grant:         GrantClientCredentialsSecret,
		ClientID:      "c1",
		ClientSecret:  "s1",
		TokenEndpoint: server.URL + "/token",
	})
	require.NoError(t, err)

	credPath := filepath.Join(t.TempDir(), "cred.json")
	auth, err := client.DefaultRequestAuthenticator(credPath)
	require.NoError(t, err)

	// First request logs in and persists the credential.
	req, err := http.NewRequest(http.MethodGet, "https://api.terralens.test/v1/items", nil)
	require.NoError(t, err)
	require.NoError(t, auth.Authenticate(req))
	assert.Equal(t, "Bearer at-auto", req.Header.Get("Authorization"))
	assert.Equal(t, int64(1), logins.Load())
	assert.FileExists(t, credPath)

	// The fresh credential is reused without another login.
	again, err := http.NewRequest(http.MethodGet, "https://api.terralens.test/v1/items", nil)
	require.NoError(t, err)
	require.NoError(t, auth.Authenticate(again))
	assert.Equal(t, "Bearer at-auto", again.Header.Get("Authorization"))
	assert.Equal(t, int64(1), logins.Load())
}

func writeTokenResponse(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func generateTestKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, keyPEM
}
