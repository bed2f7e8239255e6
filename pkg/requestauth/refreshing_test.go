package requestauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terralens/terralens-go/pkg/credential"
)

// fakeClient counts refresh and relogin calls and returns a canned
// credential or error.
type fakeClient struct {
	refreshCalls int
	reloginCalls int
	result       *credential.Credential
	err          error
	gotRefresh   string
}

func (f *fakeClient) Refresh(ctx context.Context, refreshToken string, scopes []string) (*credential.Credential, error) {
	f.refreshCalls++
	f.gotRefresh = refreshToken
	return f.result, f.err
}

func (f *fakeClient) Relogin(ctx context.Context) (*credential.Credential, error) {
	f.reloginCalls++
	return f.result, f.err
}

func TestAuthenticateInjectsBearer(t *testing.T) {
	cred := oidcCred(t, "", makeJWT(t, time.Now(), time.Now().Add(time.Hour)), "rt")
	auth := NewRefreshing(cred, &fakeClient{})

	req := newRequest(t)
	require.NoError(t, auth.Authenticate(req))
	assert.Equal(t, "Bearer "+cred.AccessToken(), req.Header.Get("Authorization"))
}

func TestAuthenticateWithoutTokenProceedsUnauthenticated(t *testing.T) {
	cred := oidcCred(t, "", "", "rt-only")
	auth := NewRefreshing(cred, &fakeClient{})

	req := newRequest(t)
	require.NoError(t, auth.Authenticate(req))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestRefreshThreshold(t *testing.T) {
	const lifetime = 100 * time.Second

	tests := []struct {
		name        string
		age         time.Duration
		wantRefresh int
	}{
		{"before three quarters", 74 * time.Second, 0},
		{"after three quarters", 76 * time.Second, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iat := time.Now().Add(-tt.age)
			cred := oidcCred(t, "", makeJWT(t, iat, iat.Add(lifetime)), "rt")

			fresh := time.Now()
			client := &fakeClient{result: oidcCredMem(t, makeJWT(t, fresh, fresh.Add(lifetime)), "rt2")}
			auth := NewRefreshing(cred, client)

			require.NoError(t, auth.Authenticate(newRequest(t)))
			assert.Equal(t, tt.wantRefresh, client.refreshCalls)
		})
	}
}

func TestRefreshReplacesTokenAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	iat := time.Now().Add(-90 * time.Second)
	cred := oidcCred(t, path, makeJWT(t, iat, iat.Add(100*time.Second)), "rt")
	require.NoError(t, cred.Save())

	now := time.Now()
	newToken := makeJWT(t, now, now.Add(time.Hour))
	client := &fakeClient{result: oidcCredMem(t, newToken, "rt2")}
	auth := NewRefreshing(cred, client)

	req := newRequest(t)
	require.NoError(t, auth.Authenticate(req))

	assert.Equal(t, "Bearer "+newToken, req.Header.Get("Authorization"))
	assert.Equal(t, "rt", client.gotRefresh)

	// The refreshed credential landed on disk.
	onDisk := credential.New(credential.KindOIDC, path)
	require.NoError(t, onDisk.Load())
	assert.Equal(t, newToken, onDisk.AccessToken())

	// A fresh credential does not trigger another refresh.
	require.NoError(t, auth.Authenticate(newRequest(t)))
	assert.Equal(t, 1, client.refreshCalls)
}

func TestRefreshFailureKeepsStaleToken(t *testing.T) {
	iat := time.Now().Add(-2 * time.Hour)
	staleToken := makeJWT(t, iat, iat.Add(time.Hour))
	cred := oidcCred(t, "", staleToken, "rt")

	client := &fakeClient{err: errors.New("token endpoint unreachable")}
	auth := NewRefreshing(cred, client)

	req := newRequest(t)
	require.NoError(t, auth.Authenticate(req))

	assert.Equal(t, "Bearer "+staleToken, req.Header.Get("Authorization"))
	assert.Equal(t, 1, client.refreshCalls)
}

func TestRefreshOrReloginFallsBackToLogin(t *testing.T) {
	iat := time.Now().Add(-2 * time.Hour)
	cred := oidcCred(t, "", makeJWT(t, iat, iat.Add(time.Hour)), "")

	now := time.Now()
	client := &fakeClient{result: oidcCredMem(t, makeJWT(t, now, now.Add(time.Hour)), "")}
	auth := NewRefreshOrRelogin(cred, client)

	require.NoError(t, auth.Authenticate(newRequest(t)))
	assert.Equal(t, 0, client.refreshCalls)
	assert.Equal(t, 1, client.reloginCalls)
}

func TestRefreshOrReloginPrefersRefreshToken(t *testing.T) {
	iat := time.Now().Add(-2 * time.Hour)
	cred := oidcCred(t, "", makeJWT(t, iat, iat.Add(time.Hour)), "rt")

	now := time.Now()
	client := &fakeClient{result: oidcCredMem(t, makeJWT(t, now, now.Add(time.Hour)), "rt")}
	auth := NewRefreshOrRelogin(cred, client)

	require.NoError(t, auth.Authenticate(newRequest(t)))
	assert.Equal(t, 1, client.refreshCalls)
	assert.Equal(t, 0, client.reloginCalls)
}

func TestOutOfBandFileUpdateAvoidsNetworkRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.json")
	iat := time.Now().Add(-90 * time.Second)
	cred := oidcCred(t, path, makeJWT(t, iat, iat.Add(100*time.Second)), "rt")
	require.NoError(t, cred.Save())

	client := &fakeClient{err: errors.New("should not be called")}
	auth := NewRefreshing(cred, client)

	// Simulate a concurrent process writing a fresh credential to the
	// shared file.
	now := time.Now()
	freshToken := makeJWT(t, now, now.Add(time.Hour))
	writeCredFile(t, path, freshToken)
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	req := newRequest(t)
	require.NoError(t, auth.Authenticate(req))

	assert.Equal(t, "Bearer "+freshToken, req.Header.Get("Authorization"))
	assert.Equal(t, 0, client.refreshCalls)
}

func TestExpiresInFallbackDeadline(t *testing.T) {
	// Opaque access token: freshness comes from expires_in + load time.
	cred, err := credential.NewWithData(credential.KindOIDC, "", map[string]any{
		"access_token": "opaque-token",
		"expires_in":   float64(1),
	})
	require.NoError(t, err)

	now := time.Now()
	client := &fakeClient{result: oidcCredMem(t, makeJWT(t, now, now.Add(time.Hour)), "rt")}
	auth := NewRefreshing(cred, client)

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, auth.Authenticate(newRequest(t)))
	assert.Equal(t, 1, client.refreshCalls)
}

func TestStaticAuthenticator(t *testing.T) {
	req := newRequest(t)
	require.NoError(t, NewStatic("key-123", "api-key").Authenticate(req))
	assert.Equal(t, "api-key key-123", req.Header.Get("Authorization"))

	bare := newRequest(t)
	require.NoError(t, NewStatic("key-123", "").Authenticate(bare))
	assert.Equal(t, "key-123", bare.Header.Get("Authorization"))
}

func TestTransportDecoratesRequests(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")
	}))
	defer server.Close()

	client := &http.Client{Transport: Transport(NewStatic("tok", "Bearer"), nil)}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer tok", gotHeader)
}

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://api.terralens.test/v1/items", nil)
	require.NoError(t, err)
	return req
}

// makeJWT produces a signed token whose signature is irrelevant;
// freshness tracking only reads iat and exp.
func makeJWT(t *testing.T, iat, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": iat.Unix(),
		"exp": exp.Unix(),
		"sub": "user-1",
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func oidcCred(t *testing.T, path, accessToken, refreshToken string) *credential.Credential {
	t.Helper()
	data := map[string]any{}
	if accessToken != "" {
		data["access_token"] = accessToken
	}
	if refreshToken != "" {
		data["refresh_token"] = refreshToken
	}
	cred, err := credential.NewWithData(credential.KindOIDC, path, data)
	require.NoError(t, err)
	return cred
}

func oidcCredMem(t *testing.T, accessToken, refreshToken string) *credential.Credential {
	t.Helper()
	return oidcCred(t, "", accessToken, refreshToken)
}

func writeCredFile(t *testing.T, path, accessToken string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"access_token": accessToken})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
}
