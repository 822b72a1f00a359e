package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"depot/internal/auth"
)

const (
	AccessKey = "depotadmin"
	SecretKey = "depotsecret"
)

func signedRequest(t *testing.T, method, target string, signedAt time.Time) *http.Request {
	t.Helper()

	req := httptest.NewRequestWithContext(t.Context(), method, target, nil)
	auth.SignRequest(req, AccessKey, SecretKey, signedAt)
	return req
}

func TestHmacAuthentication_Succeeds(t *testing.T) {
	t.Parallel()

	e := auth.NewHmacAuthEngine(AccessKey, SecretKey)
	req := signedRequest(t, http.MethodGet, "http://example.com/api/stats", time.Now())

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "expected authentication to succeed")
	require.NotNil(t, user, "expected non-nil user from signed request")
	require.Equal(t, AccessKey, user.AccessKey, "expected user to carry the signing key")
}

func TestHmacAuthentication_InvalidSignature(t *testing.T) {
	t.Parallel()

	e := auth.NewHmacAuthEngine(AccessKey, SecretKey)
	req := signedRequest(t, http.MethodGet, "http://example.com/api/stats", time.Now())

	// Corrupt the signature.
	req.Header.Set("Authorization", req.Header.Get("Authorization")+"0")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "a bad signature is a rejection, not a processing error")
	require.Nil(t, user, "expected nil user from corrupted signature")
}

func TestHmacAuthentication_WrongSecret(t *testing.T) {
	t.Parallel()

	e := auth.NewHmacAuthEngine(AccessKey, "not-the-secret")
	req := signedRequest(t, http.MethodGet, "http://example.com/api/stats", time.Now())

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user, "expected nil user when secrets differ")
}

func TestHmacAuthentication_WrongAccessKey(t *testing.T) {
	t.Parallel()

	e := auth.NewHmacAuthEngine("someone-else", SecretKey)
	req := signedRequest(t, http.MethodGet, "http://example.com/api/stats", time.Now())

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user, "expected nil user for an unknown access key")
}

func TestHmacAuthentication_BoundsDateSkew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		signedAt time.Time
	}{
		{"stale", time.Now().Add(-time.Hour)},
		{"future", time.Now().Add(time.Hour)},
	}

	for _, tc := range tests {
		tc := tc // capture range variable
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := auth.NewHmacAuthEngine(AccessKey, SecretKey)
			req := signedRequest(t, http.MethodGet, "http://example.com/api/stats", tc.signedAt)

			user, err := e.AuthenticateRequest(t.Context(), req)
			require.NoError(t, err)
			require.Nil(t, user, "expected nil user outside the skew window")
		})
	}
}

func TestHmacAuthentication_WidenedSkewWindow(t *testing.T) {
	t.Parallel()

	e := auth.NewHmacAuthEngine(AccessKey, SecretKey)
	e.MaxSkew = 2 * time.Hour

	req := signedRequest(t, http.MethodGet, "http://example.com/api/stats", time.Now().Add(-time.Hour))

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user, "expected old signature to pass inside a widened window")
}

func TestHmacAuthentication_SignatureCommitsToPath(t *testing.T) {
	t.Parallel()

	e := auth.NewHmacAuthEngine(AccessKey, SecretKey)
	signed := signedRequest(t, http.MethodGet, "http://example.com/api/stats", time.Now())

	// Replay the captured header against a different resource.
	replayed := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/api/cleanup", nil)
	replayed.Header.Set("Authorization", signed.Header.Get("Authorization"))
	replayed.Header.Set(auth.DateHeader, signed.Header.Get(auth.DateHeader))

	user, err := e.AuthenticateRequest(t.Context(), replayed)
	require.NoError(t, err)
	require.Nil(t, user, "expected nil user when the path differs from the signed one")
}

func TestHmacAuthentication_SignatureCommitsToMethod(t *testing.T) {
	t.Parallel()

	e := auth.NewHmacAuthEngine(AccessKey, SecretKey)
	signed := signedRequest(t, http.MethodPost, "http://example.com/api/transactions/some-id", time.Now())

	replayed := httptest.NewRequestWithContext(t.Context(), http.MethodDelete, "http://example.com/api/transactions/some-id", nil)
	replayed.Header.Set("Authorization", signed.Header.Get("Authorization"))
	replayed.Header.Set(auth.DateHeader, signed.Header.Get(auth.DateHeader))

	user, err := e.AuthenticateRequest(t.Context(), replayed)
	require.NoError(t, err)
	require.Nil(t, user, "expected nil user when the method differs from the signed one")
}

func TestHmacAuthentication_IgnoresOtherSchemes(t *testing.T) {
	t.Parallel()

	e := auth.NewHmacAuthEngine(AccessKey, SecretKey)
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/api/stats", nil)
	req.SetBasicAuth(AccessKey, SecretKey)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user, "expected the HMAC engine to pass on Basic credentials")
}

func TestBasicAuthentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		user     string
		pass     string
		withAuth bool
		wantUser bool
	}{
		{"valid credentials", AccessKey, SecretKey, true, true},
		{"wrong secret", AccessKey, "nope", true, false},
		{"wrong access key", "nope", SecretKey, true, false},
		{"no header", "", "", false, false},
	}

	for _, tc := range tests {
		tc := tc // capture range variable
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := auth.NewBasicAuthEngine(AccessKey, SecretKey)
			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/api/stats", nil)
			if tc.withAuth {
				req.SetBasicAuth(tc.user, tc.pass)
			}

			user, err := e.AuthenticateRequest(t.Context(), req)
			require.NoError(t, err)
			if tc.wantUser {
				require.NotNil(t, user, "expected non-nil user")
				require.Equal(t, tc.user, user.AccessKey)
			} else {
				require.Nil(t, user, "expected nil user")
			}
		})
	}
}

func TestCompoundAuthentication(t *testing.T) {
	t.Parallel()

	e := auth.NewCompoundAuthEngine(
		auth.NewHmacAuthEngine(AccessKey, SecretKey),
		auth.NewBasicAuthEngine(AccessKey, SecretKey),
	)

	signed := signedRequest(t, http.MethodGet, "http://example.com/api/stats", time.Now())
	user, err := e.AuthenticateRequest(t.Context(), signed)
	require.NoError(t, err, "expected signed request to authenticate")
	require.NotNil(t, user, "expected non-nil user via the HMAC engine")

	basic := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/api/stats", nil)
	basic.SetBasicAuth(AccessKey, SecretKey)
	user, err = e.AuthenticateRequest(t.Context(), basic)
	require.NoError(t, err, "expected basic request to authenticate")
	require.NotNil(t, user, "expected non-nil user via the basic engine")

	anonymous := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/api/stats", nil)
	user, err = e.AuthenticateRequest(t.Context(), anonymous)
	require.NoError(t, err)
	require.Nil(t, user, "expected nil user when no engine accepts the request")
}
