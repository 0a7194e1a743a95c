package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

var testSecret = []byte(strings.Repeat("k", minSecretLength))

func TestIssueAndParseToken(t *testing.T) {
	p := pki.Principal{UserID: "alice", Role: pki.RoleAdministrator, Organization: "Acme"}

	t.Run("RoundTrip", func(t *testing.T) {
		raw, err := IssueToken(testSecret, p, time.Hour)
		require.NoError(t, err)
		got, err := parseToken(testSecret, raw)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		raw, err := IssueToken(testSecret, p, time.Hour)
		require.NoError(t, err)
		_, err = parseToken([]byte(strings.Repeat("x", minSecretLength)), raw)
		assert.Error(t, err)
	})

	t.Run("Expired", func(t *testing.T) {
		raw, err := IssueToken(testSecret, p, -time.Hour)
		require.NoError(t, err)
		_, err = parseToken(testSecret, raw)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("NoExpiry", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
			Role:             pki.RoleCAUser,
			RegisteredClaims: jwt.RegisteredClaims{Subject: "carol"},
		}).SignedString(testSecret)
		require.NoError(t, err)
		_, err = parseToken(testSecret, raw)
		assert.Error(t, err)
	})

	t.Run("UnknownRole", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
			Role: "ROOT_OF_ALL",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "mallory",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}).SignedString(testSecret)
		require.NoError(t, err)
		_, err = parseToken(testSecret, raw)
		assert.Error(t, err)
	})

	t.Run("RejectsOtherAlgorithms", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, TokenClaims{
			Role: pki.RoleAdministrator,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}).SignedString(testSecret)
		require.NoError(t, err)
		_, err = parseToken(testSecret, raw)
		assert.Error(t, err)
	})

	t.Run("WeakSecret", func(t *testing.T) {
		_, err := IssueToken([]byte("short"), p, time.Hour)
		assert.ErrorIs(t, err, ErrWeakSecret)
	})

	t.Run("MissingSubject", func(t *testing.T) {
		_, err := IssueToken(testSecret, pki.Principal{Role: pki.RoleAdministrator}, time.Hour)
		assert.Error(t, err)
	})
}

func TestAuthMiddleware(t *testing.T) {
	a := &API{jwtSecret: testSecret, audit: newAuditLogger(discardLogger()), authLimiter: newIPRateLimiter(authMaxFailures)}
	var seen pki.Principal
	h := a.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = principalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(""))
	assert.Equal(t, http.StatusUnauthorized, serve("Basic YWxpY2U6cGFzcw=="))
	assert.Equal(t, http.StatusUnauthorized, serve("Bearer not-a-jwt"))

	raw, err := IssueToken(testSecret, pki.Principal{UserID: "bob", Role: pki.RoleRegularUser, Organization: "Acme"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, serve("Bearer "+raw))
	assert.Equal(t, "bob", seen.UserID)
	assert.Equal(t, pki.RoleRegularUser, seen.Role)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tree", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/docs", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}
