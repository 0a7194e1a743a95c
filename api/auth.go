package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/ironca/pki"
)

// tokenIssuer is the iss claim on tokens minted by IssueToken.
const tokenIssuer = "ironca"

// minSecretLength is the shortest accepted HS256 secret.
const minSecretLength = 32

// ErrWeakSecret is returned when the token signing secret is too short.
var ErrWeakSecret = fmt.Errorf("jwt secret must be at least %d bytes", minSecretLength)

// TokenClaims are the bearer token claims that carry the principal.
type TokenClaims struct {
	Role         pki.Role `json:"role"`
	Organization string   `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 bearer token for p that expires after ttl.
func IssueToken(secret []byte, p pki.Principal, ttl time.Duration) (string, error) {
	if len(secret) < minSecretLength {
		return "", ErrWeakSecret
	}
	if p.UserID == "" || !p.Role.Valid() {
		return "", errors.New("token principal needs a user id and a known role")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		Role:         p.Role,
		Organization: p.Organization,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}

// parseToken verifies raw and returns the principal it names.
func parseToken(secret []byte, raw string) (pki.Principal, error) {
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return pki.Principal{}, err
	}
	if claims.Subject == "" {
		return pki.Principal{}, errors.New("token has no subject")
	}
	if !claims.Role.Valid() {
		return pki.Principal{}, fmt.Errorf("token has unknown role %q", claims.Role)
	}
	return pki.Principal{
		UserID:       claims.Subject,
		Role:         claims.Role,
		Organization: claims.Organization,
	}, nil
}

type contextKey int

const principalKey contextKey = iota

// AuthMiddleware verifies the bearer token and stores the principal on the
// request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.clientIP(r)
		if blocked, retryAfter := a.authLimiter.check(ip); blocked {
			a.audit.logFailure(AuditRateLimited, r, "too many invalid bearer tokens")
			writeRateLimited(w, retryAfter)
			return
		}
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			a.authLimiter.recordFailure(ip)
			a.audit.logFailure(AuditAuthFailure, r, "missing bearer token")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		p, err := parseToken(a.jwtSecret, raw)
		if err != nil {
			a.authLimiter.recordFailure(ip)
			a.audit.logFailure(AuditAuthFailure, r, "invalid bearer token")
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		a.authLimiter.recordSuccess(ip)
		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) (pki.Principal, bool) {
	p, ok := ctx.Value(principalKey).(pki.Principal)
	return p, ok
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
