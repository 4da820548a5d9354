/*
auth.go - Bearer token middleware

PURPOSE:
  Identifies the caller of user and admin endpoints. Tokens are issued by
  the platform's auth service and signed with the shared JWT_SECRET
  (HS256). The subject is the user id; role "admin" unlocks /api/admin.

STATUS CODES:
  401  missing, malformed, expired or wrongly signed token
  403  valid token without the admin role on an admin route

Postback endpoints do not use tokens; they authenticate with the
per-network shared secret instead.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/earning-engine/ledger"
)

const RoleAdmin = "admin"

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Principal is the authenticated caller.
type Principal struct {
	UserID ledger.UserID
	Role   string
}

// IsAdmin reports whether the caller holds the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type ctxKey int

const principalKey ctxKey = iota

// Authenticator verifies and issues HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// ErrEmptySecret is returned by NewAuthenticator for a blank key. An empty
// HMAC key lets anyone mint admin tokens.
var ErrEmptySecret = errors.New("jwt secret is empty")

func NewAuthenticator(secret string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken signs a token for userID. Used by operators and tests; normal
// tokens come from the auth service.
func (a *Authenticator) IssueToken(userID ledger.UserID, role string, ttl time.Duration) (string, error) {
	now := a.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// Verify parses a raw token and returns its principal.
func (a *Authenticator) Verify(raw string) (Principal, error) {
	tok, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return Principal{}, err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{UserID: ledger.UserID(c.Subject), Role: c.Role}, nil
}

// RequireUser rejects requests without a valid bearer token.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing bearer token", Reason: "unauthorized"})
			return
		}
		p, err := a.Verify(raw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid token", Reason: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin is RequireUser plus the admin role.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return a.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, _ := PrincipalFrom(r.Context()); !p.IsAdmin() {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "admin role required", Reason: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
