// Package auth resolves bearer tokens issued by the identity service into
// principals. Tokens are validated once per connection at attach time.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, mis-signed and expired tokens alike so
// the close code never tells a prober which case it hit.
var ErrInvalidToken = errors.New("invalid token")

// Principal is the identity a validated token resolves to. Teams and Grants
// come from the token claims: the identity service decides access, this
// service only enforces it.
type Principal struct {
	ID     string
	Name   string
	Teams  []string
	Grants map[string]string
}

type Claims struct {
	Name   string            `json:"name"`
	Teams  []string          `json:"teams,omitempty"`
	Grants map[string]string `json:"grants,omitempty"`
	jwt.RegisteredClaims
}

// Resolver validates HMAC-signed bearer tokens against the shared secret.
type Resolver struct {
	secret []byte
}

func NewResolver(secret []byte) *Resolver {
	return &Resolver{secret: secret}
}

func (r *Resolver) Resolve(_ context.Context, token string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" || claims.Name == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		ID:     claims.Subject,
		Name:   claims.Name,
		Teams:  claims.Teams,
		Grants: claims.Grants,
	}, nil
}

// Issue mints a short-lived token for a principal. Used by the ws-token
// endpoint and by tests; production sign-in lives with the identity service.
func (r *Resolver) Issue(principal Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:   principal.Name,
		Teams:  principal.Teams,
		Grants: principal.Grants,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
