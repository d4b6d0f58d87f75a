package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotJWT is returned for opaque tokens.
var ErrNotJWT = errors.New("token is not a JWT")

// Inspect returns the registered claims of token without checking its signature.
// The result must never be used for an authorization decision.
func Inspect(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.Join(ErrNotJWT, err)
	}
	return claims, nil
}

// ExpiresAt returns the exp claim of token. ok is false for opaque tokens or tokens
// without exp.
func ExpiresAt(token string) (exp time.Time, ok bool) {
	claims, err := Inspect(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ExpiresWithin reports whether token carries an exp claim at or before now+d.
func ExpiresWithin(token string, d time.Duration, now time.Time) bool {
	exp, ok := ExpiresAt(token)
	if !ok {
		return false
	}
	return !exp.After(now.Add(d))
}
