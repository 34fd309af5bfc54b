package mijnted

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecodeToken returns the claims of a JWT without verifying its signature.
// The identity provider is trusted, tokens are only inspected for expiry and
// identity claims.
func DecodeToken(token string) (jwt.MapClaims, bool) {
	if token == "" {
		return nil, false
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	res, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, false
	}

	claims, ok := res.Claims.(jwt.MapClaims)
	return claims, ok
}

// IsTokenExpired is true unless the token carries an exp claim that lies
// strictly in the future.
func IsTokenExpired(token string) bool {
	return isTokenExpiredAt(token, time.Now().UTC())
}

func isTokenExpiredAt(token string, now time.Time) bool {
	claims, ok := DecodeToken(token)
	if !ok {
		return true
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}

	return !exp.After(now)
}

// firstClaimValue returns the first non-empty value of the named claims. Claims
// may be plain strings or lists.
func firstClaimValue(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		v := claims[name]
		if list, ok := v.([]any); ok {
			if len(list) == 0 {
				continue
			}
			v = list[0]
		}
		if s := stringValue(v); s != "" {
			return s
		}
	}
	return ""
}
