package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenFormat = errors.New("invalid token format")
	ErrTokenSig    = errors.New("invalid token signature")
	ErrTokenExp    = errors.New("token expired or not yet valid")
	ErrTokenCall   = errors.New("call id mismatch")
	ErrNoSecret    = errors.New("media token secret not configured")
)

const issuer = "bookline"

// MediaClaims bind a media stream token to one call.
type MediaClaims struct {
	jwt.RegisteredClaims
	CallID string `json:"call_id"`
}

// IssueMediaToken signs an HS256 token for callID valid until now+ttl.
func IssueMediaToken(secret, callID string, now time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	claims := MediaClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   callID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		CallID: callID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateMediaToken parses token and checks signature, expiry (with skew
// either side) and, when expectCallID is set, the bound call.
func ValidateMediaToken(secret, token, expectCallID string, now time.Time, skew time.Duration) (MediaClaims, error) {
	if secret == "" {
		return MediaClaims{}, ErrNoSecret
	}
	var claims MediaClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(skew),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return MediaClaims{}, ErrTokenFormat
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return MediaClaims{}, ErrTokenSig
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return MediaClaims{}, ErrTokenExp
	default:
		return MediaClaims{}, err
	}
	if expectCallID != "" && claims.CallID != expectCallID {
		return MediaClaims{}, ErrTokenCall
	}
	return claims, nil
}
