// Package identity adapts the external identity provider. The daemon never
// manages credentials itself: the provider signs a token carrying a stable
// user id and a display name, and this package only verifies it.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("identity: invalid token")

// Identity is what the provider asserts about a caller.
type Identity struct {
	ID          string
	DisplayName string
}

// Verifier validates provider-issued bearer tokens.
type Verifier interface {
	Verify(token string) (*Identity, error)
}

type claims struct {
	Name string `json:"name"`
	jwt.StandardClaims
}

// JWTVerifier validates HS256 tokens signed with the secret shared with the
// identity provider.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the caller's identity.
func (v *JWTVerifier) Verify(token string) (*Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Identity{ID: c.Subject, DisplayName: c.Name}, nil
}

// Mint signs a token for the given identity. The real provider does this on
// its side; the daemon uses it only in tests and local development.
func Mint(secret, userID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: displayName,
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	})
	return token.SignedString([]byte(secret))
}
