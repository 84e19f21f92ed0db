// Package auth verifies the bearer tokens presented by WebSocket clients.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, expired or wrongly
// signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal behind a token.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier turns a token into an Identity.
type Verifier interface {
	VerifyToken(token string) (Identity, error)
}

// Claims are the JWT claims issued by the account service: the user id in
// "sub" and the display name in "username".
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) VerifyToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	if len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: verifier has no secret", ErrInvalidToken)
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.Username == "" {
		return Identity{}, fmt.Errorf("%w: missing sub or username claim", ErrInvalidToken)
	}

	return Identity{UserID: claims.Subject, DisplayName: claims.Username}, nil
}

// Issue signs a token for the given identity. Token issuance belongs to the
// account service; this exists for the development CLI and tests.
func Issue(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
