// ABOUTME: JWT tokens authenticating gateway-to-gateway mesh calls
// ABOUTME: Uses HS256 signing with the shared mesh secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultMeshTokenTTL is the lifetime of issued mesh tokens.
const DefaultMeshTokenTTL = 2 * time.Minute

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (hostID string, err error)
}

// MeshTokens issues and verifies HS256 mesh tokens.
type MeshTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewMeshTokens creates a token helper. ttl <= 0 uses DefaultMeshTokenTTL.
func NewMeshTokens(secret []byte, ttl time.Duration) *MeshTokens {
	if ttl <= 0 {
		ttl = DefaultMeshTokenTTL
	}
	return &MeshTokens{secret: secret, ttl: ttl, now: time.Now}
}

// Verify validates the token and extracts the host id from the "sub" claim
func (m *MeshTokens) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Issue creates a token for hostID. It satisfies mesh.TokenIssuer.
func (m *MeshTokens) Issue(hostID string) (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   hostID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}
