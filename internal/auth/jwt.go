// Package auth issues and validates the operator tokens that guard the
// audit API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator roles.
const (
	RoleAdmin   = "admin"
	RoleAuditor = "auditor"
	RoleIngest  = "ingest"
)

const issuer = "agentaudit"

// Claims holds the JWT token payload. The subject names the operator or
// the ingesting agent.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// ErrInvalidToken is returned when a JWT cannot be parsed or has expired.
var ErrInvalidToken = errors.New("auth: invalid or expired token") //nolint:gochecknoglobals // sentinel error

// ErrInvalidRole is returned when issuing a token for an unknown role.
var ErrInvalidRole = errors.New("auth: unknown role") //nolint:gochecknoglobals // sentinel error

// ValidRole reports whether role is one of the operator roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleAuditor, RoleIngest:
		return true
	}
	return false
}

// IssueToken creates a signed HS256 token for subject with the given role.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if !ValidRole(role) {
		return "", fmt.Errorf("auth.IssueToken: %w: %q", ErrInvalidRole, role)
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueToken: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT token string. Returns the embedded claims.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	if !token.Valid || !ValidRole(claims.Role) {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	return claims, nil
}
