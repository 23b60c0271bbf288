package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved principal behind a validated token.
type Identity struct {
	UserID      string
	Roles       []string
	Permissions []string
}

// Validator is the external identity collaborator. Implementations may be
// slow or failing; callers must treat errors as authentication failures.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (Identity, error)
}

// HasPermission reports whether the identity carries the permission.
func (i Identity) HasPermission(perm string) bool {
	for _, p := range i.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// JWTValidator validates HS256 tokens against a shared secret.
type JWTValidator struct {
	Secret string
}

func (v JWTValidator) ValidateToken(_ context.Context, token string) (Identity, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, errors.New("subject claim required")
	}
	return Identity{
		UserID:      claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}
