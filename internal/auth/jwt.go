// Package auth verifies the bearer tokens minted by the account service.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"presence/internal/directory"
)

// Claims represents the JWT payload: sub is the participant id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issue signs an HS256 token for subject. Production tokens come from the
// account service; this exists for tooling and tests.
func Issue(subject int64, role directory.Role, issuer, key string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(subject, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}

// Actor converts claims to the engine's caller identity.
func (c Claims) Actor() (directory.Actor, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return directory.Actor{}, fmt.Errorf("subject %q is not a participant id", c.Subject)
	}
	role := directory.Role(c.Role)
	switch role {
	case directory.RoleStudent, directory.RoleTeacher, directory.RoleAdmin, directory.RoleParent, directory.RoleOther:
	default:
		return directory.Actor{}, fmt.Errorf("unknown role %q", c.Role)
	}
	return directory.Actor{ID: id, Role: role}, nil
}
