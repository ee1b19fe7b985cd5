// Package auth turns bearer tokens into the tagged party identity used by the
// rest of the service. Token issuance belongs to the account service; Issue
// exists for tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

// Verifier validates a token and returns the authenticated party.
type Verifier interface {
	Verify(token string) (models.Actor, error)
}

type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens whose subject is the party id.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(token string) (models.Actor, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return models.Actor{}, fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return models.Actor{}, fmt.Errorf("%w: token lacks subject or role", models.ErrUnauthorized)
	}
	return models.Actor{Role: claims.Role, ID: claims.Subject}, nil
}

// Issue signs a token for party valid for ttl.
func (v *JWTVerifier) Issue(party models.Actor, ttl time.Duration) (string, error) {
	if !party.Role.Valid() || party.ID == "" {
		return "", errors.New("auth: party needs id and role")
	}
	now := time.Now()
	claims := Claims{
		Role: party.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   party.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
