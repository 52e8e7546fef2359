package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
)

// AgentClaims is the JWT payload issued to an agent after a successful
// bootstrap exchange, generalizing the donor's user-session JWTClaims
// to agent enrollment: identity and the capability/tag set it
// enrolled with, rather than a user/role pair.
type AgentClaims struct {
	AgentID   string   `json:"agentId"`
	AgentName string   `json:"agentName"`
	Tags      []string `json:"tags,omitempty"`
	jwt.RegisteredClaims
}

// accessTokenTTL is long-lived by design: agents are expected to
// reconnect with the same credential for days, not re-bootstrap on
// every restart.
const accessTokenTTL = 30 * 24 * time.Hour

func issueAccessToken(agentID, agentName string, tags []string, secret []byte) (string, error) {
	claims := AgentClaims{
		AgentID:   agentID,
		AgentName: agentName,
		Tags:      tags,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "orbitmesh",
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(accessTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func verifyAccessToken(tokenString string, secret []byte) (*AgentClaims, error) {
	claims := &AgentClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.Wrap(apperrors.AuthFailed, "invalid or expired agent access token", err)
	}
	return claims, nil
}
