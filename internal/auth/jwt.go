package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/insien/insien/pkg/types"
)

// UserClaims are the JWT claims of a user bearer token.
type UserClaims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"userId"`
	Email  string    `json:"email"`
}

// AgentClaims are the JWT claims of an agent token injected into a sandbox
// container. Type is "agent" for sandbox agents and "warm" for pre-warmed
// pool containers.
type AgentClaims struct {
	jwt.RegisteredClaims
	SandboxID string `json:"sandboxId"`
	Type      string `json:"type"`
	UserID    string `json:"userId,omitempty"`
	Tier      string `json:"tier,omitempty"`
}

// Issuer creates and validates JWTs with a shared HMAC secret.
type Issuer struct {
	secret []byte
}

// NewIssuer creates a new JWT issuer with the given shared secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// IssueAgentToken creates the JWT a sandbox agent presents when connecting.
func (i *Issuer) IssueAgentToken(sandboxID, userID string, tier types.Tier, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sandboxID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "insien",
		},
		SandboxID: sandboxID,
		Type:      "agent",
		UserID:    userID,
		Tier:      string(tier),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// IssueUserToken creates a user bearer JWT. Used by operator tooling and
// tests; interactive login flows live outside this service.
func (i *Issuer) IssueUserToken(userID uuid.UUID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "insien",
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ParseUserToken validates a user bearer JWT. The payload must carry a user
// id and email.
func (i *Issuer) ParseUserToken(tokenStr string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, i.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == uuid.Nil || claims.Email == "" {
		return nil, fmt.Errorf("token missing user identity")
	}

	return claims, nil
}

// ParseAgentToken validates an agent JWT and checks it was minted for the
// sandbox named in the connection URL.
func (i *Issuer) ParseAgentToken(tokenStr, sandboxID string) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AgentClaims{}, i.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Type != "agent" && claims.Type != "warm" {
		return nil, fmt.Errorf("unexpected token type %q", claims.Type)
	}
	if claims.SandboxID != sandboxID {
		return nil, fmt.Errorf("token not valid for this sandbox")
	}

	return claims, nil
}

func (i *Issuer) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return i.secret, nil
}
