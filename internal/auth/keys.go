package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/insien/insien/internal/db"
)

// ErrInvalidCredentials means no live credential matched the presented key
// or token. It maps to 401 at the API layer; the message never says which
// part failed.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// API keys are "isk_" + 64 lowercase hex chars. The stored lookup prefix is
// the first 12 characters of the bearer string.
const keyPrefixLen = 12

var keyPattern = regexp.MustCompile(`^isk_[0-9a-f]{64}$`)

// MintedKey is the one-time result of generating an API key. Key is shown
// to the user exactly once; only Prefix and Hash are persisted.
type MintedKey struct {
	Key    string
	Prefix string
	Hash   string
}

// GenerateAPIKey mints a new API key with its storage material.
func GenerateAPIKey() (*MintedKey, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	key := "isk_" + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}

	return &MintedKey{Key: key, Prefix: key[:keyPrefixLen], Hash: string(hash)}, nil
}

// Identity is the authenticated principal bound to a request.
type Identity struct {
	UserID       uuid.UUID
	CredentialID uuid.UUID
	Email        string
}

// Store is the slice of the persistent store the gate reads.
type Store interface {
	GetCredentialsByPrefix(ctx context.Context, prefix string) ([]*db.Credential, error)
	TouchCredentialLastUsed(ctx context.Context, id uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
}

// Gate verifies API keys and JWTs.
type Gate struct {
	store  Store
	issuer *Issuer
}

// NewGate creates an auth gate backed by the persistent store.
func NewGate(store Store, issuer *Issuer) *Gate {
	return &Gate{store: store, issuer: issuer}
}

// VerifyAPIKey authenticates a raw API key. Every live credential sharing
// the 12-char prefix is hash-checked; prefix collisions are expected and
// resolved by the bcrypt compare. A match touches last_used_at.
func (g *Gate) VerifyAPIKey(ctx context.Context, key string) (*Identity, error) {
	if !keyPattern.MatchString(key) {
		return nil, ErrInvalidCredentials
	}

	creds, err := g.store.GetCredentialsByPrefix(ctx, key[:keyPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}

	for _, cred := range creds {
		if bcrypt.CompareHashAndPassword([]byte(cred.KeyHash), []byte(key)) != nil {
			continue
		}
		if err := g.store.TouchCredentialLastUsed(ctx, cred.ID); err != nil {
			return nil, fmt.Errorf("touch credential: %w", err)
		}
		identity := &Identity{UserID: cred.UserID, CredentialID: cred.ID}
		if user, err := g.store.GetUser(ctx, cred.UserID); err == nil {
			identity.Email = user.Email
		}
		return identity, nil
	}

	return nil, ErrInvalidCredentials
}

// VerifyUserToken authenticates a user bearer JWT and loads the user record.
func (g *Gate) VerifyUserToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := g.issuer.ParseUserToken(tokenStr)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	user, err := g.store.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Identity{UserID: user.ID, Email: user.Email}, nil
}

// VerifyClientAuth authenticates a WebSocket client using either an apiKey
// query parameter or an Authorization bearer header.
func (g *Gate) VerifyClientAuth(ctx context.Context, apiKey, authHeader string) (*Identity, error) {
	if apiKey != "" {
		return g.VerifyAPIKey(ctx, apiKey)
	}
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return g.VerifyUserToken(ctx, token)
	}
	return nil, ErrInvalidCredentials
}

// VerifyAgentToken authenticates an agent JWT for a specific sandbox.
func (g *Gate) VerifyAgentToken(tokenStr, sandboxID string) (*AgentClaims, error) {
	return g.issuer.ParseAgentToken(tokenStr, sandboxID)
}
