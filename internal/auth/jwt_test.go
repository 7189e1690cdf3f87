package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/insien/insien/pkg/types"
)

func TestUserTokenRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret")
	userID := uuid.New()

	token, err := issuer.IssueUserToken(userID, "dev@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}

	claims, err := issuer.ParseUserToken(token)
	if err != nil {
		t.Fatalf("ParseUserToken: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("expected user %s, got %s", userID, claims.UserID)
	}
	if claims.Email != "dev@example.com" {
		t.Errorf("expected email preserved, got %q", claims.Email)
	}
}

func TestUserTokenWrongSecret(t *testing.T) {
	token, err := NewIssuer("secret-a").IssueUserToken(uuid.New(), "dev@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}

	if _, err := NewIssuer("secret-b").ParseUserToken(token); err == nil {
		t.Fatal("expected signature verification to fail")
	}
}

func TestUserTokenExpired(t *testing.T) {
	issuer := NewIssuer("test-secret")
	token, err := issuer.IssueUserToken(uuid.New(), "dev@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}

	if _, err := issuer.ParseUserToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestAgentTokenRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret")
	sandboxID := uuid.New().String()
	userID := uuid.New().String()

	token, err := issuer.IssueAgentToken(sandboxID, userID, types.TierPro, time.Hour)
	if err != nil {
		t.Fatalf("IssueAgentToken: %v", err)
	}

	claims, err := issuer.ParseAgentToken(token, sandboxID)
	if err != nil {
		t.Fatalf("ParseAgentToken: %v", err)
	}
	if claims.SandboxID != sandboxID {
		t.Errorf("expected sandbox %s, got %s", sandboxID, claims.SandboxID)
	}
	if claims.Type != "agent" {
		t.Errorf("expected type agent, got %q", claims.Type)
	}
	if claims.UserID != userID {
		t.Errorf("expected user %s, got %s", userID, claims.UserID)
	}
	if claims.Tier != string(types.TierPro) {
		t.Errorf("expected tier pro, got %q", claims.Tier)
	}
}

func TestAgentTokenSandboxMismatch(t *testing.T) {
	issuer := NewIssuer("test-secret")
	token, err := issuer.IssueAgentToken(uuid.New().String(), uuid.New().String(), types.TierFree, time.Hour)
	if err != nil {
		t.Fatalf("IssueAgentToken: %v", err)
	}

	_, err = issuer.ParseAgentToken(token, uuid.New().String())
	if err == nil || !strings.Contains(err.Error(), "not valid for this sandbox") {
		t.Fatalf("expected sandbox mismatch rejection, got %v", err)
	}
}

func TestAgentTokenRejectsUserToken(t *testing.T) {
	issuer := NewIssuer("test-secret")
	userToken, err := issuer.IssueUserToken(uuid.New(), "dev@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}

	if _, err := issuer.ParseAgentToken(userToken, "any"); err == nil {
		t.Fatal("expected user token to be rejected as agent token")
	}
}

func TestUserTokenRejectsAgentToken(t *testing.T) {
	issuer := NewIssuer("test-secret")
	agentToken, err := issuer.IssueAgentToken(uuid.New().String(), "", types.TierFree, time.Hour)
	if err != nil {
		t.Fatalf("IssueAgentToken: %v", err)
	}

	if _, err := issuer.ParseUserToken(agentToken); err == nil {
		t.Fatal("expected agent token to be rejected as user token")
	}
}
