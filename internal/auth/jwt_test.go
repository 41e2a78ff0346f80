package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
)

func TestIssueAndValidateAccessToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret-key-at-least-32-bytes"), time.Hour)
	userID := uuid.New()

	token, err := issuer.IssueAccessToken(userID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := issuer.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	got, err := claims.ParsedUserID()
	if err != nil {
		t.Fatalf("parse user id: %v", err)
	}
	if got != userID {
		t.Fatalf("expected user %s, got %s", userID, got)
	}
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret-key-at-least-32-bytes"), -time.Hour)
	token, err := issuer.IssueAccessToken(uuid.New())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	_, err = issuer.ValidateAccessToken(token)
	herrErr := herr.As(err)
	if herrErr.Kind != herr.TokenExpired {
		t.Fatalf("expected TokenExpired, got %v", herrErr.Kind)
	}
}

func TestValidateAccessTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret-key-at-least-32-bytes"), time.Hour)
	token, err := issuer.IssueAccessToken(uuid.New())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewTokenIssuer([]byte("a-completely-different-secret-32b"), time.Hour)
	if _, err := other.ValidateAccessToken(token); err == nil {
		t.Fatal("expected validation against the wrong secret to fail")
	}
}

func TestValidateAccessTokenRejectsAlgNone(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret-key-at-least-32-bytes"), time.Hour)
	claims := &Claims{
		UserID: uuid.New().String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none-alg token: %v", err)
	}

	if _, err := issuer.ValidateAccessToken(unsigned); err == nil {
		t.Fatal("expected alg=none token to be rejected")
	}
}
