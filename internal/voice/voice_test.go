package voice

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueJoinTokenCarriesRoomGrant(t *testing.T) {
	s := NewService("wss://sfu.example", "api-key", "api-secret")
	signed, err := s.IssueJoinToken("room-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims := &joinClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (interface{}, error) {
		return []byte("api-secret"), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("parse: %v", err)
	}

	if claims.Issuer != "api-key" {
		t.Fatalf("issuer should be the api key, got %q", claims.Issuer)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject should be the identity, got %q", claims.Subject)
	}
	if !claims.Video.RoomJoin || claims.Video.Room != "room-1" {
		t.Fatalf("grant should allow joining room-1, got %+v", claims.Video)
	}
	if !claims.Video.CanPublish || !claims.Video.CanSubscribe {
		t.Fatal("grant should allow publish and subscribe")
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 5*time.Hour+59*time.Minute || ttl > 6*time.Hour {
		t.Fatalf("expected a 6 hour ttl, got %v", ttl)
	}
}

func TestIssueJoinTokenRequiresConfiguration(t *testing.T) {
	s := NewService("", "", "")
	if _, err := s.IssueJoinToken("room", "user"); err == nil {
		t.Fatal("expected an error when no SFU is configured")
	}
}
