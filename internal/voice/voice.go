// Package voice is the external-SFU collaborator contract: Haven never
// relays media itself, it issues short-lived room-scoped JWTs against a
// configured SFU and tracks room presence through the ephemeral store.
package voice

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markjsapp/Haven-sub000/internal/herr"
)

const tokenTTL = 6 * time.Hour

// Service signs room-join grants with the SFU's API key/secret. A Service
// with an empty URL means no SFU is configured and voice channels reject
// joins.
type Service struct {
	URL       string
	apiKey    string
	apiSecret []byte
}

func NewService(url, apiKey, apiSecret string) *Service {
	return &Service{URL: url, apiKey: apiKey, apiSecret: []byte(apiSecret)}
}

func (s *Service) Configured() bool {
	return s.URL != "" && s.apiKey != "" && len(s.apiSecret) > 0
}

// VideoGrant is the room-scoped capability set embedded in the join token.
type VideoGrant struct {
	RoomJoin     bool   `json:"room_join"`
	Room         string `json:"room"`
	CanPublish   bool   `json:"can_publish"`
	CanSubscribe bool   `json:"can_subscribe"`
}

type joinClaims struct {
	Video VideoGrant `json:"video"`
	jwt.RegisteredClaims
}

// IssueJoinToken mints a 6-hour token letting identity join room with full
// publish/subscribe capability.
func (s *Service) IssueJoinToken(room, identity string) (string, error) {
	if !s.Configured() {
		return "", herr.New(herr.Validation, "no voice SFU configured")
	}

	now := time.Now()
	claims := &joinClaims{
		Video: VideoGrant{RoomJoin: true, Room: room, CanPublish: true, CanSubscribe: true},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.apiSecret)
	if err != nil {
		return "", fmt.Errorf("sign voice join token: %w", err)
	}
	return signed, nil
}
