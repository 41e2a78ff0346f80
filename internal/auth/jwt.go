package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
)

// Claims is the access-token payload: just enough to authorize a request
// without a DB round trip (sub, iat, exp, jti).
type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates access tokens with a single HMAC secret.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

func NewTokenIssuer(secret []byte, expiry time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, expiry: expiry}
}

// IssueAccessToken signs a short-lived token carrying only the user ID.
func (t *TokenIssuer) IssueAccessToken(userID uuid.UUID) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken rejects anything not signed with HMAC (blocking the
// classic "alg":"none" and asymmetric-substitution attacks) and surfaces
// expiry as a distinct herr.Kind from other validation failures so the REST
// and gateway boundaries can prompt a refresh instead of a re-login.
func (t *TokenIssuer) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, herr.New(herr.TokenExpired, "access token expired")
		}
		return nil, herr.Wrap(herr.InvalidToken, "invalid access token", err)
	}
	if !token.Valid {
		return nil, herr.New(herr.InvalidToken, "invalid access token")
	}
	return claims, nil
}

// ParsedUserID parses the subject claim, which was validated as a uuid.UUID at
// issuance time.
func (c *Claims) ParsedUserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.UserID)
	if err != nil {
		return uuid.Nil, herr.Wrap(herr.InvalidToken, "malformed subject claim", err)
	}
	return id, nil
}
