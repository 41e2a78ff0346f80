// Package auth is the auth and token service: Argon2id password storage,
// signed access tokens, refresh-token rotation with family-based theft
// detection, TOTP second factor, and the proof-of-work registration gate.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/cache"
	"github.com/markjsapp/Haven-sub000/internal/config"
	"github.com/markjsapp/Haven-sub000/internal/crypto"
	"github.com/markjsapp/Haven-sub000/internal/db"
	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
)

type Service struct {
	db         *db.DB
	issuer     *TokenIssuer
	pow        *cache.PoWChallenges
	refreshTTL time.Duration
	issuerName string
}

func NewService(store *db.DB, cfg *config.Config, pow *cache.PoWChallenges) *Service {
	return &Service{
		db:         store,
		issuer:     NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTExpiry()),
		pow:        pow,
		refreshTTL: cfg.RefreshTokenExpiry(),
		issuerName: "haven",
	}
}

// TokenPair is returned from every flow that starts or refreshes a session.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type RegisterRequest struct {
	Username        string
	Password        string
	IdentityKey     []byte
	SignedPreKey    []byte
	SignedPreKeySig []byte
	PoWChallenge    string
	PoWNonce        string
	DeviceName      string
	ClientIP        string
}

// Register verifies the proof-of-work challenge and key bundle shape, then
// creates the user and issues a fresh session. Username collisions surface
// as herr.UsernameTaken via the db layer.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, *TokenPair, error) {
	if err := VerifyChallenge(ctx, s.pow, req.PoWChallenge, req.PoWNonce); err != nil {
		return nil, nil, err
	}
	if err := crypto.ValidateBundleInputs(req.IdentityKey, req.SignedPreKey, req.SignedPreKeySig); err != nil {
		return nil, nil, herr.Wrap(herr.Validation, "invalid key bundle", err)
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, nil, herr.Wrap(herr.Internal, "hash password", err)
	}

	user := &models.User{
		ID:              uuid.New(),
		Username:        req.Username,
		PasswordHash:    hash,
		IdentityKey:     req.IdentityKey,
		SignedPreKey:    req.SignedPreKey,
		SignedPreKeySig: req.SignedPreKeySig,
		DMPrivacy:       "everyone",
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		return nil, nil, err
	}

	tokens, err := s.issueTokenPair(ctx, user.ID, req.DeviceName, MaskIP(req.ClientIP))
	if err != nil {
		return nil, nil, err
	}
	return user, tokens, nil
}

// Login authenticates by password and, when the account has TOTP active,
// the supplied code. Credential and TOTP failures both surface as
// herr.AuthFailure — neither distinguishes "wrong password" from "wrong
// code" to an attacker probing an account.
func (s *Service) Login(ctx context.Context, username, password, totpCode, userAgent, clientIP string) (*models.User, *TokenPair, error) {
	user, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, nil, herr.New(herr.AuthFailure, "invalid credentials")
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return nil, nil, herr.New(herr.AuthFailure, "invalid credentials")
	}
	if user.TOTPSecret != nil {
		if totpCode == "" || !VerifyTOTP(totpCode, *user.TOTPSecret) {
			return nil, nil, herr.New(herr.AuthFailure, "invalid or missing TOTP code")
		}
	}

	tokens, err := s.issueTokenPair(ctx, user.ID, ParseDeviceName(userAgent), MaskIP(clientIP))
	if err != nil {
		return nil, nil, err
	}
	return user, tokens, nil
}

// Refresh rotates a presented refresh token per the theft-detection state
// machine and issues a fresh access token alongside it.
func (s *Service) Refresh(ctx context.Context, presentedRaw, userAgent, clientIP string) (*TokenPair, error) {
	newRaw, userID, err := RotateRefreshToken(ctx, s.db, presentedRaw, ParseDeviceName(userAgent), MaskIP(clientIP), s.refreshTTL)
	if err != nil {
		return nil, err
	}
	access, err := s.issuer.IssueAccessToken(userID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "issue access token", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: newRaw}, nil
}

// Logout revokes every refresh token belonging to the user. The REST logout
// handler then clears the user's presence and voice-room state; no offline
// presence event is broadcast on logout, and open gateway connections stay
// open.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID) error {
	return s.db.RevokeAllUserTokens(ctx, userID)
}

// ChangePassword updates the hash and revokes every
// refresh token so other sessions must re-authenticate.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, newPassword string) error {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return herr.Wrap(herr.Internal, "hash password", err)
	}
	if err := s.db.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	return s.db.RevokeAllUserTokens(ctx, userID)
}

func (s *Service) ValidateAccessToken(token string) (uuid.UUID, error) {
	claims, err := s.issuer.ValidateAccessToken(token)
	if err != nil {
		return uuid.Nil, err
	}
	return claims.ParsedUserID()
}

func (s *Service) IssueChallenge(ctx context.Context) (challenge string, difficultyBits int, err error) {
	return IssueChallenge(ctx, s.pow)
}

func (s *Service) SetupTOTP(ctx context.Context, userID uuid.UUID, accountName string) (secret, otpauthURL string, err error) {
	return SetupTOTP(ctx, s.db, userID, accountName, s.issuerName)
}

func (s *Service) VerifyAndPromoteTOTP(ctx context.Context, userID uuid.UUID, code string) error {
	user, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.PendingTOTPSecret == nil {
		return herr.New(herr.Validation, "no pending TOTP setup")
	}
	return VerifyAndPromoteTOTP(ctx, s.db, userID, *user.PendingTOTPSecret, code)
}

func (s *Service) issueTokenPair(ctx context.Context, userID uuid.UUID, deviceName, maskedIP string) (*TokenPair, error) {
	access, err := s.issuer.IssueAccessToken(userID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "issue access token", err)
	}
	refresh, err := IssueRefreshToken(ctx, s.db, userID, deviceName, maskedIP, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
