package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/internal/metrics"
	"github.com/layer-3/didconnect/ports"
)

// AuthConfig holds identity node token lifetimes and the chain DIDs are issued for.
type AuthConfig struct {
	ChainID      int64
	ChallengeTTL time.Duration
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// DefaultAuthConfig mirrors the defaults in internal/config.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		ChainID:      1,
		ChallengeTTL: 5 * time.Minute,
		AccessTTL:    5 * time.Minute,
		RefreshTTL:   5 * 24 * time.Hour,
	}
}

// AuthService is the identity node: it turns wallet signatures into viewer sessions
type AuthService struct {
	tokenizer ports.Tokenizer
	store     ports.Store
	profiles  ports.ProfileStore
	eventPub  ports.EventPublisher
	logger    *zap.Logger
	metrics   *metrics.Metrics

	namespace    string
	challengeTTL time.Duration
	accessTTL    time.Duration
	refreshTTL   time.Duration
	now          func() time.Time
}

// NewAuthService creates a new authentication service
func NewAuthService(
	tokenizer ports.Tokenizer,
	store ports.Store,
	profiles ports.ProfileStore,
	eventPub ports.EventPublisher,
	cfg AuthConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *AuthService {
	return &AuthService{
		tokenizer:    tokenizer,
		store:        store,
		profiles:     profiles,
		eventPub:     eventPub,
		logger:       logger.Named("auth"),
		metrics:      m,
		namespace:    core.ChainNamespace(cfg.ChainID),
		challengeTTL: cfg.ChallengeTTL,
		accessTTL:    cfg.AccessTTL,
		refreshTTL:   cfg.RefreshTTL,
		now:          time.Now,
	}
}

// AccessTTL is how long issued access tokens live.
func (s *AuthService) AccessTTL() time.Duration {
	return s.accessTTL
}

// CreateChallenge generates a new authentication challenge and the message the wallet must sign
func (s *AuthService) CreateChallenge(address string) (string, string, error) {
	addr, err := core.ParseAddress(address)
	if err != nil {
		return "", "", err
	}

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := s.now()
	challenge := &core.Challenge{
		ID:        uuid.New().String(),
		Address:   addr,
		Nonce:     hex.EncodeToString(nonceBytes),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.challengeTTL),
	}

	token, err := s.tokenizer.ChallengeToToken(challenge)
	if err != nil {
		return "", "", fmt.Errorf("failed to create token: %w", err)
	}

	s.metrics.ChallengesIssued.Inc()
	return token, challenge.Message(), nil
}

// Login authenticates a user using their signed challenge.
// Each challenge can be redeemed once.
func (s *AuthService) Login(ctx context.Context, challengeToken, signature, address string) (core.LoginResult, error) {
	result, err := s.login(ctx, challengeToken, signature, address)
	if err != nil {
		s.metrics.Logins.WithLabelValues("failure").Inc()
		s.logger.Info("login rejected", zap.String("address", address), zap.Error(err))
		return core.LoginResult{}, err
	}
	s.metrics.Logins.WithLabelValues("success").Inc()
	return result, nil
}

func (s *AuthService) login(ctx context.Context, challengeToken, signature, address string) (core.LoginResult, error) {
	addr, err := core.ParseAddress(address)
	if err != nil {
		return core.LoginResult{}, err
	}

	challenge, err := s.tokenizer.TokenToChallenge(challengeToken)
	if err != nil {
		return core.LoginResult{}, fmt.Errorf("%w: %w", core.ErrInvalidChallenge, err)
	}

	used, err := s.store.IsTokenInvalidated(ctx, challenge.ID)
	if err != nil {
		return core.LoginResult{}, fmt.Errorf("failed to check challenge: %w", err)
	}
	if used {
		return core.LoginResult{}, fmt.Errorf("challenge already used: %w", core.ErrInvalidChallenge)
	}

	if err := s.tokenizer.VerifySignature(challenge, signature, addr); err != nil {
		return core.LoginResult{}, fmt.Errorf("signature verification failed: %w", err)
	}

	if err := s.store.InvalidateToken(ctx, challenge.ID, time.Until(challenge.ExpiresAt)); err != nil {
		return core.LoginResult{}, fmt.Errorf("failed to consume challenge: %w", err)
	}

	return s.issue(addr, core.DerivePKH(s.namespace, addr))
}

// Refresh rotates the refresh token and issues new access and refresh tokens
func (s *AuthService) Refresh(ctx context.Context, refreshTokenStr string) (core.LoginResult, error) {
	session, err := s.tokenizer.RefreshTokenToSession(refreshTokenStr)
	if err != nil {
		return core.LoginResult{}, fmt.Errorf("invalid refresh token: %w", err)
	}

	invalidated, err := s.store.IsTokenInvalidated(ctx, session.RefreshID)
	if err != nil {
		return core.LoginResult{}, fmt.Errorf("failed to check token invalidation: %w", err)
	}
	if invalidated {
		s.logger.Warn("refresh token reuse", zap.String("address", session.Address.String()))
		return core.LoginResult{}, core.ErrTokenInvalidated
	}

	// the old token stays revoked for the rest of its lifetime
	if err := s.store.InvalidateToken(ctx, session.RefreshID, time.Until(session.RefreshExpiry)); err != nil {
		return core.LoginResult{}, fmt.Errorf("failed to invalidate old token: %w", err)
	}

	return s.issue(session.Address, session.DID)
}

// Logout invalidates a refresh token
func (s *AuthService) Logout(ctx context.Context, refreshTokenStr string) error {
	session, err := s.tokenizer.RefreshTokenToSession(refreshTokenStr)
	if err != nil {
		return fmt.Errorf("invalid refresh token: %w", err)
	}

	if err := s.store.InvalidateToken(ctx, session.RefreshID, time.Until(session.RefreshExpiry)); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}

	if err := s.eventPub.PublishLogout(ctx, session.Address, session.RefreshID); err != nil {
		s.logger.Warn("failed to publish logout event", zap.Error(err))
	}
	return nil
}

// ValidateAccessToken checks expiry and whether the owning refresh token was revoked
func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (*core.Session, error) {
	session, err := s.tokenizer.AccessTokenToSession(accessToken)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	if s.now().After(session.AccessExpiry) {
		return nil, core.ErrTokenExpired
	}

	if session.RefreshID != "" {
		invalidated, err := s.store.IsTokenInvalidated(ctx, session.RefreshID)
		if err != nil {
			return nil, fmt.Errorf("failed to check token invalidation: %w", err)
		}
		if invalidated {
			return nil, core.ErrTokenInvalidated
		}
	}

	return session, nil
}

// MergeProfile validates the update and overlays it on the stored profile
func (s *AuthService) MergeProfile(ctx context.Context, addr core.Address, profile core.Profile) (core.Profile, error) {
	stored, err := s.profiles.Get(ctx, addr)
	if err != nil {
		return core.Profile{}, err
	}
	if err := stored.Merge(profile).Validate(s.now()); err != nil {
		return core.Profile{}, err
	}

	merged, err := s.profiles.Merge(ctx, addr, profile)
	if err != nil {
		return core.Profile{}, err
	}
	s.metrics.ProfileMerges.Inc()
	return merged, nil
}

func (s *AuthService) GetProfile(ctx context.Context, addr core.Address) (core.Profile, error) {
	return s.profiles.Get(ctx, addr)
}

func (s *AuthService) issue(addr core.Address, did core.DID) (core.LoginResult, error) {
	now := s.now()
	session := &core.Session{
		ID:            uuid.New().String(),
		Address:       addr,
		DID:           did,
		IssuedAt:      now,
		RefreshExpiry: now.Add(s.refreshTTL),
		AccessExpiry:  now.Add(s.accessTTL),
		RefreshID:     uuid.New().String(),
	}

	accessToken, err := s.tokenizer.SessionToAccessToken(session)
	if err != nil {
		return core.LoginResult{}, fmt.Errorf("failed to create access token: %w", err)
	}
	refreshToken, err := s.tokenizer.SessionToRefreshToken(session)
	if err != nil {
		return core.LoginResult{}, fmt.Errorf("failed to create refresh token: %w", err)
	}

	return core.LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		DID:          did,
		ExpiresIn:    s.accessTTL,
	}, nil
}
