// Package auth issues and validates merchant API keys. A key is stored as a
// SHA-256 fingerprint for lookup plus a bcrypt hash for verification; the
// secret itself is shown once at creation.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/models"

	"github.com/google/uuid"
	"github.com/jaevor/go-nanoid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	KeyPrefix    = "sk_"
	secretLength = 40
	// displayed prefix length, e.g. "sk_AbCdEfGh"
	visiblePrefix = len(KeyPrefix) + 8
)

type Store interface {
	GetMerchant(ctx context.Context, merchantID string) (*models.Merchant, error)
	InsertAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, keyID string, at time.Time) error
}

type Service struct {
	store  Store
	logger *zap.Logger
	gen    func() string
	Now    func() time.Time
	// Cost is the bcrypt work factor for new keys.
	Cost int
}

func NewService(store Store, logger *zap.Logger) (*Service, error) {
	gen, err := nanoid.Standard(secretLength)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, gen: gen, Now: func() time.Time { return time.Now().UTC() }, Cost: bcrypt.DefaultCost}, nil
}

func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GenerateKey creates a key for merchantID and returns it with its secret.
func (s *Service) GenerateKey(ctx context.Context, merchantID string, name *string, expiresIn time.Duration) (*models.APIKey, string, error) {
	m, err := s.store.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, "", err
	}
	if !m.IsActive {
		return nil, "", apperr.Validation("merchant is not active")
	}
	secret := KeyPrefix + s.gen()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.Cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}
	now := s.Now()
	key := &models.APIKey{
		KeyID:      uuid.NewString(),
		MerchantID: merchantID,
		Name:       name,
		KeyHash:    HashKey(secret),
		SecretHash: hash,
		KeyPrefix:  secret[:visiblePrefix],
		IsActive:   true,
		CreatedAt:  now,
	}
	if expiresIn > 0 {
		exp := now.Add(expiresIn)
		key.ExpiresAt = &exp
	}
	if err := s.store.InsertAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store api key: %w", err)
	}
	s.logger.Info("api key created",
		zap.String("merchant_id", merchantID),
		zap.String("key_id", key.KeyID),
		zap.String("key_prefix", key.KeyPrefix),
	)
	return key, secret, nil
}

// Authenticate resolves a presented secret to its merchant. Every failure
// is the same authorization error so callers cannot tell which check
// failed.
func (s *Service) Authenticate(ctx context.Context, secret string) (*models.Merchant, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" || !strings.HasPrefix(secret, KeyPrefix) {
		return nil, apperr.Authorization("invalid api key")
	}
	key, err := s.store.GetAPIKeyByHash(ctx, HashKey(secret))
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil, apperr.Authorization("invalid api key")
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword(key.SecretHash, []byte(secret)) != nil {
		return nil, apperr.Authorization("invalid api key")
	}
	now := s.Now()
	switch {
	case !key.IsActive, key.RevokedAt != nil:
		s.logger.Info("revoked api key presented", zap.String("key_id", key.KeyID))
		return nil, apperr.Authorization("invalid api key")
	case key.ExpiresAt != nil && !now.Before(*key.ExpiresAt):
		s.logger.Info("expired api key presented", zap.String("key_id", key.KeyID))
		return nil, apperr.Authorization("invalid api key")
	}
	m, err := s.store.GetMerchant(ctx, key.MerchantID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil, apperr.Authorization("invalid api key")
	}
	if err != nil {
		return nil, err
	}
	if !m.IsActive {
		return nil, apperr.Authorization("invalid api key")
	}
	if err := s.store.TouchAPIKey(ctx, key.KeyID, now); err != nil {
		s.logger.Warn("update api key last used failed", zap.String("key_id", key.KeyID), zap.Error(err))
	}
	return m, nil
}
