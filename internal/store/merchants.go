package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/models"

	"github.com/jackc/pgx/v5"
)

func (s *Store) InsertMerchant(ctx context.Context, m *models.Merchant) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO merchants (merchant_id, name, email, is_active, webhook_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.MerchantID, m.Name, m.Email, m.IsActive, m.WebhookURL, m.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("merchant already exists")
	}
	return err
}

func (s *Store) GetMerchant(ctx context.Context, merchantID string) (*models.Merchant, error) {
	var m models.Merchant
	var webhook sql.NullString
	err := s.Pool.QueryRow(ctx, `
		SELECT merchant_id, name, email, is_active, webhook_url, created_at
		FROM merchants WHERE merchant_id=$1
	`, merchantID).Scan(&m.MerchantID, &m.Name, &m.Email, &m.IsActive, &webhook, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("merchant not found")
	}
	if err != nil {
		return nil, err
	}
	if webhook.Valid {
		m.WebhookURL = &webhook.String
	}
	return &m, nil
}

func (s *Store) InsertAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO api_keys (key_id, merchant_id, name, key_hash, secret_hash, key_prefix, is_active, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, key.KeyID, key.MerchantID, key.Name, key.KeyHash, key.SecretHash, key.KeyPrefix, key.IsActive, key.ExpiresAt, key.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("api key already exists")
	}
	if isForeignKeyViolation(err) {
		return apperr.NotFound("merchant not found")
	}
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var k models.APIKey
	var name sql.NullString
	var expiresAt, lastUsedAt, revokedAt sql.NullTime
	err := s.Pool.QueryRow(ctx, `
		SELECT key_id, merchant_id, name, key_hash, secret_hash, key_prefix, is_active,
			expires_at, last_used_at, revoked_at, created_at
		FROM api_keys WHERE key_hash=$1
	`, hash).Scan(
		&k.KeyID,
		&k.MerchantID,
		&name,
		&k.KeyHash,
		&k.SecretHash,
		&k.KeyPrefix,
		&k.IsActive,
		&expiresAt,
		&lastUsedAt,
		&revokedAt,
		&k.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("api key not found")
	}
	if err != nil {
		return nil, err
	}
	if name.Valid {
		k.Name = &name.String
	}
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Time
	}
	return &k, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE api_keys SET last_used_at=$2 WHERE key_id=$1`, keyID, at)
	return err
}

func (s *Store) RevokeAPIKey(ctx context.Context, keyID string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE api_keys SET revoked_at=$2, is_active=FALSE WHERE key_id=$1`, keyID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("api key not found")
	}
	return nil
}

// Vault audit

func (s *Store) RecordKeyAccess(ctx context.Context, access *models.KeyAccess) error {
	if access.AccessedAt.IsZero() {
		access.AccessedAt = time.Now().UTC()
	}
	return s.Pool.QueryRow(ctx, `
		INSERT INTO key_access_log (order_id, actor, purpose, accessed_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, access.OrderID, access.Actor, access.Purpose, access.AccessedAt).Scan(&access.ID)
}

func (s *Store) ListKeyAccess(ctx context.Context, orderID string) ([]models.KeyAccess, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, order_id, actor, purpose, accessed_at
		FROM key_access_log WHERE order_id=$1 ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.KeyAccess
	for rows.Next() {
		var a models.KeyAccess
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Actor, &a.Purpose, &a.AccessedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
