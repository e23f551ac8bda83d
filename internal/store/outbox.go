package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/models"

	"github.com/jackc/pgx/v5"
)

// Notification outbox

func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, merchant_id, order_id, status, currency, tx_hash,
			COALESCE(received_base::text, ''), COALESCE(surplus_base::text, ''),
			created_at, attempts, last_error
		FROM notification_outbox
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var lastError sql.NullString
		if err := rows.Scan(
			&n.ID,
			&n.MerchantID,
			&n.OrderID,
			&n.Status,
			&n.Currency,
			&n.TxHash,
			&n.ReceivedBase,
			&n.SurplusBase,
			&n.CreatedAt,
			&n.Attempts,
			&lastError,
		); err != nil {
			return nil, err
		}
		if lastError.Valid {
			n.LastError = &lastError.String
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationSent(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE notification_outbox
		SET sent_at=$2, attempts=attempts+1, last_error=NULL
		WHERE id=$1
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("notification not found")
	}
	return nil
}

func (s *Store) MarkNotificationFailed(ctx context.Context, id int64, reason string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE notification_outbox
		SET attempts=attempts+1, last_error=$2
		WHERE id=$1
	`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("notification not found")
	}
	return nil
}

// Observer cursor and dedupe

func (s *Store) GetCursor(ctx context.Context, chain string) (int64, bool, error) {
	var height int64
	err := s.Pool.QueryRow(ctx, `SELECT height FROM chain_cursors WHERE chain=$1`, chain).Scan(&height)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return height, true, nil
}

func (s *Store) SetCursor(ctx context.Context, chain string, height int64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO chain_cursors (chain, height, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chain) DO UPDATE
		SET height=GREATEST(chain_cursors.height, EXCLUDED.height), updated_at=now()
	`, chain, height)
	return err
}

func (s *Store) IsFinalReported(ctx context.Context, chain, address, txHash string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM reported_transfers WHERE chain=$1 AND address=$2 AND tx_hash=$3)
	`, chain, strings.ToLower(address), txHash).Scan(&exists)
	return exists, err
}

func (s *Store) MarkFinalReported(ctx context.Context, chain, address, txHash string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO reported_transfers (chain, address, tx_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, chain, strings.ToLower(address), txHash)
	return err
}
