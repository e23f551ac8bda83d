// Package store is the PostgreSQL implementation of the ledger, outbox,
// observer cursor, API key and vault audit repositories.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/models"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

var _ ledger.Repository = (*Store)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const orderColumns = `order_id, merchant_id, amount::text, amount_base::text, currency, chain,
	deposit_address, encrypted_private_key, status, confirmations,
	received_base::text, surplus_base::text, detected_at, paid_at, tx_hash,
	failure_reason, expires_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var received, surplus, txHash, reason sql.NullString
	var detectedAt, paidAt sql.NullTime

	err := row.Scan(
		&order.OrderID,
		&order.MerchantID,
		&order.Amount,
		&order.AmountBase,
		&order.Currency,
		&order.Chain,
		&order.DepositAddress,
		&order.EncryptedPrivateKey,
		&order.Status,
		&order.Confirmations,
		&received,
		&surplus,
		&detectedAt,
		&paidAt,
		&txHash,
		&reason,
		&order.ExpiresAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order not found")
	}
	if err != nil {
		return nil, err
	}

	order.ReceivedBase = "0"
	if received.Valid {
		order.ReceivedBase = received.String
	}
	order.SurplusBase = "0"
	if surplus.Valid {
		order.SurplusBase = surplus.String
	}
	if detectedAt.Valid {
		order.DetectedAt = &detectedAt.Time
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if txHash.Valid {
		order.TxHash = &txHash.String
	}
	if reason.Valid {
		order.FailureReason = &reason.String
	}
	return &order, nil
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *Store) InsertOrder(ctx context.Context, order *models.Order, created *models.Transition) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			order_id, merchant_id, amount, amount_base, currency, chain,
			deposit_address, encrypted_private_key, status, confirmations,
			received_base, surplus_base, expires_at, created_at, updated_at
		) VALUES ($1,$2,$3::text::numeric,$4::text::numeric,$5,$6,$7,$8,$9,$10,$11::text::numeric,$12::text::numeric,$13,$14,$15)
	`,
		order.OrderID,
		order.MerchantID,
		order.Amount,
		order.AmountBase,
		order.Currency,
		order.Chain,
		order.DepositAddress,
		order.EncryptedPrivateKey,
		order.Status,
		order.Confirmations,
		order.ReceivedBase,
		order.SurplusBase,
		order.ExpiresAt,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("deposit address already issued")
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if created != nil {
		if err := insertTransition(ctx, tx, created); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return scanOrder(s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID))
}

func (s *Store) GetOrderByAddress(ctx context.Context, address string) (*models.Order, error) {
	return scanOrder(s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE lower(deposit_address)=lower($1)`, address))
}

func (s *Store) ListOrders(ctx context.Context, merchantID string, status *models.OrderStatus) ([]*models.Order, error) {
	if status != nil {
		return s.queryOrders(ctx, `
			SELECT `+orderColumns+` FROM orders
			WHERE merchant_id=$1 AND status=$2
			ORDER BY created_at DESC, order_id DESC
		`, merchantID, *status)
	}
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE merchant_id=$1
		ORDER BY created_at DESC, order_id DESC
	`, merchantID)
}

func (s *Store) ListPendingByChain(ctx context.Context, chain string) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE chain=$1 AND status='pending'
		ORDER BY order_id
	`, chain)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, after *ledger.ExpiryCursor, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	if after == nil {
		return s.queryOrders(ctx, `
			SELECT `+orderColumns+` FROM orders
			WHERE status='pending' AND expires_at <= $1
			ORDER BY expires_at, order_id
			LIMIT $2
		`, now, limit)
	}
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status='pending' AND expires_at <= $1
			AND (expires_at, order_id) > ($2, $3)
		ORDER BY expires_at, order_id
		LIMIT $4
	`, now, after.ExpiresAt, after.OrderID, limit)
}

func (s *Store) RecordObservation(ctx context.Context, orderID string, confirmations int, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET confirmations=GREATEST(confirmations, $2),
			detected_at=COALESCE(detected_at, $3),
			updated_at=$3
		WHERE order_id=$1 AND status='pending'
	`, orderID, confirmations, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.ensureOrder(ctx, orderID)
	}
	return nil
}

func (s *Store) ensureOrder(ctx context.Context, orderID string) error {
	var exists bool
	if err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id=$1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound("order not found")
	}
	return nil
}

// ApplyTransition updates the order only while it is still pending. The
// order row is locked first, so a guarded request compares against every
// deposit committed before it; UpsertDeposit takes a share lock on the same
// row. The audit row and the outbox row commit in the same transaction.
func (s *Store) ApplyTransition(ctx context.Context, req *models.TransitionRequest) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status models.OrderStatus
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE order_id=$1 FOR UPDATE`, req.OrderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("order not found")
	}
	if err != nil {
		return fmt.Errorf("lock order: %w", err)
	}
	if status != models.OrderPending {
		return ledger.ErrNotPending
	}
	if req.Deposits != nil {
		var st models.DepositState
		if err := tx.QueryRow(ctx, `
			SELECT count(*), count(*) FILTER (WHERE final)
			FROM order_deposits WHERE order_id=$1
		`, req.OrderID).Scan(&st.Count, &st.Final); err != nil {
			return fmt.Errorf("count deposits: %w", err)
		}
		if st != *req.Deposits {
			return ledger.ErrDepositsChanged
		}
	}

	var n models.Notification
	err = tx.QueryRow(ctx, `
		UPDATE orders
		SET status=$2,
			updated_at=$3,
			tx_hash=COALESCE($4, tx_hash),
			paid_at=COALESCE($5, paid_at),
			confirmations=GREATEST(confirmations, $6),
			received_base=COALESCE($7::text::numeric, received_base),
			surplus_base=COALESCE($8::text::numeric, surplus_base),
			failure_reason=COALESCE($9, failure_reason)
		WHERE order_id=$1 AND status='pending'
		RETURNING merchant_id, currency, tx_hash,
			COALESCE(received_base::text, ''), COALESCE(surplus_base::text, '')
	`,
		req.OrderID,
		req.To,
		req.At,
		req.TxHash,
		req.PaidAt,
		req.Confirmations,
		nullable(req.ReceivedBase),
		nullable(req.SurplusBase),
		req.FailureReason,
	).Scan(&n.MerchantID, &n.Currency, &n.TxHash, &n.ReceivedBase, &n.SurplusBase)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotPending
	}
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	err = insertTransition(ctx, tx, &models.Transition{
		OrderID:    req.OrderID,
		FromStatus: models.OrderPending,
		ToStatus:   req.To,
		Cause:      req.Cause,
		TxHash:     req.TxHash,
		OccurredAt: req.At,
	})
	if isUniqueViolation(err) {
		return ledger.ErrNotPending
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO notification_outbox (
			merchant_id, order_id, status, currency, tx_hash, received_base, surplus_base, created_at
		) VALUES ($1,$2,$3,$4,$5,$6::text::numeric,$7::text::numeric,$8)
	`, n.MerchantID, req.OrderID, req.To, n.Currency, n.TxHash, nullable(n.ReceivedBase), nullable(n.SurplusBase), req.At); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return tx.Commit(ctx)
}

func insertTransition(ctx context.Context, tx pgx.Tx, t *models.Transition) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_transitions (order_id, from_status, to_status, cause, tx_hash, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, t.OrderID, t.FromStatus, t.ToStatus, t.Cause, t.TxHash, t.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *Store) ListTransitions(ctx context.Context, orderID string) ([]models.Transition, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, order_id, from_status, to_status, cause, tx_hash, occurred_at
		FROM order_transitions
		WHERE order_id=$1
		ORDER BY occurred_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var t models.Transition
		var txHash sql.NullString
		if err := rows.Scan(&t.ID, &t.OrderID, &t.FromStatus, &t.ToStatus, &t.Cause, &txHash, &t.OccurredAt); err != nil {
			return nil, err
		}
		if txHash.Valid {
			t.TxHash = &txHash.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
