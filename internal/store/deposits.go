package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/models"

	"github.com/jackc/pgx/v5"
)

// UpsertDeposit never lowers confirmations or clears finality. Rewriting
// the amount of a final deposit is refused with ErrDepositConflict. It holds
// a share lock on the order row so it serializes with ApplyTransition.
func (s *Store) UpsertDeposit(ctx context.Context, d *models.Deposit) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM orders WHERE order_id=$1 FOR SHARE`, d.OrderID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("order not found")
	}
	if err != nil {
		return fmt.Errorf("lock order: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO order_deposits (
			order_id, tx_hash, amount_base, block_height, block_time,
			confirmations, final, first_seen_at, updated_at
		) VALUES ($1,$2,$3::text::numeric,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (order_id, tx_hash) DO UPDATE SET
			amount_base=EXCLUDED.amount_base,
			block_height=EXCLUDED.block_height,
			block_time=COALESCE(EXCLUDED.block_time, order_deposits.block_time),
			confirmations=GREATEST(order_deposits.confirmations, EXCLUDED.confirmations),
			final=order_deposits.final OR EXCLUDED.final,
			updated_at=EXCLUDED.updated_at
		WHERE NOT order_deposits.final OR order_deposits.amount_base = EXCLUDED.amount_base
	`,
		d.OrderID,
		d.TxHash,
		d.AmountBase,
		d.BlockHeight,
		d.BlockTime,
		d.Confirmations,
		d.Final,
		d.FirstSeenAt,
		d.UpdatedAt,
	)
	if isForeignKeyViolation(err) {
		return apperr.NotFound("order not found")
	}
	if err != nil {
		return fmt.Errorf("upsert deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deposit %s: %w", d.TxHash, ledger.ErrDepositConflict)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListDeposits(ctx context.Context, orderID string) ([]models.Deposit, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT order_id, tx_hash, amount_base::text, block_height, block_time,
			confirmations, final, first_seen_at, updated_at
		FROM order_deposits
		WHERE order_id=$1
		ORDER BY block_height, tx_hash
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Deposit
	for rows.Next() {
		var d models.Deposit
		var blockTime sql.NullTime
		if err := rows.Scan(
			&d.OrderID,
			&d.TxHash,
			&d.AmountBase,
			&d.BlockHeight,
			&blockTime,
			&d.Confirmations,
			&d.Final,
			&d.FirstSeenAt,
			&d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if blockTime.Valid {
			d.BlockTime = &blockTime.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
