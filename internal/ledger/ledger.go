// Package ledger owns order records and the pending -> terminal state
// machine. Every transition is a compare-and-swap on status, written together
// with its audit row and its notification outbox row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/metrics"
	"EPaymentGateway/internal/models"

	"go.uber.org/zap"
)

// ErrDepositConflict is returned by UpsertDeposit when a final deposit is
// re-reported with a different amount.
var ErrDepositConflict = errors.New("ledger: final deposit amount changed")

// ErrNotPending is returned by ApplyTransition when the order already left
// pending.
var ErrNotPending = errors.New("ledger: order is not pending")

// ErrDepositsChanged is returned by ApplyTransition when a guarded request
// no longer matches the order's deposit rows.
var ErrDepositsChanged = errors.New("ledger: deposits changed since decision")

// ExpiryCursor is the keyset position of an expiry sweep page.
type ExpiryCursor struct {
	ExpiresAt time.Time
	OrderID   string
}

type Repository interface {
	// InsertOrder stores a pending order and its creation audit row. A
	// duplicate deposit address is a conflict.
	InsertOrder(ctx context.Context, order *models.Order, created *models.Transition) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByAddress(ctx context.Context, address string) (*models.Order, error)
	// ListOrders is newest first.
	ListOrders(ctx context.Context, merchantID string, status *models.OrderStatus) ([]*models.Order, error)
	ListPendingByChain(ctx context.Context, chain string) ([]*models.Order, error)
	// ListExpiredPending pages pending orders with expires_at <= now ordered
	// by (expires_at, order_id), strictly after the cursor.
	ListExpiredPending(ctx context.Context, now time.Time, after *ExpiryCursor, limit int) ([]*models.Order, error)

	UpsertDeposit(ctx context.Context, deposit *models.Deposit) error
	ListDeposits(ctx context.Context, orderID string) ([]models.Deposit, error)
	// RecordObservation bumps the order's confirmations (never lowering
	// them) and sets detected_at once.
	RecordObservation(ctx context.Context, orderID string, confirmations int, at time.Time) error

	// ApplyTransition moves a pending order to req.To, appends the audit row
	// and enqueues one notification, atomically. It returns ErrNotPending
	// when the order already left pending, and ErrDepositsChanged when
	// req.Deposits is set and the deposit rows differ. The deposit check and
	// the status change are one atomic step with respect to UpsertDeposit.
	ApplyTransition(ctx context.Context, req *models.TransitionRequest) error
	ListTransitions(ctx context.Context, orderID string) ([]models.Transition, error)
}

type Ledger struct {
	repo    Repository
	logger  *zap.Logger
	metrics *metrics.Metrics
	Now     func() time.Time
}

func New(repo Repository, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{repo: repo, logger: logger, metrics: m, Now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) now() time.Time { return l.Now().UTC() }

// Create persists order in pending. OrderID, amount, currency, address and
// expiry must already be set.
func (l *Ledger) Create(ctx context.Context, order *models.Order) error {
	if order.OrderID == "" || order.DepositAddress == "" || order.AmountBase == "" {
		return fmt.Errorf("ledger: incomplete order")
	}
	if order.EncryptedPrivateKey == "" {
		return apperr.Integrity("deposit key is not sealed", errors.New("empty key handle"))
	}
	now := l.now()
	order.Status = models.OrderPending
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.ReceivedBase == "" {
		order.ReceivedBase = "0"
	}
	if order.SurplusBase == "" {
		order.SurplusBase = "0"
	}
	created := &models.Transition{
		OrderID:    order.OrderID,
		ToStatus:   models.OrderPending,
		Cause:      models.CauseCreated,
		OccurredAt: now,
	}
	if err := l.repo.InsertOrder(ctx, order, created); err != nil {
		return err
	}
	l.metrics.RecordOrderCreated(order.Currency)
	return nil
}

func (l *Ledger) Get(ctx context.Context, orderID string) (*models.Order, error) {
	return l.repo.GetOrder(ctx, orderID)
}

func (l *Ledger) GetByAddress(ctx context.Context, address string) (*models.Order, error) {
	return l.repo.GetOrderByAddress(ctx, address)
}

func (l *Ledger) List(ctx context.Context, merchantID string, status *models.OrderStatus) ([]*models.Order, error) {
	if status != nil && !status.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("invalid status filter: %s", *status))
	}
	return l.repo.ListOrders(ctx, merchantID, status)
}

func (l *Ledger) PendingForChain(ctx context.Context, chain string) ([]*models.Order, error) {
	return l.repo.ListPendingByChain(ctx, chain)
}

func (l *Ledger) ExpiredPending(ctx context.Context, after *ExpiryCursor, limit int) ([]*models.Order, error) {
	return l.repo.ListExpiredPending(ctx, l.now(), after, limit)
}

func (l *Ledger) Deposits(ctx context.Context, orderID string) ([]models.Deposit, error) {
	return l.repo.ListDeposits(ctx, orderID)
}

func (l *Ledger) Transitions(ctx context.Context, orderID string) ([]models.Transition, error) {
	return l.repo.ListTransitions(ctx, orderID)
}

// RecordDeposit stores an observation of a transfer into the order's address
// and refreshes the order's confirmation count.
func (l *Ledger) RecordDeposit(ctx context.Context, d *models.Deposit) error {
	now := l.now()
	if d.FirstSeenAt.IsZero() {
		d.FirstSeenAt = now
	}
	d.UpdatedAt = now
	if err := l.repo.UpsertDeposit(ctx, d); err != nil {
		return err
	}
	return l.repo.RecordObservation(ctx, d.OrderID, d.Confirmations, now)
}

// Transition moves a pending order into a terminal state. Losing the race to
// another writer yields a Conflict error; callers treat it as benign. A
// guarded request whose deposits moved underneath it returns
// ErrDepositsChanged unchanged so the caller can decide again.
func (l *Ledger) Transition(ctx context.Context, req models.TransitionRequest) error {
	if !req.To.Terminal() {
		return apperr.Validation(fmt.Sprintf("invalid target status: %s", req.To))
	}
	if req.Cause == "" {
		return apperr.Validation("transition cause is required")
	}
	if req.To == models.OrderPaid && (req.TxHash == nil || req.PaidAt == nil) {
		return apperr.Validation("paid transition needs tx hash and paid at")
	}
	if req.At.IsZero() {
		req.At = l.now()
	}
	err := l.repo.ApplyTransition(ctx, &req)
	if errors.Is(err, ErrNotPending) {
		return apperr.Conflict(fmt.Sprintf("order %s is no longer pending", req.OrderID))
	}
	if err != nil {
		return err
	}
	l.metrics.RecordTransition(string(req.To), req.Cause)
	l.logger.Info("order transitioned",
		zap.String("order_id", req.OrderID),
		zap.String("status", string(req.To)),
		zap.String("cause", req.Cause),
	)
	return nil
}
