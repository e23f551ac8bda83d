// Package reconciler turns chain reports and expiry ticks into ledger
// transitions.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/metrics"
	"EPaymentGateway/internal/models"
	"EPaymentGateway/internal/observer"
	"EPaymentGateway/internal/payments"

	"go.uber.org/zap"
)

// Watcher is the observer surface the reconciler uses to shrink the working
// set once an order is terminal.
type Watcher interface {
	Unwatch(address string)
}

type Reconciler struct {
	ledger   *ledger.Ledger
	registry *currency.Registry
	policy   payments.Policy
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// SweepBatch is the page size of SweepExpiredOrders.
	SweepBatch int

	mu       sync.RWMutex
	watchers map[string]Watcher
}

func New(l *ledger.Ledger, registry *currency.Registry, policy payments.Policy, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		ledger:     l,
		registry:   registry,
		policy:     policy,
		logger:     logger,
		metrics:    m,
		SweepBatch: 100,
		watchers:   map[string]Watcher{},
	}
}

func (r *Reconciler) AddWatcher(chain string, w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[chain] = w
}

func (r *Reconciler) unwatch(order *models.Order) {
	r.mu.RLock()
	w := r.watchers[order.Chain]
	r.mu.RUnlock()
	if w != nil {
		w.Unwatch(order.DepositAddress)
	}
}

func (r *Reconciler) dust(symbol string) *big.Int {
	cur, err := r.registry.Lookup(symbol)
	if err != nil {
		return nil
	}
	return cur.Dust
}

// HandleReport applies one observer report. A returned error makes the
// observer retry the report; lost transition races are not errors.
func (r *Reconciler) HandleReport(ctx context.Context, rep observer.Report) error {
	log := r.logger.With(zap.String("address", rep.Address), zap.String("tx_hash", rep.TxHash), zap.Bool("final", rep.Final))

	order, err := r.ledger.GetByAddress(ctx, rep.Address)
	if apperr.IsKind(err, apperr.KindNotFound) {
		log.Warn("report for unknown deposit address ignored")
		return nil
	}
	if err != nil {
		return err
	}
	log = log.With(zap.String("order_id", order.OrderID))

	if order.Status.Terminal() {
		log.Info("report for terminal order ignored", zap.String("status", string(order.Status)))
		r.unwatch(order)
		return nil
	}
	if order.Currency != rep.Currency {
		log.Warn("report currency does not match order", zap.String("currency", rep.Currency), zap.String("order_currency", order.Currency))
		return nil
	}

	deposit := &models.Deposit{
		OrderID:       order.OrderID,
		TxHash:        rep.TxHash,
		AmountBase:    rep.Amount.String(),
		BlockHeight:   rep.Height,
		Confirmations: rep.Confirmations,
		Final:         rep.Final,
	}
	if !rep.BlockTime.IsZero() {
		bt := rep.BlockTime.UTC()
		deposit.BlockTime = &bt
	}
	err = r.ledger.RecordDeposit(ctx, deposit)
	if errors.Is(err, ledger.ErrDepositConflict) {
		log.Error("final deposit re-reported with a different amount", zap.String("amount", deposit.AmountBase))
		return r.fail(ctx, order, models.CauseInconsistent, "final deposit amount changed on chain")
	}
	if err != nil {
		return err
	}
	if !rep.Final {
		log.Debug("tentative deposit recorded", zap.Int("confirmations", rep.Confirmations), zap.Int("required", rep.Required))
		return nil
	}

	deposits, err := r.ledger.Deposits(ctx, order.OrderID)
	if err != nil {
		return err
	}
	decision, err := r.policy.EvaluateDeposits(order, r.dust(order.Currency), deposits, r.ledger.Now())
	if err != nil {
		return err
	}
	if decision.Outcome != payments.OutcomePaid {
		log.Info("final deposit recorded; order not yet covered",
			zap.String("received_base", decision.Received.String()), zap.String("amount_base", order.AmountBase))
		return nil
	}
	_, err = r.apply(ctx, order, decision, nil)
	return err
}

// apply executes a terminal decision and reports whether this call won the
// transition.
func (r *Reconciler) apply(ctx context.Context, order *models.Order, d payments.Decision, guard *models.DepositState) (bool, error) {
	req := models.TransitionRequest{
		OrderID:      order.OrderID,
		Cause:        d.Cause,
		At:           r.ledger.Now(),
		ReceivedBase: d.Received.String(),
		Deposits:     guard,
	}
	switch d.Outcome {
	case payments.OutcomePaid:
		tx := d.TxHash
		paidAt := d.PaidAt
		req.To = models.OrderPaid
		req.TxHash = &tx
		req.PaidAt = &paidAt
		req.Confirmations = d.Confirmations
		req.SurplusBase = d.Surplus.String()
	case payments.OutcomeFailed:
		reason := d.Cause
		req.To = models.OrderFailed
		req.FailureReason = &reason
	case payments.OutcomeExpired:
		req.To = models.OrderExpired
	default:
		return false, fmt.Errorf("reconciler: outcome %s is not terminal", d.Outcome)
	}

	err := r.ledger.Transition(ctx, req)
	if apperr.IsKind(err, apperr.KindConflict) {
		r.logger.Debug("transition lost race", zap.String("order_id", order.OrderID), zap.String("to", string(req.To)))
		r.unwatch(order)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.unwatch(order)
	return true, nil
}

func (r *Reconciler) fail(ctx context.Context, order *models.Order, cause, reason string) error {
	err := r.ledger.Transition(ctx, models.TransitionRequest{
		OrderID:       order.OrderID,
		To:            models.OrderFailed,
		Cause:         cause,
		FailureReason: &reason,
	})
	if err != nil && !apperr.IsKind(err, apperr.KindConflict) {
		return err
	}
	r.unwatch(order)
	return nil
}

// FailOrder marks a pending order failed after an irrecoverable error, such
// as a vault decryption failure during a required operation.
func (r *Reconciler) FailOrder(ctx context.Context, orderID, reason string) error {
	order, err := r.ledger.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return nil
	}
	return r.fail(ctx, order, models.CauseIrrecoverable, reason)
}

// SweepExpiredOrders decides every pending order past its expiry and returns
// how many it moved out of pending. Running it again right away returns 0;
// it is safe to run concurrently with itself and with HandleReport.
func (r *Reconciler) SweepExpiredOrders(ctx context.Context) (int, error) {
	batch := r.SweepBatch
	if batch <= 0 {
		batch = 100
	}
	var (
		count    int
		firstErr error
		after    *ledger.ExpiryCursor
	)
	for {
		page, err := r.ledger.ExpiredPending(ctx, after, batch)
		if err != nil {
			return count, err
		}
		for _, order := range page {
			if err := ctx.Err(); err != nil {
				return count, err
			}
			won, err := r.expire(ctx, order)
			if err != nil {
				r.logger.Warn("expiry decision failed", zap.String("order_id", order.OrderID), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if won {
				count++
			}
		}
		if len(page) < batch {
			break
		}
		last := page[len(page)-1]
		after = &ledger.ExpiryCursor{ExpiresAt: last.ExpiresAt, OrderID: last.OrderID}
	}
	r.metrics.RecordSweep(count)
	if count > 0 {
		r.logger.Info("expiry sweep", zap.Int("transitions", count))
	}
	return count, firstErr
}

// expireAttempts bounds how often one sweep re-decides an order whose
// deposits keep changing; the next sweep picks it up again.
const expireAttempts = 3

// expire decides one overdue order. An expired or failed outcome is applied
// only against the deposit rows it was computed from.
func (r *Reconciler) expire(ctx context.Context, order *models.Order) (bool, error) {
	for attempt := 0; attempt < expireAttempts; attempt++ {
		deposits, err := r.ledger.Deposits(ctx, order.OrderID)
		if err != nil {
			return false, err
		}
		now := r.ledger.Now()
		d, err := r.policy.EvaluateExpiry(order, r.dust(order.Currency), deposits, now)
		if err != nil {
			return false, err
		}
		switch d.Outcome {
		case payments.OutcomeNone:
			return false, nil
		case payments.OutcomeDefer:
			r.logger.Debug("expiry deferred for unconfirmed deposits",
				zap.String("order_id", order.OrderID), zap.Duration("overdue", now.Sub(order.ExpiresAt)))
			return false, nil
		}
		var guard *models.DepositState
		if d.Outcome != payments.OutcomePaid {
			st := models.StateOf(deposits)
			guard = &st
		}
		won, err := r.apply(ctx, order, d, guard)
		if errors.Is(err, ledger.ErrDepositsChanged) {
			r.logger.Info("deposits changed during expiry decision; deciding again", zap.String("order_id", order.OrderID))
			continue
		}
		return won, err
	}
	return false, fmt.Errorf("order %s: %w", order.OrderID, ledger.ErrDepositsChanged)
}

// Awaiting reports whether a pending order has seen deposits that are not
// final yet, for the checkout widget.
func Awaiting(order *models.Order, deposits []models.Deposit) bool {
	if order.Status != models.OrderPending {
		return false
	}
	for _, d := range deposits {
		if !d.Final {
			return true
		}
	}
	return false
}

var _ observer.Sink = (*Reconciler)(nil)

// RunSweeps calls SweepExpiredOrders every interval until ctx is done.
func (r *Reconciler) RunSweeps(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := r.SweepExpiredOrders(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("expiry sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
