// Package notify delivers order status changes recorded in the outbox.
// Delivery is at least once; consumers dedupe on NotificationID.
package notify

import (
	"context"
	"time"

	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/metrics"
	"EPaymentGateway/internal/models"

	"go.uber.org/zap"
)

// Event is the payload sent to merchants. Received and Surplus are in the
// currency's display units; a paid order with Surplus above zero was
// overpaid.
type Event struct {
	NotificationID int64              `json:"notificationId"`
	MerchantID     string             `json:"merchantId"`
	OrderID        string             `json:"orderId"`
	Status         models.OrderStatus `json:"status"`
	Currency       string             `json:"currency,omitempty"`
	TxHash         string             `json:"txHash,omitempty"`
	Received       string             `json:"received,omitempty"`
	Surplus        string             `json:"surplus,omitempty"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Outbox interface {
	PendingNotifications(ctx context.Context, limit int) ([]models.Notification, error)
	MarkNotificationSent(ctx context.Context, id int64, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id int64, reason string) error
}

type Relay struct {
	outbox     Outbox
	notifier   Notifier
	currencies *currency.Registry
	logger     *zap.Logger
	metrics  *metrics.Metrics
	Batch    int
	Now      func() time.Time
}

func NewRelay(outbox Outbox, notifier Notifier, currencies *currency.Registry, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		outbox:     outbox,
		notifier:   notifier,
		currencies: currencies,
		logger:     logger,
		metrics:  m,
		Batch:    100,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Drain delivers one batch of undelivered rows in outbox order. Failed rows
// stay undelivered for the next call.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	rows, err := r.outbox.PendingNotifications(ctx, r.Batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, n := range rows {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		ev := r.event(n)
		if err := r.notifier.Notify(ctx, ev); err != nil {
			r.metrics.RecordRelay(false)
			r.logger.Warn("notification delivery failed",
				zap.Int64("notification_id", n.ID),
				zap.String("order_id", n.OrderID),
				zap.Int("attempts", n.Attempts+1),
				zap.Error(err),
			)
			if merr := r.outbox.MarkNotificationFailed(ctx, n.ID, err.Error()); merr != nil {
				return sent, merr
			}
			continue
		}
		if err := r.outbox.MarkNotificationSent(ctx, n.ID, r.Now()); err != nil {
			return sent, err
		}
		r.metrics.RecordRelay(true)
		sent++
	}
	return sent, nil
}

func (r *Relay) event(n models.Notification) Event {
	ev := Event{
		NotificationID: n.ID,
		MerchantID:     n.MerchantID,
		OrderID:        n.OrderID,
		Status:         n.Status,
		Currency:       n.Currency,
		OccurredAt:     n.CreatedAt,
	}
	if n.TxHash != nil {
		ev.TxHash = *n.TxHash
	}
	if r.currencies == nil || n.Currency == "" {
		return ev
	}
	cur, err := r.currencies.Lookup(n.Currency)
	if err != nil {
		r.logger.Warn("notification currency not configured", zap.String("currency", n.Currency), zap.Int64("notification_id", n.ID))
		return ev
	}
	ev.Received = displayAmount(cur, n.ReceivedBase)
	ev.Surplus = displayAmount(cur, n.SurplusBase)
	return ev
}

func displayAmount(cur currency.Currency, base string) string {
	if base == "" {
		return ""
	}
	v, ok := currency.ParseBase(base)
	if !ok {
		return ""
	}
	return cur.FromBase(v)
}

func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if n, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox drain failed", zap.Error(err))
		} else if n > 0 {
			r.logger.Debug("outbox drained", zap.Int("sent", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
