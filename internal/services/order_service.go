package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/models"
	"EPaymentGateway/internal/reconciler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTTL = 30 * time.Minute
	MaxTTL     = 24 * time.Hour
)

// KeyIssuer is the vault surface order creation needs.
type KeyIssuer interface {
	CreateDepositKeypair(ctx context.Context, cur currency.Currency) (address string, handle string, err error)
}

type OrderService struct {
	Ledger     *ledger.Ledger
	Vault      KeyIssuer
	Currencies *currency.Registry
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Logger     *zap.Logger
}

// OrderDetails is an order plus what the checkout widget needs while it
// polls.
type OrderDetails struct {
	Order                 *models.Order
	AwaitingConfirmation  bool
	RequiredConfirmations int
}

func (s *OrderService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *OrderService) ttl(expiresInMinutes *int) (time.Duration, error) {
	def, limit := s.DefaultTTL, s.MaxTTL
	if def <= 0 {
		def = DefaultTTL
	}
	if limit <= 0 {
		limit = MaxTTL
	}
	if expiresInMinutes == nil {
		return def, nil
	}
	d := time.Duration(*expiresInMinutes) * time.Minute
	if *expiresInMinutes < 1 || d > limit {
		return 0, apperr.Validation(fmt.Sprintf("expiresInMinutes must be between 1 and %d", int(limit/time.Minute)))
	}
	return d, nil
}

// CreateOrder issues a fresh deposit address for merchantID and stores the
// order as pending.
func (s *OrderService) CreateOrder(ctx context.Context, merchantID, amount, symbol string, expiresInMinutes *int) (*models.Order, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, apperr.Authorization("merchant is not authenticated")
	}
	cur, err := s.Currencies.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	base, err := cur.ToBase(amount)
	if err != nil {
		return nil, err
	}
	ttl, err := s.ttl(expiresInMinutes)
	if err != nil {
		return nil, err
	}

	var order *models.Order
	// a generated address colliding with an issued one is retried with a new
	// keypair
	for attempt := 0; attempt < 3; attempt++ {
		address, handle, err := s.Vault.CreateDepositKeypair(ctx, cur)
		if err != nil {
			return nil, err
		}
		order = &models.Order{
			OrderID:             uuid.NewString(),
			MerchantID:          merchantID,
			Amount:              cur.FromBase(base),
			AmountBase:          base.String(),
			Currency:            cur.Symbol,
			Chain:               cur.Chain,
			DepositAddress:      address,
			EncryptedPrivateKey: handle,
			ExpiresAt:           s.Ledger.Now().UTC().Add(ttl),
		}
		err = s.Ledger.Create(ctx, order)
		if err == nil {
			break
		}
		if !apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		s.logger().Warn("deposit address collision, regenerating", zap.Int("attempt", attempt+1))
		order = nil
	}
	if order == nil {
		return nil, fmt.Errorf("create order: could not issue a unique deposit address")
	}

	s.logger().Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("merchant_id", merchantID),
		zap.String("currency", order.Currency),
		zap.String("amount", order.Amount),
		zap.String("deposit_address", order.DepositAddress),
		zap.Time("expires_at", order.ExpiresAt),
	)
	return order, nil
}

// GetOrder returns merchantID's order. Another merchant's order is an
// authorization error, not a not-found.
func (s *OrderService) GetOrder(ctx context.Context, merchantID, orderID string) (*models.Order, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, apperr.Validation("invalid order id")
	}
	order, err := s.Ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.MerchantID != merchantID {
		return nil, apperr.Authorization("order belongs to another merchant")
	}
	return order, nil
}

func (s *OrderService) GetOrderDetails(ctx context.Context, merchantID, orderID string) (*OrderDetails, error) {
	order, err := s.GetOrder(ctx, merchantID, orderID)
	if err != nil {
		return nil, err
	}
	details := &OrderDetails{Order: order}
	if cur, err := s.Currencies.Lookup(order.Currency); err == nil {
		details.RequiredConfirmations = cur.Confirmations
	}
	if order.Status == models.OrderPending {
		deposits, err := s.Ledger.Deposits(ctx, orderID)
		if err != nil {
			return nil, err
		}
		details.AwaitingConfirmation = reconciler.Awaiting(order, deposits)
	}
	return details, nil
}

// ListOrders is newest first. status may be empty.
func (s *OrderService) ListOrders(ctx context.Context, merchantID, status string) ([]*models.Order, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, apperr.Authorization("merchant is not authenticated")
	}
	var filter *models.OrderStatus
	if status != "" {
		st := models.OrderStatus(strings.ToLower(status))
		filter = &st
	}
	return s.Ledger.List(ctx, merchantID, filter)
}
