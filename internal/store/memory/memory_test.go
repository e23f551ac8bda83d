package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/models"
)

func TestGuardedTransitionRefusesChangedDeposits(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := &models.Order{OrderID: "o1", MerchantID: "m1", DepositAddress: "0xAbC", Status: models.OrderPending, ExpiresAt: now}
	if err := s.InsertOrder(ctx, o, &models.Transition{OrderID: "o1", ToStatus: models.OrderPending, Cause: models.CauseCreated, OccurredAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	seen := models.StateOf(nil)
	if err := s.UpsertDeposit(ctx, &models.Deposit{OrderID: "o1", TxHash: "0x1", AmountBase: "5", Final: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err := s.ApplyTransition(ctx, &models.TransitionRequest{OrderID: "o1", To: models.OrderExpired, Cause: models.CauseExpired, At: now, Deposits: &seen})
	if !errors.Is(err, ledger.ErrDepositsChanged) {
		t.Fatalf("expected ErrDepositsChanged, got %v", err)
	}
	if got, _ := s.GetOrder(ctx, "o1"); got.Status != models.OrderPending {
		t.Fatalf("status = %s", got.Status)
	}
	if n := len(s.Notifications()); n != 0 {
		t.Fatalf("%d notifications after refused transition", n)
	}

	deposits, _ := s.ListDeposits(ctx, "o1")
	current := models.StateOf(deposits)
	if err := s.ApplyTransition(ctx, &models.TransitionRequest{OrderID: "o1", To: models.OrderExpired, Cause: models.CauseExpired, At: now, Deposits: &current}); err != nil {
		t.Fatalf("guarded transition on current deposits: %v", err)
	}
}
