// Package payments decides what a set of observed deposits means for an
// order. It does no I/O; callers load deposits and apply the decision.
package payments

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"EPaymentGateway/internal/models"
)

type Outcome int

const (
	// OutcomeNone leaves the order pending.
	OutcomeNone Outcome = iota
	OutcomePaid
	// OutcomeDefer keeps an expired order pending while unconfirmed funds
	// that cover it settle.
	OutcomeDefer
	OutcomeFailed
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaid:
		return "paid"
	case OutcomeDefer:
		return "defer"
	case OutcomeFailed:
		return "failed"
	case OutcomeExpired:
		return "expired"
	}
	return "none"
}

// Policy holds the tolerance knobs of settlement.
type Policy struct {
	// ConfirmationGrace is how long past expiry an order whose deposits
	// cover the amount may wait for them to become final.
	ConfirmationGrace time.Duration
	// ObservationLag holds off the expiry decision past expires_at so a
	// transfer broadcast just before the deadline can be seen by the
	// observer at least once.
	ObservationLag time.Duration
}

type Decision struct {
	Outcome Outcome
	Cause   string
	// TxHash is the deposit whose confirmation made the order whole.
	TxHash        string
	PaidAt        time.Time
	Confirmations int
	// Received is the qualifying final sum; Tentative the qualifying sum not
	// yet final.
	Received  *big.Int
	Tentative *big.Int
	Surplus   *big.Int
}

type tally struct {
	required  *big.Int
	received  *big.Int
	tentative *big.Int
	crossing  *models.Deposit
}

func (p Policy) tally(order *models.Order, dust *big.Int, deposits []models.Deposit) (*tally, error) {
	required, ok := new(big.Int).SetString(order.AmountBase, 10)
	if !ok || required.Sign() <= 0 {
		return nil, fmt.Errorf("order %s: invalid base amount %q", order.OrderID, order.AmountBase)
	}
	t := &tally{required: required, received: new(big.Int), tentative: new(big.Int)}

	sorted := make([]models.Deposit, len(deposits))
	copy(sorted, deposits)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockHeight != sorted[j].BlockHeight {
			return sorted[i].BlockHeight < sorted[j].BlockHeight
		}
		return sorted[i].TxHash < sorted[j].TxHash
	})

	for i := range sorted {
		d := &sorted[i]
		amount, ok := new(big.Int).SetString(d.AmountBase, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("deposit %s: invalid amount %q", d.TxHash, d.AmountBase)
		}
		if !Qualifies(order, dust, d, amount) {
			continue
		}
		if !d.Final {
			t.tentative.Add(t.tentative, amount)
			continue
		}
		t.received.Add(t.received, amount)
		if t.crossing == nil && t.received.Cmp(required) >= 0 {
			t.crossing = d
		}
	}
	return t, nil
}

// Qualifies reports whether a deposit counts toward the order: at or above
// dust, and included before the order expired. First-seen time stands in
// when the chain reports no block time.
func Qualifies(order *models.Order, dust *big.Int, d *models.Deposit, amount *big.Int) bool {
	if amount.Sign() <= 0 {
		return false
	}
	if dust != nil && amount.Cmp(dust) < 0 {
		return false
	}
	at := d.FirstSeenAt
	if d.BlockTime != nil && !d.BlockTime.IsZero() {
		at = *d.BlockTime
	}
	return at.Before(order.ExpiresAt)
}

func (t *tally) paid(cause string, now time.Time) Decision {
	surplus := new(big.Int).Sub(t.received, t.required)
	paidAt := now
	if t.crossing.BlockTime != nil && !t.crossing.BlockTime.IsZero() {
		paidAt = *t.crossing.BlockTime
	}
	return Decision{
		Outcome:       OutcomePaid,
		Cause:         cause,
		TxHash:        t.crossing.TxHash,
		PaidAt:        paidAt.UTC(),
		Confirmations: t.crossing.Confirmations,
		Received:      t.received,
		Tentative:     t.tentative,
		Surplus:       surplus,
	}
}

func (t *tally) decision(o Outcome, cause string) Decision {
	return Decision{Outcome: o, Cause: cause, Received: t.received, Tentative: t.tentative, Surplus: new(big.Int)}
}

// EvaluateDeposits runs on every chain report. It only ever credits: an
// order short of its amount stays pending until the expiry sweep decides.
func (p Policy) EvaluateDeposits(order *models.Order, dust *big.Int, deposits []models.Deposit, now time.Time) (Decision, error) {
	t, err := p.tally(order, dust, deposits)
	if err != nil {
		return Decision{}, err
	}
	if t.crossing != nil {
		return t.paid(models.CausePaymentFinal, now), nil
	}
	return t.decision(OutcomeNone, ""), nil
}

// EvaluateExpiry decides a pending order at sweep time. A final payment
// always wins over expiry.
func (p Policy) EvaluateExpiry(order *models.Order, dust *big.Int, deposits []models.Deposit, now time.Time) (Decision, error) {
	t, err := p.tally(order, dust, deposits)
	if err != nil {
		return Decision{}, err
	}
	if now.Before(order.ExpiresAt.Add(p.ObservationLag)) {
		return t.decision(OutcomeNone, ""), nil
	}
	if t.crossing != nil {
		return t.paid(models.CauseExpiryPaid, now), nil
	}
	covered := new(big.Int).Add(t.received, t.tentative)
	if t.tentative.Sign() > 0 && covered.Cmp(t.required) >= 0 && now.Before(order.ExpiresAt.Add(p.ConfirmationGrace)) {
		return t.decision(OutcomeDefer, ""), nil
	}
	if t.received.Sign() > 0 {
		return t.decision(OutcomeFailed, models.CauseUnderpaid), nil
	}
	return t.decision(OutcomeExpired, models.CauseExpired), nil
}

// CompareAmount compares two base-unit integer strings. Unparseable input
// compares equal.
func CompareAmount(a, b string) int {
	ai, ok1 := new(big.Int).SetString(a, 10)
	bi, ok2 := new(big.Int).SetString(b, 10)
	if !ok1 || !ok2 {
		return 0
	}
	return ai.Cmp(bi)
}
