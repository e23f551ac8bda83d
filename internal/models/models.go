package models

import "time"

type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderPaid    OrderStatus = "paid"
	OrderExpired OrderStatus = "expired"
	OrderFailed  OrderStatus = "failed"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPaid, OrderExpired, OrderFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderExpired || s == OrderFailed
}

// Transition causes recorded in the audit trail.
const (
	CauseCreated       = "order_created"
	CausePaymentFinal  = "payment_final"
	CauseExpiryPaid    = "expiry_sweep_payment_final"
	CauseExpired       = "expired"
	CauseUnderpaid     = "underpaid"
	CauseInconsistent  = "inconsistent_chain_state"
	CauseIrrecoverable = "irrecoverable_error"
)

type Order struct {
	OrderID        string
	MerchantID     string
	Amount         string
	AmountBase     string
	Currency       string
	Chain          string
	DepositAddress string
	// EncryptedPrivateKey is the vault handle. It never leaves the store layer
	// except toward the vault's payout path.
	EncryptedPrivateKey string `json:"-"`
	Status              OrderStatus
	Confirmations       int
	ReceivedBase        string
	SurplusBase         string
	DetectedAt          *time.Time
	PaidAt              *time.Time
	TxHash              *string
	FailureReason       *string
	ExpiresAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Deposit is one on-chain transfer into an order's deposit address.
type Deposit struct {
	OrderID       string
	TxHash        string
	AmountBase    string
	BlockHeight   int64
	BlockTime     *time.Time
	Confirmations int
	Final         bool
	FirstSeenAt   time.Time
	UpdatedAt     time.Time
}

// Transition is one row of the append-only audit trail.
type Transition struct {
	ID         int64
	OrderID    string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Cause      string
	TxHash     *string
	OccurredAt time.Time
}

// TransitionRequest asks the ledger to move a pending order into a terminal
// state.
type TransitionRequest struct {
	OrderID       string
	To            OrderStatus
	Cause         string
	At            time.Time
	TxHash        *string
	PaidAt        *time.Time
	Confirmations int
	ReceivedBase  string
	SurplusBase   string
	FailureReason *string
	// Deposits, when set, holds the transition to the deposit rows the
	// decision was taken on. Any deposit recorded or finalized since makes
	// the transition fail with ledger.ErrDepositsChanged.
	Deposits *DepositState
}

// DepositState summarizes an order's deposit rows for a guarded transition.
// Final amounts never change, so the two counts pin the settled set.
type DepositState struct {
	Count int
	Final int
}

func StateOf(deposits []Deposit) DepositState {
	st := DepositState{Count: len(deposits)}
	for _, d := range deposits {
		if d.Final {
			st.Final++
		}
	}
	return st
}

// Notification is an outbox row waiting for the notifier. The settlement
// fields are a snapshot of the order at the transition.
type Notification struct {
	ID           int64
	MerchantID   string
	OrderID      string
	Status       OrderStatus
	Currency     string
	TxHash       *string
	ReceivedBase string
	SurplusBase  string
	CreatedAt    time.Time
	Attempts     int
	LastError    *string
	SentAt       *time.Time
}

type Merchant struct {
	MerchantID string
	Name       string
	Email      string
	IsActive   bool
	WebhookURL *string
	CreatedAt  time.Time
}

type APIKey struct {
	KeyID      string
	MerchantID string
	Name       *string
	KeyHash    string `json:"-"`
	SecretHash []byte `json:"-"`
	KeyPrefix  string
	IsActive   bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// KeyAccess is an audit record of a private key leaving the vault.
type KeyAccess struct {
	ID         int64
	OrderID    string
	Actor      string
	Purpose    string
	AccessedAt time.Time
}
