// Package memory is an in-process store with the same compare-and-swap
// semantics as the Postgres store. It backs tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/models"
)

type reportKey struct {
	chain, address, txHash string
}

type depositKey struct {
	orderID, txHash string
}

type Store struct {
	mu sync.Mutex

	orders      map[string]*models.Order
	byAddress   map[string]string
	deposits    map[depositKey]*models.Deposit
	transitions []models.Transition
	outbox      []*models.Notification
	cursors     map[string]int64
	reported    map[reportKey]struct{}
	merchants   map[string]*models.Merchant
	apiKeys     map[string]*models.APIKey
	keyAccess   []models.KeyAccess

	nextID int64
}

func New() *Store {
	return &Store{
		orders:    map[string]*models.Order{},
		byAddress: map[string]string{},
		deposits:  map[depositKey]*models.Deposit{},
		cursors:   map[string]int64{},
		reported:  map[reportKey]struct{}{},
		merchants: map[string]*models.Merchant{},
		apiKeys:   map[string]*models.APIKey{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func addressKey(a string) string { return strings.ToLower(a) }

func copyOrder(o *models.Order) *models.Order {
	c := *o
	return &c
}

// Orders

func (s *Store) InsertOrder(_ context.Context, order *models.Order, created *models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; ok {
		return apperr.Conflict("order already exists")
	}
	if _, ok := s.byAddress[addressKey(order.DepositAddress)]; ok {
		return apperr.Conflict("deposit address already issued")
	}
	s.orders[order.OrderID] = copyOrder(order)
	s.byAddress[addressKey(order.DepositAddress)] = order.OrderID
	if created != nil {
		t := *created
		t.ID = s.id()
		s.transitions = append(s.transitions, t)
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, apperr.NotFound("order not found")
	}
	return copyOrder(o), nil
}

func (s *Store) GetOrderByAddress(_ context.Context, address string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAddress[addressKey(address)]
	if !ok {
		return nil, apperr.NotFound("order not found")
	}
	return copyOrder(s.orders[id]), nil
}

func (s *Store) ListOrders(_ context.Context, merchantID string, status *models.OrderStatus) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.MerchantID != merchantID {
			continue
		}
		if status != nil && o.Status != *status {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].OrderID > out[j].OrderID
	})
	return out, nil
}

func (s *Store) ListPendingByChain(_ context.Context, chain string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.Status == models.OrderPending && o.Chain == chain {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (s *Store) ListExpiredPending(_ context.Context, now time.Time, after *ledger.ExpiryCursor, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.Status != models.OrderPending || o.ExpiresAt.After(now) {
			continue
		}
		if after != nil {
			if o.ExpiresAt.Before(after.ExpiresAt) {
				continue
			}
			if o.ExpiresAt.Equal(after.ExpiresAt) && o.OrderID <= after.OrderID {
				continue
			}
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Deposits

func (s *Store) UpsertDeposit(_ context.Context, d *models.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[d.OrderID]; !ok {
		return apperr.NotFound("order not found")
	}
	key := depositKey{d.OrderID, d.TxHash}
	existing, ok := s.deposits[key]
	if !ok {
		c := *d
		s.deposits[key] = &c
		return nil
	}
	if existing.Final && existing.AmountBase != d.AmountBase {
		return fmt.Errorf("deposit %s: %w", d.TxHash, ledger.ErrDepositConflict)
	}
	existing.AmountBase = d.AmountBase
	existing.BlockHeight = d.BlockHeight
	if d.BlockTime != nil {
		bt := *d.BlockTime
		existing.BlockTime = &bt
	}
	if d.Confirmations > existing.Confirmations {
		existing.Confirmations = d.Confirmations
	}
	existing.Final = existing.Final || d.Final
	existing.UpdatedAt = d.UpdatedAt
	return nil
}

func (s *Store) ListDeposits(_ context.Context, orderID string) ([]models.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Deposit
	for k, d := range s.deposits {
		if k.orderID == orderID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockHeight != out[j].BlockHeight {
			return out[i].BlockHeight < out[j].BlockHeight
		}
		return out[i].TxHash < out[j].TxHash
	})
	return out, nil
}

func (s *Store) depositState(orderID string) models.DepositState {
	var st models.DepositState
	for k, d := range s.deposits {
		if k.orderID != orderID {
			continue
		}
		st.Count++
		if d.Final {
			st.Final++
		}
	}
	return st
}

func (s *Store) RecordObservation(_ context.Context, orderID string, confirmations int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return apperr.NotFound("order not found")
	}
	if o.Status != models.OrderPending {
		return nil
	}
	if confirmations > o.Confirmations {
		o.Confirmations = confirmations
	}
	if o.DetectedAt == nil {
		t := at
		o.DetectedAt = &t
	}
	o.UpdatedAt = at
	return nil
}

// Transitions

func (s *Store) ApplyTransition(_ context.Context, req *models.TransitionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[req.OrderID]
	if !ok {
		return apperr.NotFound("order not found")
	}
	if o.Status != models.OrderPending {
		return ledger.ErrNotPending
	}
	if req.Deposits != nil && *req.Deposits != s.depositState(o.OrderID) {
		return ledger.ErrDepositsChanged
	}
	from := o.Status
	o.Status = req.To
	o.UpdatedAt = req.At
	if req.TxHash != nil {
		h := *req.TxHash
		o.TxHash = &h
	}
	if req.PaidAt != nil {
		p := *req.PaidAt
		o.PaidAt = &p
	}
	if req.Confirmations > o.Confirmations {
		o.Confirmations = req.Confirmations
	}
	if req.ReceivedBase != "" {
		o.ReceivedBase = req.ReceivedBase
	}
	if req.SurplusBase != "" {
		o.SurplusBase = req.SurplusBase
	}
	if req.FailureReason != nil {
		r := *req.FailureReason
		o.FailureReason = &r
	}

	s.transitions = append(s.transitions, models.Transition{
		ID:         s.id(),
		OrderID:    o.OrderID,
		FromStatus: from,
		ToStatus:   req.To,
		Cause:      req.Cause,
		TxHash:     req.TxHash,
		OccurredAt: req.At,
	})
	s.outbox = append(s.outbox, &models.Notification{
		ID:           s.id(),
		MerchantID:   o.MerchantID,
		OrderID:      o.OrderID,
		Status:       req.To,
		Currency:     o.Currency,
		TxHash:       o.TxHash,
		ReceivedBase: o.ReceivedBase,
		SurplusBase:  o.SurplusBase,
		CreatedAt:    req.At,
	})
	return nil
}

func (s *Store) ListTransitions(_ context.Context, orderID string) ([]models.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transition
	for _, t := range s.transitions {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Outbox

func (s *Store) PendingNotifications(_ context.Context, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, n := range s.outbox {
		if n.SentAt != nil {
			continue
		}
		out = append(out, *n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkNotificationSent(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.outbox {
		if n.ID == id {
			n.Attempts++
			t := at
			n.SentAt = &t
			n.LastError = nil
			return nil
		}
	}
	return apperr.NotFound("notification not found")
}

func (s *Store) MarkNotificationFailed(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.outbox {
		if n.ID == id {
			n.Attempts++
			r := reason
			n.LastError = &r
			return nil
		}
	}
	return apperr.NotFound("notification not found")
}

// Notifications returns every outbox row, delivered or not.
func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Notification, 0, len(s.outbox))
	for _, n := range s.outbox {
		out = append(out, *n)
	}
	return out
}

// Observer cursor and dedupe

func (s *Store) GetCursor(_ context.Context, chain string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.cursors[chain]
	return h, ok, nil
}

func (s *Store) SetCursor(_ context.Context, chain string, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height > s.cursors[chain] {
		s.cursors[chain] = height
	}
	return nil
}

func (s *Store) IsFinalReported(_ context.Context, chain, address, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reported[reportKey{chain, addressKey(address), txHash}]
	return ok, nil
}

func (s *Store) MarkFinalReported(_ context.Context, chain, address, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reported[reportKey{chain, addressKey(address), txHash}] = struct{}{}
	return nil
}

// Merchants and API keys

func (s *Store) InsertMerchant(_ context.Context, m *models.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.merchants[m.MerchantID]; ok {
		return apperr.Conflict("merchant already exists")
	}
	c := *m
	s.merchants[m.MerchantID] = &c
	return nil
}

func (s *Store) GetMerchant(_ context.Context, merchantID string) (*models.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.merchants[merchantID]
	if !ok {
		return nil, apperr.NotFound("merchant not found")
	}
	c := *m
	return &c, nil
}

func (s *Store) InsertAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyHash == key.KeyHash {
			return apperr.Conflict("api key already exists")
		}
	}
	c := *key
	s.apiKeys[key.KeyID] = &c
	return nil
}

func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyHash == hash {
			c := *k
			return &c, nil
		}
	}
	return nil, apperr.NotFound("api key not found")
}

func (s *Store) TouchAPIKey(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok {
		return apperr.NotFound("api key not found")
	}
	t := at
	k.LastUsedAt = &t
	return nil
}

func (s *Store) RevokeAPIKey(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok {
		return apperr.NotFound("api key not found")
	}
	t := at
	k.RevokedAt = &t
	k.IsActive = false
	return nil
}

// Vault audit

func (s *Store) RecordKeyAccess(_ context.Context, access *models.KeyAccess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *access
	c.ID = s.id()
	if c.AccessedAt.IsZero() {
		c.AccessedAt = time.Now().UTC()
	}
	s.keyAccess = append(s.keyAccess, c)
	return nil
}

func (s *Store) ListKeyAccess(_ context.Context, orderID string) ([]models.KeyAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.KeyAccess
	for _, a := range s.keyAccess {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out, nil
}

var _ ledger.Repository = (*Store)(nil)

