package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/models"
	"EPaymentGateway/internal/store/memory"
	"EPaymentGateway/internal/vault"
)

const testKEK = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newService(t *testing.T) *OrderService {
	t.Helper()
	reg, err := currency.NewRegistry([]currency.Currency{
		{Symbol: "ETH", Chain: "ethereum", Family: currency.FamilyEVM, Decimals: 18, Confirmations: 12},
		{Symbol: "MATIC", Chain: "polygon", Family: currency.FamilyEVM, Decimals: 18, Confirmations: 64},
		{Symbol: "DORA", Chain: "vota", Family: currency.FamilyCosmos, Decimals: 18, Confirmations: 1, Bech32Prefix: "dora", Denom: "peaka"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	st := memory.New()
	v, err := vault.New(vault.Config{KEK: testKEK, KeyID: "k1", Audit: st})
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return &OrderService{Ledger: ledger.New(st, nil, nil), Vault: v, Currencies: reg}
}

func intPtr(v int) *int { return &v }

func TestCreateOrder(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	before := time.Now().UTC()

	o, err := s.CreateOrder(ctx, "m1", "1.50", "eth", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Status != models.OrderPending || o.Currency != "ETH" || o.Amount != "1.5" || o.AmountBase != "1500000000000000000" {
		t.Fatalf("unexpected order %+v", o)
	}
	if !vault.IsValidAddress(o.DepositAddress, currency.Currency{Family: currency.FamilyEVM}) {
		t.Fatalf("invalid deposit address %s", o.DepositAddress)
	}
	if ttl := o.ExpiresAt.Sub(before); ttl < 29*time.Minute || ttl > 31*time.Minute {
		t.Fatalf("default expiry is %v", ttl)
	}

	cosmos, err := s.CreateOrder(ctx, "m1", "10", "DORA", intPtr(5))
	if err != nil {
		t.Fatalf("create cosmos: %v", err)
	}
	if !strings.HasPrefix(cosmos.DepositAddress, "dora1") || cosmos.Chain != "vota" {
		t.Fatalf("unexpected cosmos order %+v", cosmos)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	cases := []struct {
		name     string
		merchant string
		amount   string
		currency string
		expires  *int
		kind     apperr.Kind
	}{
		{"no merchant", "", "1", "ETH", nil, apperr.KindAuthorization},
		{"unknown currency", "m1", "1", "DOGE", nil, apperr.KindValidation},
		{"zero", "m1", "0", "ETH", nil, apperr.KindValidation},
		{"negative", "m1", "-1", "ETH", nil, apperr.KindValidation},
		{"float syntax", "m1", "1e3", "ETH", nil, apperr.KindValidation},
		{"too precise", "m1", "0.0000000000000000001", "ETH", nil, apperr.KindValidation},
		{"expiry zero", "m1", "1", "ETH", intPtr(0), apperr.KindValidation},
		{"expiry too long", "m1", "1", "ETH", intPtr(24*60 + 1), apperr.KindValidation},
	}
	for _, tc := range cases {
		_, err := s.CreateOrder(ctx, tc.merchant, tc.amount, tc.currency, tc.expires)
		if !apperr.IsKind(err, tc.kind) {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.kind, err)
		}
	}
}

func TestOrderJSONCarriesNoKeyMaterial(t *testing.T) {
	s := newService(t)
	o, err := s.CreateOrder(context.Background(), "m1", "1", "ETH", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.EncryptedPrivateKey == "" {
		t.Fatalf("order has no sealed key")
	}
	raw, _ := json.Marshal(o)
	if strings.Contains(string(raw), o.EncryptedPrivateKey) || strings.Contains(string(raw), "EncryptedPrivateKey") {
		t.Fatalf("serialized order carries the key handle: %s", raw)
	}
}

func TestGetOrderOwnership(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	o, _ := s.CreateOrder(ctx, "m1", "1", "ETH", nil)

	if _, err := s.GetOrder(ctx, "m1", o.OrderID); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := s.GetOrder(ctx, "m2", o.OrderID); !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := s.GetOrder(ctx, "m1", "not-a-uuid"); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := s.GetOrder(ctx, "m1", "00000000-0000-4000-8000-000000000000"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListOrdersStatusFilter(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, _ = s.CreateOrder(ctx, "m1", "1", "ETH", nil)
	_, _ = s.CreateOrder(ctx, "m1", "2", "ETH", nil)

	all, err := s.ListOrders(ctx, "m1", "")
	if err != nil || len(all) != 2 {
		t.Fatalf("list = %d, %v", len(all), err)
	}
	pending, err := s.ListOrders(ctx, "m1", "PENDING")
	if err != nil || len(pending) != 2 {
		t.Fatalf("pending = %d, %v", len(pending), err)
	}
	if _, err := s.ListOrders(ctx, "m1", "refunded"); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConcurrentCreationDistinctAddresses(t *testing.T) {
	s := newService(t)
	const n = 20
	var wg sync.WaitGroup
	addrs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := s.CreateOrder(context.Background(), "m1", "1", "ETH", nil)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			addrs <- o.DepositAddress
		}()
	}
	wg.Wait()
	close(addrs)
	seen := map[string]bool{}
	for a := range addrs {
		if seen[a] {
			t.Fatalf("address %s issued twice", a)
		}
		seen[a] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d addresses, got %d", n, len(seen))
	}
}
