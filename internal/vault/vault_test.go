package vault

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testKEK    = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	knownKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	knownEVM   = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	testOrder  = "5f6c1f2e-1111-4c1a-9a55-000000000001"
	testActor  = "ops@example.com"
	testPrefix = "dora"
)

var (
	eth  = currency.Currency{Symbol: "ETH", Chain: "ethereum", Family: currency.FamilyEVM, Decimals: 18, Confirmations: 12}
	dora = currency.Currency{Symbol: "DORA", Chain: "vota", Family: currency.FamilyCosmos, Decimals: 18, Confirmations: 1, Bech32Prefix: testPrefix, Denom: "peaka"}
)

type memAudit struct {
	mu      sync.Mutex
	records []models.KeyAccess
	err     error
}

func (a *memAudit) RecordKeyAccess(_ context.Context, access *models.KeyAccess) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, *access)
	return nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func newTestVault(t *testing.T, cfg Config) *Vault {
	t.Helper()
	if cfg.KEK == "" {
		cfg.KEK = testKEK
	}
	if cfg.KeyID == "" {
		cfg.KeyID = "k1"
	}
	v, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return v
}

func TestNewRejectsBadKEK(t *testing.T) {
	for _, kek := range []string{"", "abcd", strings.Repeat("zz", 32)} {
		_, err := New(Config{KEK: kek, KeyID: "k1"})
		if !apperr.IsKind(err, apperr.KindIntegrity) {
			t.Errorf("kek %q: expected integrity error, got %v", kek, err)
		}
	}
}

func TestCreateDepositKeypairDeterministic(t *testing.T) {
	key, _ := hex.DecodeString(knownKey)
	rnd := bytes.NewReader(append(key, make([]byte, 24)...))
	v := newTestVault(t, Config{Rand: rnd})

	addr, handle, err := v.CreateDepositKeypair(context.Background(), eth)
	if err != nil {
		t.Fatalf("CreateDepositKeypair failed: %v", err)
	}
	if addr != knownEVM {
		t.Fatalf("address = %s, want %s", addr, knownEVM)
	}
	if !strings.HasPrefix(handle, "v1:k1:") {
		t.Fatalf("unexpected handle format %q", handle)
	}
	if strings.Contains(strings.ToLower(handle), knownKey) {
		t.Fatalf("handle carries plaintext key")
	}
}

func TestEntropyFailureIsFatal(t *testing.T) {
	v := newTestVault(t, Config{Rand: failingReader{}})
	_, _, err := v.CreateDepositKeypair(context.Background(), eth)
	if !apperr.IsKind(err, apperr.KindIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestRoundTripAndAudit(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	audit := &memAudit{}
	v := newTestVault(t, Config{Audit: audit, Logger: zap.New(core)})
	ctx := context.Background()

	for _, cur := range []currency.Currency{eth, dora} {
		addr, handle, err := v.CreateDepositKeypair(ctx, cur)
		if err != nil {
			t.Fatalf("%s: create failed: %v", cur.Symbol, err)
		}
		if !IsValidAddress(addr, cur) {
			t.Fatalf("%s: generated address %s is invalid", cur.Symbol, addr)
		}
		key, err := v.DecryptForPayout(ctx, PayoutRequest{Actor: testActor, OrderID: testOrder, Address: addr, Handle: handle})
		if err != nil {
			t.Fatalf("%s: decrypt failed: %v", cur.Symbol, err)
		}
		if len(key) != 32 {
			t.Fatalf("%s: key length %d", cur.Symbol, len(key))
		}
		keyHex := hex.EncodeToString(key)
		for _, entry := range logs.All() {
			if strings.Contains(entry.Message, keyHex) {
				t.Fatalf("log message carries key material")
			}
			for _, f := range entry.Context {
				if strings.Contains(f.String, keyHex) || strings.Contains(f.String, handle) {
					t.Fatalf("log field %s carries key material", f.Key)
				}
			}
		}
	}

	if len(audit.records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(audit.records))
	}
	rec := audit.records[0]
	if rec.Actor != testActor || rec.OrderID != testOrder || rec.Purpose != "payout" {
		t.Fatalf("unexpected audit record %+v", rec)
	}
	released := logs.FilterMessage("private key released").All()
	if len(released) != 2 || released[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected 2 warn release logs, got %d", len(released))
	}
}

func TestDecryptFailures(t *testing.T) {
	audit := &memAudit{}
	v := newTestVault(t, Config{Audit: audit})
	ctx := context.Background()
	addr, handle, err := v.CreateDepositKeypair(ctx, eth)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	other := newTestVault(t, Config{KEK: strings.Repeat("ab", 32), Audit: audit})
	rotated := newTestVault(t, Config{KeyID: "k2", Audit: audit})

	tampered := []byte(handle)
	last := tampered[len(tampered)-3]
	if last == 'A' {
		tampered[len(tampered)-3] = 'B'
	} else {
		tampered[len(tampered)-3] = 'A'
	}

	req := func(a, h string) PayoutRequest {
		return PayoutRequest{Actor: testActor, OrderID: testOrder, Address: a, Handle: h}
	}
	cases := []struct {
		name string
		v    *Vault
		req  PayoutRequest
		kind apperr.Kind
	}{
		{"wrong kek", other, req(addr, handle), apperr.KindIntegrity},
		{"unknown key id", rotated, req(addr, handle), apperr.KindIntegrity},
		{"tampered", v, req(addr, string(tampered)), apperr.KindIntegrity},
		{"other address", v, req(knownEVM, handle), apperr.KindIntegrity},
		{"garbage", v, req(addr, "v1:k1:!!!"), apperr.KindIntegrity},
		{"no actor", v, PayoutRequest{OrderID: testOrder, Address: addr, Handle: handle}, apperr.KindValidation},
	}
	for _, tc := range cases {
		if _, err := tc.v.DecryptForPayout(ctx, tc.req); !apperr.IsKind(err, tc.kind) {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.kind, err)
		}
	}
	if len(audit.records) != 0 {
		t.Fatalf("refused releases must not be audited as accesses, got %d", len(audit.records))
	}
}

func TestDecryptRefusedWhenAuditFails(t *testing.T) {
	audit := &memAudit{err: errors.New("db down")}
	v := newTestVault(t, Config{Audit: audit})
	ctx := context.Background()
	addr, handle, err := v.CreateDepositKeypair(ctx, eth)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	key, err := v.DecryptForPayout(ctx, PayoutRequest{Actor: testActor, OrderID: testOrder, Address: addr, Handle: handle})
	if key != nil || !apperr.IsKind(err, apperr.KindIntegrity) {
		t.Fatalf("expected refusal, got key=%v err=%v", key != nil, err)
	}
}

func TestDistinctAddressesConcurrently(t *testing.T) {
	v := newTestVault(t, Config{})
	const n = 32
	var wg sync.WaitGroup
	addrs := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addrs[i], _, errs[i] = v.CreateDepositKeypair(context.Background(), eth)
		}(i)
	}
	wg.Wait()
	seen := map[string]bool{}
	for i, a := range addrs {
		if errs[i] != nil {
			t.Fatalf("create %d failed: %v", i, errs[i])
		}
		if seen[a] {
			t.Fatalf("duplicate address %s", a)
		}
		seen[a] = true
	}
}

func TestIsValidAddress(t *testing.T) {
	cases := []struct {
		addr string
		cur  currency.Currency
		want bool
	}{
		{knownEVM, eth, true},
		{strings.ToLower(knownEVM), eth, true},
		{"0x2c7536e3605D9C16a7a3D7b1898e529396a65c23", eth, false},
		{"0x123", eth, false},
		{knownEVM, dora, false},
		{"", eth, false},
	}
	for _, tc := range cases {
		if got := IsValidAddress(tc.addr, tc.cur); got != tc.want {
			t.Errorf("IsValidAddress(%q, %s) = %v, want %v", tc.addr, tc.cur.Symbol, got, tc.want)
		}
	}
}
