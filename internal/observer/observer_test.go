package observer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"EPaymentGateway/internal/chain"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/metrics"
	"EPaymentGateway/internal/models"
	"EPaymentGateway/internal/store/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"
)

const addrA = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

var eth = currency.Currency{Symbol: "ETH", Chain: "ethereum", Family: currency.FamilyEVM, Decimals: 18, Confirmations: 3}

type fakeClient struct {
	mu        sync.Mutex
	latest    int64
	transfers []chain.Transfer
	balances  map[string]*big.Int
	balanceOK bool
	// balanceHead is the height the balance node has reached; 0 means it
	// tracks latest. fundedAt is the height at which an address's balance
	// becomes visible.
	balanceHead int64
	fundedAt    map[string]int64
	fail        error
	scanned     [][]string
}

func (c *fakeClient) LatestHeight(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return 0, c.fail
	}
	return c.latest, nil
}

func (c *fakeClient) TransfersTo(_ context.Context, addresses []string, from, to int64) ([]chain.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanned = append(c.scanned, append([]string(nil), addresses...))
	var out []chain.Transfer
	for _, tr := range c.transfers {
		if tr.Height < from || tr.Height > to {
			continue
		}
		for _, a := range addresses {
			if a == tr.To {
				out = append(out, tr)
			}
		}
	}
	return out, nil
}

func (c *fakeClient) Balance(_ context.Context, address string, height int64) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.balanceOK {
		return nil, chain.ErrUnsupported
	}
	head := c.balanceHead
	if head == 0 {
		head = c.latest
	}
	if height <= 0 {
		height = head
	}
	if height > head {
		return nil, errors.New("header not found")
	}
	if at, ok := c.fundedAt[address]; ok && height < at {
		return new(big.Int), nil
	}
	if b, ok := c.balances[address]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (c *fakeClient) setLatest(h int64) {
	c.mu.Lock()
	c.latest = h
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	reports []Report
	fail    error
}

func (s *recordingSink) HandleReport(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) finals() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Report
	for _, r := range s.reports {
		if r.Final {
			out = append(out, r)
		}
	}
	return out
}

type staticSource struct {
	orders []*models.Order
	err    error
}

func (s *staticSource) PendingForChain(context.Context, string) ([]*models.Order, error) {
	return s.orders, s.err
}

func newObserver(client chain.Client, st CursorStore, source TargetSource, sink Sink, cfg Config) *Observer {
	cfg.Chain = "ethereum"
	if cfg.StartHeight == 0 {
		cfg.StartHeight = 1
	}
	return New(cfg, client, st, source, sink, []currency.Currency{eth}, nil, nil)
}

func TestTentativeThenFinalExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	client := &fakeClient{latest: 10, transfers: []chain.Transfer{
		{TxHash: "0xabc", To: addrA, Amount: big.NewInt(1500), Height: 10},
	}}
	sink := &recordingSink{}
	o := newObserver(client, st, nil, sink, Config{})
	o.Watch(addrA, eth)

	if err := o.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(sink.reports) != 1 || sink.reports[0].Final || sink.reports[0].Confirmations != 1 {
		t.Fatalf("expected one tentative report, got %+v", sink.reports)
	}
	if o.Cursor() != 8 {
		t.Fatalf("cursor = %d, want 8", o.Cursor())
	}

	client.setLatest(12)
	if err := o.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	finals := sink.finals()
	if len(finals) != 1 || finals[0].Confirmations != 3 || finals[0].Required != 3 {
		t.Fatalf("expected one final report, got %+v", finals)
	}

	client.setLatest(13)
	_ = o.Poll(ctx)

	// restart with a rewind margin that rescans the transfer's block
	restarted := newObserver(client, st, nil, sink, Config{RewindBlocks: 5})
	restarted.Watch(addrA, eth)
	if err := restarted.Poll(ctx); err != nil {
		t.Fatalf("poll after restart failed: %v", err)
	}
	if n := len(sink.finals()); n != 1 {
		t.Fatalf("final reported %d times across restart", n)
	}
	if restarted.Cursor() < o.Cursor() {
		t.Fatalf("cursor regressed: %d < %d", restarted.Cursor(), o.Cursor())
	}
}

func TestCursorHeldWhileFinalUnhandled(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	client := &fakeClient{latest: 20, transfers: []chain.Transfer{
		{TxHash: "0xabc", To: addrA, Amount: big.NewInt(1), Height: 10},
	}}
	sink := &recordingSink{fail: errors.New("ledger unavailable")}
	o := newObserver(client, st, nil, sink, Config{})
	o.Watch(addrA, eth)

	if err := o.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if o.Cursor() != 0 {
		t.Fatalf("cursor advanced past unhandled final report: %d", o.Cursor())
	}

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()
	if err := o.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(sink.finals()) != 1 {
		t.Fatalf("expected final report after recovery")
	}
	if o.Cursor() != 18 {
		t.Fatalf("cursor = %d, want 18", o.Cursor())
	}
	if h, _, _ := st.GetCursor(ctx, "ethereum"); h != 18 {
		t.Fatalf("persisted cursor = %d", h)
	}
}

func TestBalancePrefilter(t *testing.T) {
	ctx := context.Background()
	empty := "0x0000000000000000000000000000000000000002"
	client := &fakeClient{latest: 5, balanceOK: true, balances: map[string]*big.Int{addrA: big.NewInt(7)}}
	o := newObserver(client, memory.New(), nil, &recordingSink{}, Config{})
	o.Watch(addrA, eth)
	o.Watch(empty, eth)

	if err := o.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(client.scanned) != 1 || len(client.scanned[0]) != 1 || client.scanned[0][0] != addrA {
		t.Fatalf("expected only funded address scanned, got %v", client.scanned)
	}
}

func TestLaggingBalanceNodeHoldsCursor(t *testing.T) {
	ctx := context.Background()
	oneConf := eth
	oneConf.Confirmations = 1
	client := &fakeClient{
		latest:      10,
		balanceOK:   true,
		balanceHead: 9,
		balances:    map[string]*big.Int{addrA: big.NewInt(5)},
		fundedAt:    map[string]int64{addrA: 10},
		transfers:   []chain.Transfer{{TxHash: "0xdep", To: addrA, Amount: big.NewInt(5), Height: 10}},
	}
	st := memory.New()
	_ = st.SetCursor(ctx, "ethereum", 9)
	sink := &recordingSink{}
	o := newObserver(client, st, nil, sink, Config{})
	o.Watch(addrA, oneConf)

	if err := o.Poll(ctx); err == nil {
		t.Fatalf("expected tick to fail while the balance node lags")
	}
	if o.Cursor() != 9 {
		t.Fatalf("cursor moved to %d past an unscanned block", o.Cursor())
	}

	client.mu.Lock()
	client.balanceHead = 0
	client.latest = 11
	client.mu.Unlock()
	if err := o.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	finals := sink.finals()
	if len(finals) != 1 || finals[0].TxHash != "0xdep" || finals[0].Height != 10 {
		t.Fatalf("deposit at height 10 not reported: %+v", sink.reports)
	}
	if o.Cursor() != 11 {
		t.Fatalf("cursor = %d, want 11", o.Cursor())
	}
}

func TestRefreshFromPendingOrders(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{latest: 5}
	source := &staticSource{orders: []*models.Order{{OrderID: "o1", Currency: "ETH", DepositAddress: addrA}}}
	o := newObserver(client, memory.New(), source, &recordingSink{}, Config{})

	if err := o.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if !o.Watching(addrA) {
		t.Fatalf("pending order address not watched")
	}

	source.err = errors.New("db down")
	if err := o.Poll(ctx); err == nil {
		t.Fatalf("expected refresh error")
	}
	if !o.Watching(addrA) {
		t.Fatalf("target removed on transient error")
	}

	source.err = nil
	source.orders = nil
	_ = o.Poll(ctx)
	if o.Watching(addrA) {
		t.Fatalf("terminal order still watched")
	}
}

func TestManualWatchSurvivesRefresh(t *testing.T) {
	ctx := context.Background()
	source := &staticSource{orders: []*models.Order{{OrderID: "o1", Currency: "ETH", DepositAddress: addrA}}}
	o := newObserver(&fakeClient{latest: 5}, memory.New(), source, &recordingSink{}, Config{})
	o.Watch(addrA, eth)

	if err := o.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	source.orders = nil
	if err := o.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if !o.Watching(addrA) {
		t.Fatalf("manually watched address dropped by refresh")
	}
	o.Unwatch(addrA)
	if o.Watching(addrA) {
		t.Fatalf("address still watched after Unwatch")
	}
}

func TestUnwatch(t *testing.T) {
	o := newObserver(&fakeClient{}, memory.New(), nil, &recordingSink{}, Config{})
	o.Watch(addrA, eth)
	o.Unwatch(addrA)
	if o.Watching(addrA) {
		t.Fatalf("address still watched")
	}
}

func TestRunBacksOffAndRaisesAlert(t *testing.T) {
	core, logs := zapobserver.New(zapcore.InfoLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	st := memory.New()
	client := &fakeClient{fail: errors.New("connection refused")}
	o := New(Config{Chain: "ethereum", StartHeight: 1, Interval: time.Millisecond, BackoffMin: time.Millisecond, BackoffMax: 4 * time.Millisecond, AlertAfter: 3},
		client, st, nil, &recordingSink{}, []currency.Currency{eth}, zap.New(core), m)
	o.Watch(addrA, eth)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("chain observer degraded: rpc failing persistently").Len() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("degraded alert never raised")
		}
		time.Sleep(time.Millisecond)
	}
	if got := testutil.ToFloat64(m.ObserverDegraded.WithLabelValues("ethereum")); got != 1 {
		t.Fatalf("degraded gauge = %v", got)
	}
	if !o.Watching(addrA) {
		t.Fatalf("target dropped during outage")
	}

	client.mu.Lock()
	client.fail = nil
	client.latest = 10
	client.mu.Unlock()

	for logs.FilterMessage("observer recovered").Len() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("observer never recovered")
		}
		time.Sleep(time.Millisecond)
	}
	// read while Run is still polling
	for o.Cursor() != 8 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("cursor = %d while running, want 8", o.Cursor())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if h, ok, _ := st.GetCursor(context.Background(), "ethereum"); !ok || h != 8 {
		t.Fatalf("flushed cursor = %d (%v), want 8", h, ok)
	}
}

func TestBackoffBounds(t *testing.T) {
	o := newObserver(&fakeClient{}, memory.New(), nil, &recordingSink{}, Config{BackoffMin: time.Second, BackoffMax: 60 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		o.failures = i + 1
		if got := o.backoff(); got != w {
			t.Errorf("failures=%d backoff=%v want %v", i+1, got, w)
		}
	}
}
