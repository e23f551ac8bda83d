package reconciler_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/models"
	"EPaymentGateway/internal/observer"
	"EPaymentGateway/internal/payments"
	"EPaymentGateway/internal/reconciler"
	"EPaymentGateway/internal/services"
	"EPaymentGateway/internal/store/memory"
	"EPaymentGateway/internal/vault"
)

const testKEK = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(d time.Duration) {
	c.mu.Lock()
	c.now = t0.Add(d)
	c.mu.Unlock()
}

type fakeWatcher struct {
	mu      sync.Mutex
	removed map[string]int
}

func (w *fakeWatcher) Unwatch(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed[address]++
}

func (w *fakeWatcher) count(address string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removed[address]
}

type env struct {
	st      *memory.Store
	ledger  *ledger.Ledger
	rec     *reconciler.Reconciler
	orders  *services.OrderService
	clock   *clock
	watcher *fakeWatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithRepo(t, nil)
}

// newEnvWithRepo lets a test wrap the memory store the ledger writes to.
func newEnvWithRepo(t *testing.T, wrap func(*memory.Store) ledger.Repository) *env {
	t.Helper()
	reg, err := currency.NewRegistry([]currency.Currency{
		{Symbol: "ETH", Chain: "ethereum", Family: currency.FamilyEVM, Decimals: 18, Confirmations: 12},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	st := memory.New()
	clk := &clock{now: t0}
	var repo ledger.Repository = st
	if wrap != nil {
		repo = wrap(st)
	}
	l := ledger.New(repo, nil, nil)
	l.Now = clk.Now
	v, err := vault.New(vault.Config{KEK: testKEK, KeyID: "k1", Audit: st})
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	rec := reconciler.New(l, reg, payments.Policy{ConfirmationGrace: 10 * time.Minute, ObservationLag: 45 * time.Second}, nil, nil)
	w := &fakeWatcher{removed: map[string]int{}}
	rec.AddWatcher("ethereum", w)
	return &env{
		st:      st,
		ledger:  l,
		rec:     rec,
		orders:  &services.OrderService{Ledger: l, Vault: v, Currencies: reg},
		clock:   clk,
		watcher: w,
	}
}

func (e *env) createOrder(t *testing.T, amount string) *models.Order {
	t.Helper()
	ttl := 30
	o, err := e.orders.CreateOrder(context.Background(), "merchant-1", amount, "ETH", &ttl)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func report(o *models.Order, tx, amount string, at time.Time, conf int) observer.Report {
	v, _ := new(big.Int).SetString(amount, 10)
	return observer.Report{
		Chain:         "ethereum",
		Address:       o.DepositAddress,
		Currency:      "ETH",
		TxHash:        tx,
		Amount:        v,
		Height:        100,
		BlockTime:     at,
		Confirmations: conf,
		Required:      12,
		Final:         conf >= 12,
	}
}

func (e *env) status(t *testing.T, id string) *models.Order {
	t.Helper()
	o, err := e.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o
}

func TestFinalReportPaysOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t, "1.5")

	e.clock.Set(10 * time.Minute)
	at := t0.Add(9 * time.Minute)
	if err := e.rec.HandleReport(ctx, report(o, "0xabc", "1500000000000000000", at, 12)); err != nil {
		t.Fatalf("handle report: %v", err)
	}
	got := e.status(t, o.OrderID)
	if got.Status != models.OrderPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
	if got.TxHash == nil || *got.TxHash != "0xabc" || got.PaidAt == nil || !got.PaidAt.Equal(at) {
		t.Fatalf("paid fields not recorded: %+v", got)
	}
	if got.Confirmations != 12 || got.SurplusBase != "0" {
		t.Fatalf("confirmations=%d surplus=%s", got.Confirmations, got.SurplusBase)
	}
	if e.watcher.count(o.DepositAddress) != 1 {
		t.Fatalf("paid order not unwatched")
	}
	notes := e.st.Notifications()
	if len(notes) != 1 || notes[0].Status != models.OrderPaid || notes[0].OrderID != o.OrderID {
		t.Fatalf("expected one paid notification, got %+v", notes)
	}
}

func TestOverpaymentRecordsSurplus(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t, "1.5")
	e.clock.Set(5 * time.Minute)
	_ = e.rec.HandleReport(context.Background(), report(o, "0xabc", "2000000000000000000", t0.Add(4*time.Minute), 15))
	got := e.status(t, o.OrderID)
	if got.Status != models.OrderPaid || got.SurplusBase != "500000000000000000" {
		t.Fatalf("status=%s surplus=%s", got.Status, got.SurplusBase)
	}
}

func TestTentativeReportKeepsPending(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t, "1.5")
	e.clock.Set(5 * time.Minute)
	_ = e.rec.HandleReport(context.Background(), report(o, "0xabc", "1500000000000000000", t0.Add(4*time.Minute), 3))

	d, err := e.orders.GetOrderDetails(context.Background(), "merchant-1", o.OrderID)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if d.Order.Status != models.OrderPending || !d.AwaitingConfirmation || d.Order.Confirmations != 3 || d.RequiredConfirmations != 12 {
		t.Fatalf("unexpected details %+v / %+v", d, d.Order)
	}
}

func TestSweepExpiresUnpaidOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t, "1.5")

	e.clock.Set(29 * time.Minute)
	if n, err := e.rec.SweepExpiredOrders(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	e.clock.Set(31 * time.Minute)
	n, err := e.rec.SweepExpiredOrders(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	if got := e.status(t, o.OrderID); got.Status != models.OrderExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if n, err := e.rec.SweepExpiredOrders(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v; want 0", n, err)
	}
	if e.watcher.count(o.DepositAddress) != 1 {
		t.Fatalf("expired order not unwatched")
	}
}

func TestUnderpaymentFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t, "1.5")

	e.clock.Set(10 * time.Minute)
	_ = e.rec.HandleReport(ctx, report(o, "0xabc", "1000000000000000000", t0.Add(9*time.Minute), 12))
	if got := e.status(t, o.OrderID); got.Status != models.OrderPending {
		t.Fatalf("underpaid order left pending early: %s", got.Status)
	}

	e.clock.Set(31 * time.Minute)
	if n, _ := e.rec.SweepExpiredOrders(ctx); n != 1 {
		t.Fatalf("sweep count = %d", n)
	}
	got := e.status(t, o.OrderID)
	if got.Status != models.OrderFailed || got.FailureReason == nil || *got.FailureReason != models.CauseUnderpaid {
		t.Fatalf("expected failed/underpaid, got %s", got.Status)
	}
	if got.ReceivedBase != "1000000000000000000" {
		t.Fatalf("received = %s", got.ReceivedBase)
	}
}

func TestPaymentWinsConcurrentSweep(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := newEnv(t)
		ctx := context.Background()
		o := e.createOrder(t, "1.5")
		at := t0.Add(29 * time.Minute)

		e.clock.Set(29*time.Minute + 30*time.Second)
		_ = e.rec.HandleReport(ctx, report(o, "0xabc", "1500000000000000000", at, 2))

		e.clock.Set(31 * time.Minute)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := e.rec.HandleReport(ctx, report(o, "0xabc", "1500000000000000000", at, 12)); err != nil {
				t.Errorf("handle report: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := e.rec.SweepExpiredOrders(ctx); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
		wg.Wait()

		got := e.status(t, o.OrderID)
		if got.Status != models.OrderPaid {
			t.Fatalf("run %d: status = %s, want paid", i, got.Status)
		}
		if n := len(e.st.Notifications()); n != 1 {
			t.Fatalf("run %d: %d notifications, want 1", i, n)
		}
	}
}

// depositBeforeExpiry runs hook once, right before the first expired
// transition reaches the store.
type depositBeforeExpiry struct {
	*memory.Store
	once sync.Once
	hook func()
}

func (r *depositBeforeExpiry) ApplyTransition(ctx context.Context, req *models.TransitionRequest) error {
	if req.To == models.OrderExpired && r.hook != nil {
		r.once.Do(r.hook)
	}
	return r.Store.ApplyTransition(ctx, req)
}

func TestFinalDepositBetweenSweepReadAndWriteWins(t *testing.T) {
	repo := &depositBeforeExpiry{}
	e := newEnvWithRepo(t, func(st *memory.Store) ledger.Repository {
		repo.Store = st
		return repo
	})
	ctx := context.Background()
	o := e.createOrder(t, "1.5")
	at := t0.Add(29 * time.Minute)
	final := report(o, "0xabc", "1500000000000000000", at, 12)

	// the sweep has already read zero deposits when this lands
	repo.hook = func() {
		err := e.ledger.RecordDeposit(ctx, &models.Deposit{
			OrderID:       o.OrderID,
			TxHash:        final.TxHash,
			AmountBase:    final.Amount.String(),
			BlockHeight:   final.Height,
			BlockTime:     &at,
			Confirmations: final.Confirmations,
			Final:         true,
		})
		if err != nil {
			t.Errorf("record deposit: %v", err)
		}
	}

	e.clock.Set(31 * time.Minute)
	n, err := e.rec.SweepExpiredOrders(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	if err := e.rec.HandleReport(ctx, final); err != nil {
		t.Fatalf("handle report: %v", err)
	}

	got := e.status(t, o.OrderID)
	if got.Status != models.OrderPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
	if got.TxHash == nil || *got.TxHash != "0xabc" {
		t.Fatalf("tx hash = %v", got.TxHash)
	}
	if n := len(e.st.Notifications()); n != 1 {
		t.Fatalf("%d notifications, want 1", n)
	}
	transitions, _ := e.st.ListTransitions(ctx, o.OrderID)
	if last := transitions[len(transitions)-1]; last.Cause != models.CauseExpiryPaid {
		t.Fatalf("cause = %s", last.Cause)
	}
}

func TestDeferredThenExpiredAfterGrace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t, "1.5")
	e.clock.Set(29 * time.Minute)
	_ = e.rec.HandleReport(ctx, report(o, "0xabc", "1500000000000000000", t0.Add(29*time.Minute), 1))

	e.clock.Set(35 * time.Minute)
	if n, _ := e.rec.SweepExpiredOrders(ctx); n != 0 {
		t.Fatalf("order with unconfirmed covering deposit expired inside grace")
	}
	e.clock.Set(41 * time.Minute)
	if n, _ := e.rec.SweepExpiredOrders(ctx); n != 1 {
		t.Fatalf("order not expired after grace")
	}
	if got := e.status(t, o.OrderID); got.Status != models.OrderExpired {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestLateReportForTerminalOrderIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t, "1.5")
	e.clock.Set(31 * time.Minute)
	_, _ = e.rec.SweepExpiredOrders(ctx)

	if err := e.rec.HandleReport(ctx, report(o, "0xlate", "1500000000000000000", t0.Add(20*time.Minute), 12)); err != nil {
		t.Fatalf("late report returned error: %v", err)
	}
	got := e.status(t, o.OrderID)
	if got.Status != models.OrderExpired {
		t.Fatalf("terminal order changed to %s", got.Status)
	}
	if len(e.st.Notifications()) != 1 {
		t.Fatalf("late report enqueued a notification")
	}
	if deps, _ := e.ledger.Deposits(ctx, o.OrderID); len(deps) != 0 {
		t.Fatalf("late report recorded a deposit")
	}
}

func TestInconsistentChainStateFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t, "1.5")
	e.clock.Set(5 * time.Minute)
	_ = e.rec.HandleReport(ctx, report(o, "0xabc", "1000000000000000000", t0.Add(4*time.Minute), 12))
	if err := e.rec.HandleReport(ctx, report(o, "0xabc", "1200000000000000000", t0.Add(4*time.Minute), 13)); err != nil {
		t.Fatalf("handle report: %v", err)
	}
	got := e.status(t, o.OrderID)
	if got.Status != models.OrderFailed || got.FailureReason == nil {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	trail, _ := e.ledger.Transitions(ctx, o.OrderID)
	if trail[len(trail)-1].Cause != models.CauseInconsistent {
		t.Fatalf("unexpected cause %s", trail[len(trail)-1].Cause)
	}
}

func TestFailOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t, "1.5")
	if err := e.rec.FailOrder(ctx, o.OrderID, "vault decryption failed"); err != nil {
		t.Fatalf("fail order: %v", err)
	}
	if got := e.status(t, o.OrderID); got.Status != models.OrderFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if err := e.rec.FailOrder(ctx, o.OrderID, "again"); err != nil {
		t.Fatalf("second fail should be a no-op: %v", err)
	}
}

func TestSweepPagesThroughBacklog(t *testing.T) {
	e := newEnv(t)
	e.rec.SweepBatch = 2
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e.createOrder(t, "0.1")
	}
	e.clock.Set(31 * time.Minute)
	n, err := e.rec.SweepExpiredOrders(ctx)
	if err != nil || n != 5 {
		t.Fatalf("sweep = %d, %v; want 5", n, err)
	}
}

func TestConcurrentSweepsCountOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		e.createOrder(t, "0.1")
	}
	e.clock.Set(31 * time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := e.rec.SweepExpiredOrders(ctx)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 10 {
		t.Fatalf("concurrent sweeps counted %d transitions, want 10", total)
	}
}
