// Package observer watches deposit addresses on one chain and reports
// incoming transfers to a Sink, tentatively until they reach the currency's
// confirmation threshold and then once as final.
package observer

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"EPaymentGateway/internal/chain"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/metrics"
	"EPaymentGateway/internal/models"

	"go.uber.org/zap"
)

// Report is one sighting of a transfer into a watched address.
type Report struct {
	Chain         string
	Address       string
	Currency      string
	TxHash        string
	From          string
	Amount        *big.Int
	Height        int64
	BlockTime     time.Time
	Confirmations int
	Required      int
	Final         bool
}

type Sink interface {
	HandleReport(ctx context.Context, r Report) error
}

// CursorStore persists the per-chain scan position and the set of transfers
// already reported as final.
type CursorStore interface {
	GetCursor(ctx context.Context, chain string) (int64, bool, error)
	SetCursor(ctx context.Context, chain string, height int64) error
	IsFinalReported(ctx context.Context, chain, address, txHash string) (bool, error)
	MarkFinalReported(ctx context.Context, chain, address, txHash string) error
}

// TargetSource lists the pending orders whose addresses must be watched.
type TargetSource interface {
	PendingForChain(ctx context.Context, chain string) ([]*models.Order, error)
}

type Config struct {
	Chain            string
	Interval         time.Duration
	StartHeight      int64
	RewindBlocks     int64
	MaxBlocksPerTick int64
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	// AlertAfter consecutive failed ticks marks the observer degraded.
	AlertAfter int
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.MaxBlocksPerTick <= 0 {
		c.MaxBlocksPerTick = 50
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 60 * time.Second
		if c.BackoffMax < c.BackoffMin {
			c.BackoffMax = c.BackoffMin
		}
	}
	if c.AlertAfter <= 0 {
		c.AlertAfter = 5
	}
}

type target struct {
	address  string
	currency currency.Currency
	// sourced targets are dropped once they stop appearing as pending.
	sourced bool
}

type Observer struct {
	cfg        Config
	client     chain.Client
	store      CursorStore
	source     TargetSource
	sink       Sink
	currencies map[string]currency.Currency
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	targets map[string]target

	// tick state, owned by the goroutine running Poll
	cursor    int64
	loaded    bool
	dirty     bool
	noBalance bool
	failures  int
	nudge     chan struct{}

	// published mirrors cursor for readers outside the polling goroutine.
	published atomic.Int64
}

// New builds an observer for cfg.Chain. currencies are the ones settled on
// that chain.
func New(cfg Config, client chain.Client, store CursorStore, source TargetSource, sink Sink, currencies []currency.Currency, logger *zap.Logger, m *metrics.Metrics) *Observer {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Observer{
		cfg:        cfg,
		client:     client,
		store:      store,
		source:     source,
		sink:       sink,
		currencies: make(map[string]currency.Currency, len(currencies)),
		logger:     logger.With(zap.String("chain", cfg.Chain)),
		metrics:    m,
		targets:    map[string]target{},
		nudge:      make(chan struct{}, 1),
	}
	for _, c := range currencies {
		o.currencies[c.Symbol] = c
	}
	return o
}

func (o *Observer) Chain() string { return o.cfg.Chain }

// Watch adds address to the working set until Unwatch. Pending orders are
// registered the same way by each tick's refresh, but as sourced targets
// that drop out once the order leaves pending.
func (o *Observer) Watch(address string, cur currency.Currency) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watchLocked(address, cur, false)
	o.metrics.RecordWatched(o.cfg.Chain, len(o.targets))
}

func (o *Observer) watchLocked(address string, cur currency.Currency, sourced bool) {
	k := strings.ToLower(address)
	if existing, ok := o.targets[k]; ok && sourced && !existing.sourced {
		return
	}
	o.targets[k] = target{address: address, currency: cur, sourced: sourced}
}

// Unwatch removes address. It is safe to call while a poll is in flight; a
// report raced by it is treated as a no-op downstream.
func (o *Observer) Unwatch(address string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.targets, strings.ToLower(address))
	o.metrics.RecordWatched(o.cfg.Chain, len(o.targets))
}

func (o *Observer) Watching(address string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.targets[strings.ToLower(address)]
	return ok
}

// Nudge asks Run to poll now, e.g. on a new block head.
func (o *Observer) Nudge() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

func (o *Observer) snapshot() map[string]target {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]target, len(o.targets))
	for k, v := range o.targets {
		out[k] = v
	}
	return out
}

// refresh merges the pending orders of the chain into the working set and
// drops sourced targets that are no longer pending. On error the set is left
// unchanged.
func (o *Observer) refresh(ctx context.Context) error {
	if o.source == nil {
		return nil
	}
	orders, err := o.source.PendingForChain(ctx, o.cfg.Chain)
	if err != nil {
		return err
	}
	pending := make(map[string]target, len(orders))
	for _, ord := range orders {
		cur, ok := o.currencies[ord.Currency]
		if !ok {
			o.logger.Warn("pending order has a currency this chain does not settle",
				zap.String("order_id", ord.OrderID), zap.String("currency", ord.Currency))
			continue
		}
		pending[strings.ToLower(ord.DepositAddress)] = target{address: ord.DepositAddress, currency: cur}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for k, t := range o.targets {
		if _, ok := pending[k]; !ok && t.sourced {
			delete(o.targets, k)
		}
	}
	for _, t := range pending {
		o.watchLocked(t.address, t.currency, true)
	}
	o.metrics.RecordWatched(o.cfg.Chain, len(o.targets))
	return nil
}

func (o *Observer) maxConfirmations(targets map[string]target) int {
	n := 1
	for _, c := range o.currencies {
		if c.Confirmations > n {
			n = c.Confirmations
		}
	}
	for _, t := range targets {
		if t.currency.Confirmations > n {
			n = t.currency.Confirmations
		}
	}
	return n
}

func (o *Observer) loadCursor(ctx context.Context, latest int64) error {
	if o.loaded {
		return nil
	}
	h, ok, err := o.store.GetCursor(ctx, o.cfg.Chain)
	if err != nil {
		return err
	}
	switch {
	case ok && o.cfg.RewindBlocks > 0:
		h -= o.cfg.RewindBlocks
	case !ok && o.cfg.StartHeight > 0:
		h = o.cfg.StartHeight - 1
	case !ok:
		h = latest - o.cfg.RewindBlocks
	}
	if h < 0 {
		h = 0
	}
	o.cursor = h
	o.published.Store(h)
	o.loaded = true
	o.logger.Info("observer cursor loaded", zap.Int64("cursor", h), zap.Bool("persisted", ok))
	return nil
}

// Poll runs one observation tick.
func (o *Observer) Poll(ctx context.Context) error {
	// Head before targets: an address issued after the refresh cannot have a
	// deposit at or below this height.
	latest, err := o.client.LatestHeight(ctx)
	if err != nil {
		return err
	}
	if err := o.refresh(ctx); err != nil {
		return err
	}
	if err := o.loadCursor(ctx, latest); err != nil {
		return err
	}

	targets := o.snapshot()
	from := o.cursor + 1
	if from > latest {
		return nil
	}
	to := from + o.cfg.MaxBlocksPerTick - 1
	if to > latest {
		to = latest
	}
	safe := latest - int64(o.maxConfirmations(targets)) + 1

	addresses, err := o.scanSet(ctx, targets, to)
	if err != nil {
		return err
	}

	handled := true
	if len(addresses) > 0 {
		transfers, err := o.client.TransfersTo(ctx, addresses, from, to)
		if err != nil {
			return err
		}
		sort.SliceStable(transfers, func(i, j int) bool { return transfers[i].Height < transfers[j].Height })
		for _, tr := range transfers {
			t, ok := targets[strings.ToLower(tr.To)]
			if !ok {
				continue
			}
			if !o.emit(ctx, t, tr, latest) {
				handled = false
			}
		}
	}

	next := to
	if safe < next {
		next = safe
	}
	if handled && next > o.cursor {
		o.cursor = next
		o.published.Store(next)
		o.dirty = true
		o.metrics.RecordCursor(o.cfg.Chain, next)
	}
	if !handled {
		o.logger.Warn("final report not handled; cursor held", zap.Int64("cursor", o.cursor))
	}
	if o.dirty {
		if err := o.store.SetCursor(ctx, o.cfg.Chain, o.cursor); err != nil {
			o.logger.Warn("persist cursor failed", zap.Error(err))
		} else {
			o.dirty = false
		}
	}
	o.logger.Debug("observer tick",
		zap.Int64("from", from), zap.Int64("to", to), zap.Int64("latest", latest),
		zap.Int("targets", len(targets)), zap.Int("scanned", len(addresses)))
	return nil
}

// scanSet drops addresses whose balance is zero as of height when the client
// can answer balance queries. The balance is pinned to the scanned range so a
// node that lags the head fails the tick instead of hiding a deposit.
func (o *Observer) scanSet(ctx context.Context, targets map[string]target, height int64) ([]string, error) {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if o.noBalance {
			out = append(out, t.address)
			continue
		}
		bal, err := o.client.Balance(ctx, t.address, height)
		if errors.Is(err, chain.ErrUnsupported) {
			o.noBalance = true
			out = append(out, t.address)
			continue
		}
		if err != nil {
			return nil, err
		}
		if bal.Sign() > 0 {
			out = append(out, t.address)
		}
	}
	sort.Strings(out)
	return out, nil
}

// emit reports tr and returns false when a final report could not be
// handled and recorded.
func (o *Observer) emit(ctx context.Context, t target, tr chain.Transfer, latest int64) bool {
	conf := int(latest - tr.Height + 1)
	if conf < 0 {
		conf = 0
	}
	required := t.currency.Confirmations
	final := conf >= required

	log := o.logger.With(zap.String("address", t.address), zap.String("tx_hash", tr.TxHash))
	if final {
		done, err := o.store.IsFinalReported(ctx, o.cfg.Chain, t.address, tr.TxHash)
		if err != nil {
			log.Warn("dedupe lookup failed", zap.Error(err))
			return false
		}
		if done {
			return true
		}
	}

	r := Report{
		Chain:         o.cfg.Chain,
		Address:       t.address,
		Currency:      t.currency.Symbol,
		TxHash:        tr.TxHash,
		From:          tr.From,
		Amount:        tr.Amount,
		Height:        tr.Height,
		BlockTime:     tr.BlockTime,
		Confirmations: conf,
		Required:      required,
		Final:         final,
	}
	if err := o.sink.HandleReport(ctx, r); err != nil {
		log.Warn("report not handled", zap.Bool("final", final), zap.Error(err))
		return !final
	}
	o.metrics.RecordReport(o.cfg.Chain, final)
	if !final {
		return true
	}
	if err := o.store.MarkFinalReported(ctx, o.cfg.Chain, t.address, tr.TxHash); err != nil {
		log.Warn("mark final reported failed", zap.Error(err))
		return false
	}
	log.Info("final deposit reported", zap.String("amount", tr.Amount.String()), zap.Int("confirmations", conf))
	return true
}

// Run polls until ctx is done, backing off exponentially while ticks fail,
// then flushes the cursor.
func (o *Observer) Run(ctx context.Context) {
	o.logger.Info("observer started", zap.Duration("interval", o.cfg.Interval))
	defer o.flush()

	for {
		delay := o.cfg.Interval
		if err := o.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.failures++
			o.metrics.RecordObserverHealth(o.cfg.Chain, o.failures, o.cfg.AlertAfter)
			delay = o.backoff()
			fields := []zap.Field{zap.Int("consecutive_failures", o.failures), zap.Duration("retry_in", delay), zap.Error(err)}
			if o.failures == o.cfg.AlertAfter {
				o.logger.Error("chain observer degraded: rpc failing persistently", fields...)
			} else {
				o.logger.Warn("observer tick failed", fields...)
			}
		} else if o.failures > 0 {
			o.logger.Info("observer recovered", zap.Int("after_failures", o.failures))
			o.failures = 0
			o.metrics.RecordObserverHealth(o.cfg.Chain, 0, o.cfg.AlertAfter)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-o.nudge:
			timer.Stop()
			if o.failures > 0 {
				// a head notification does not cut a backoff short
				if !waitCtx(ctx, delay) {
					return
				}
			}
		}
	}
}

func (o *Observer) backoff() time.Duration {
	d := o.cfg.BackoffMin
	for i := 1; i < o.failures; i++ {
		d *= 2
		if d >= o.cfg.BackoffMax {
			return o.cfg.BackoffMax
		}
	}
	return d
}

// flush persists the in-memory cursor.
func (o *Observer) flush() {
	if !o.loaded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SetCursor(ctx, o.cfg.Chain, o.cursor); err != nil {
		o.logger.Error("flush cursor failed", zap.Int64("cursor", o.cursor), zap.Error(err))
		return
	}
	o.dirty = false
	o.logger.Info("observer stopped", zap.Int64("cursor", o.cursor))
}

// Cursor returns the last height fully processed. It is safe to call while
// Run is polling.
func (o *Observer) Cursor() int64 { return o.published.Load() }

func waitCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
