// Package worker supervises the background side of the gateway: one chain
// observer per configured chain, the expiry sweep and the notification
// relay.
package worker

import (
	"context"
	"sync"
	"time"

	"EPaymentGateway/internal/chain"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/metrics"
	"EPaymentGateway/internal/notify"
	"EPaymentGateway/internal/observer"
	"EPaymentGateway/internal/reconciler"

	"go.uber.org/zap"
)

// ChainRuntime is everything needed to observe one chain.
type ChainRuntime struct {
	Observer observer.Config
	Client   chain.Client
	// Heads is optional; it only shortens detection latency.
	Heads *chain.HeadSubscriber
}

type Worker struct {
	Ledger        *ledger.Ledger
	Reconciler    *reconciler.Reconciler
	Relay         *notify.Relay
	Cursors       observer.CursorStore
	Registry      *currency.Registry
	Chains        []ChainRuntime
	SweepInterval time.Duration
	RelayInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics

	observers []*observer.Observer
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

// Observers builds the per-chain observers on first use and registers each
// with the reconciler so terminal orders are unwatched.
func (w *Worker) Observers() []*observer.Observer {
	if w.observers != nil {
		return w.observers
	}
	for _, rt := range w.Chains {
		obs := observer.New(
			rt.Observer,
			rt.Client,
			w.Cursors,
			w.Ledger,
			w.Reconciler,
			w.Registry.ForChain(rt.Observer.Chain),
			w.logger(),
			w.Metrics,
		)
		w.Reconciler.AddWatcher(rt.Observer.Chain, obs)
		w.observers = append(w.observers, obs)
	}
	return w.observers
}

// Run blocks until ctx is done and every loop has drained. Observers flush
// their cursors on the way out.
func (w *Worker) Run(ctx context.Context) {
	observers := w.Observers()
	var wg sync.WaitGroup

	for i, obs := range observers {
		obs := obs
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.Run(ctx)
		}()
		if heads := w.Chains[i].Heads; heads != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				runHeads(ctx, heads, obs)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Reconciler.RunSweeps(ctx, w.SweepInterval)
	}()

	if w.Relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Relay.Run(ctx, w.RelayInterval)
		}()
	}

	w.logger().Info("worker started", zap.Int("chains", len(observers)))
	<-ctx.Done()
	wg.Wait()
	w.logger().Info("worker stopped")
}
