package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"EPaymentGateway/internal/app"
	"EPaymentGateway/internal/notify"
	"EPaymentGateway/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Load(ctx)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()
	logger := rt.Logger

	runtimes, err := worker.Runtimes(rt.Config, rt.Registry, logger.Named("heads"))
	if err != nil {
		logger.Fatal("chain clients", zap.Error(err))
	}
	notifier, closeNotifier, err := rt.Notifier()
	if err != nil {
		logger.Fatal("notifier", zap.Error(err))
	}
	defer closeNotifier()

	relay := notify.NewRelay(rt.Store, notifier, rt.Registry, logger.Named("relay"), rt.Metrics)
	relay.Batch = rt.Config.Notifier.RelayBatch

	w := &worker.Worker{
		Ledger:        rt.Ledger,
		Reconciler:    rt.Reconciler(),
		Relay:         relay,
		Cursors:       rt.Store,
		Registry:      rt.Registry,
		Chains:        runtimes,
		SweepInterval: rt.Config.SweepInterval(),
		RelayInterval: rt.Config.RelayInterval(),
		Logger:        logger.Named("worker"),
		Metrics:       rt.Metrics,
	}

	var metricsServer *http.Server
	if addr := rt.Config.Observer.MetricsAddr; addr != "" {
		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(rt.Prom, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("worker metrics listening", zap.String("addr", addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	w.Run(ctx)

	if metricsServer != nil {
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctxShutdown)
	}
}
