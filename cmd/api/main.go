package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"EPaymentGateway/internal/app"
	"EPaymentGateway/internal/auth"
	internalhttp "EPaymentGateway/internal/http"
	"EPaymentGateway/internal/services"

	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	rt, err := app.Load(ctx)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()
	logger := rt.Logger

	v, err := rt.Vault()
	if err != nil {
		logger.Fatal("vault unavailable", zap.Error(err))
	}
	authSvc, err := auth.NewService(rt.Store, logger.Named("auth"))
	if err != nil {
		logger.Fatal("auth service", zap.Error(err))
	}
	orderSvc := &services.OrderService{
		Ledger:     rt.Ledger,
		Vault:      v,
		Currencies: rt.Registry,
		DefaultTTL: rt.Config.OrderTTL(),
		MaxTTL:     rt.Config.MaxOrderTTL(),
		Logger:     logger.Named("orders"),
	}

	h := internalhttp.NewHandler(orderSvc, logger.Named("http"))
	srv := internalhttp.NewServer(h, internalhttp.ServerOptions{
		Auth:       authSvc,
		Metrics:    rt.Metrics,
		Gatherer:   rt.Prom,
		RequestLog: rt.Config.Server.RequestLog,
	})

	httpServer := &http.Server{
		Addr:              rt.Config.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", rt.Config.Server.Addr), zap.Strings("currencies", rt.Registry.Symbols()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("api stopped")
}
