// Package app assembles the runtime shared by the gateway binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"EPaymentGateway/internal/config"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/db"
	"EPaymentGateway/internal/ledger"
	"EPaymentGateway/internal/logging"
	"EPaymentGateway/internal/metrics"
	"EPaymentGateway/internal/notify"
	"EPaymentGateway/internal/reconciler"
	"EPaymentGateway/internal/store"
	"EPaymentGateway/internal/vault"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// LoadEnv reads .env when present. A missing file is not an error.
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
}

type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Pool     *db.Pool
	Store    *store.Store
	Registry *currency.Registry
	Prom     *prometheus.Registry
	Metrics  *metrics.Metrics
	Ledger   *ledger.Ledger
}

// Load reads configuration, builds the logger and connects to the
// database.
func Load(ctx context.Context) (*Runtime, error) {
	LoadEnv()
	cfg, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("currency registry: %w", err)
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(prom)
	st := store.New(pool)

	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Pool:     pool,
		Store:    st,
		Registry: registry,
		Prom:     prom,
		Metrics:  m,
		Ledger:   ledger.New(st, logger, m),
	}, nil
}

// Vault opens the key vault. A missing or malformed KEK is fatal.
func (rt *Runtime) Vault() (*vault.Vault, error) {
	return vault.New(vault.Config{
		KEK:    rt.Config.Vault.KEK,
		KeyID:  rt.Config.Vault.KeyID,
		Audit:  rt.Store,
		Logger: rt.Logger.Named("vault"),
	})
}

func (rt *Runtime) Reconciler() *reconciler.Reconciler {
	r := reconciler.New(rt.Ledger, rt.Registry, rt.Config.Policy(), rt.Logger.Named("reconciler"), rt.Metrics)
	r.SweepBatch = rt.Config.Settlement.SweepBatch
	return r
}

// Notifier builds the configured notifier. The returned close func must be
// called on shutdown.
func (rt *Runtime) Notifier() (notify.Notifier, func(), error) {
	n := rt.Config.Notifier
	switch n.Driver {
	case config.NotifierKafka:
		k := notify.NewKafkaNotifier(n.Kafka.Brokers, n.Kafka.Topic)
		return k, func() {
			if err := k.Close(); err != nil {
				rt.Logger.Warn("close kafka writer", zap.Error(err))
			}
		}, nil
	case config.NotifierWebhook:
		if n.Webhook.Secret == "" {
			return nil, nil, errors.New("notifier.webhook.secret is required")
		}
		return &notify.WebhookNotifier{
			Merchants: rt.Store,
			Secret:    []byte(n.Webhook.Secret),
			Client:    &http.Client{Timeout: time.Duration(n.Webhook.TimeoutSeconds) * time.Second},
			Logger:    rt.Logger.Named("webhook"),
		}, func() {}, nil
	default:
		return notify.LogNotifier{Logger: rt.Logger.Named("notify")}, func() {}, nil
	}
}

func (rt *Runtime) Close() {
	rt.Pool.Close()
	if err := rt.Logger.Sync(); err != nil && !isIgnorableSyncError(err) {
		log.Printf("sync logger: %v", err)
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "inappropriate ioctl for device") || strings.Contains(msg, "invalid argument")
}
