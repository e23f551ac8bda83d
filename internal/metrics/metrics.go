package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's collectors. A nil *Metrics records nothing.
type Metrics struct {
	OrdersCreatedTotal    *prometheus.CounterVec
	OrderTransitionsTotal *prometheus.CounterVec
	SweepTransitionsTotal prometheus.Counter

	// Chain observer
	ObserverReportsTotal        *prometheus.CounterVec
	ObserverRPCFailuresTotal    *prometheus.CounterVec
	ObserverConsecutiveFailures *prometheus.GaugeVec
	ObserverDegraded            *prometheus.GaugeVec
	ObserverCursorHeight        *prometheus.GaugeVec
	ObserverWatchedAddresses    *prometheus.GaugeVec

	NotificationsRelayedTotal *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector on reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersCreatedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_created_total",
				Help: "Orders created, by currency",
			},
			[]string{"currency"},
		),
		OrderTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_transitions_total",
				Help: "Terminal order transitions applied, by status and cause",
			},
			[]string{"status", "cause"},
		),
		SweepTransitionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sweep_transitions_total",
				Help: "Orders moved out of pending by the expiry sweep",
			},
		),
		ObserverReportsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "observer_reports_total",
				Help: "Deposit reports emitted, by chain and kind (tentative/final)",
			},
			[]string{"chain", "kind"},
		),
		ObserverRPCFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "observer_rpc_failures_total",
				Help: "Failed observer ticks, by chain",
			},
			[]string{"chain"},
		),
		ObserverConsecutiveFailures: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "observer_consecutive_failures",
				Help: "Consecutive failed observer ticks, by chain",
			},
			[]string{"chain"},
		),
		ObserverDegraded: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "observer_degraded",
				Help: "1 while the chain observer is failing persistently",
			},
			[]string{"chain"},
		),
		ObserverCursorHeight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "observer_cursor_height",
				Help: "Last block height fully processed, by chain",
			},
			[]string{"chain"},
		),
		ObserverWatchedAddresses: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "observer_watched_addresses",
				Help: "Deposit addresses currently watched, by chain",
			},
			[]string{"chain"},
		),
		NotificationsRelayedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_relayed_total",
				Help: "Outbox deliveries attempted, by result",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) RecordOrderCreated(currency string) {
	if m == nil {
		return
	}
	m.OrdersCreatedTotal.WithLabelValues(currency).Inc()
}

func (m *Metrics) RecordTransition(status, cause string) {
	if m == nil {
		return
	}
	m.OrderTransitionsTotal.WithLabelValues(status, cause).Inc()
}

func (m *Metrics) RecordSweep(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepTransitionsTotal.Add(float64(n))
}

func (m *Metrics) RecordReport(chain string, final bool) {
	if m == nil {
		return
	}
	kind := "tentative"
	if final {
		kind = "final"
	}
	m.ObserverReportsTotal.WithLabelValues(chain, kind).Inc()
}

// RecordObserverHealth tracks the failure streak and raises the degraded
// gauge once it reaches alertAfter.
func (m *Metrics) RecordObserverHealth(chain string, consecutive, alertAfter int) {
	if m == nil {
		return
	}
	if consecutive > 0 {
		m.ObserverRPCFailuresTotal.WithLabelValues(chain).Inc()
	}
	m.ObserverConsecutiveFailures.WithLabelValues(chain).Set(float64(consecutive))
	degraded := 0.0
	if alertAfter > 0 && consecutive >= alertAfter {
		degraded = 1
	}
	m.ObserverDegraded.WithLabelValues(chain).Set(degraded)
}

func (m *Metrics) RecordCursor(chain string, height int64) {
	if m == nil {
		return
	}
	m.ObserverCursorHeight.WithLabelValues(chain).Set(float64(height))
}

func (m *Metrics) RecordWatched(chain string, n int) {
	if m == nil {
		return
	}
	m.ObserverWatchedAddresses.WithLabelValues(chain).Set(float64(n))
}

func (m *Metrics) RecordRelay(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.NotificationsRelayedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}
