package http

import (
	"net/http"

	"EPaymentGateway/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Router *chi.Mux
}

type ServerOptions struct {
	Auth    Authenticator
	Metrics *metrics.Metrics
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// RequestLog enables chi's access logger (method, path, status only).
	RequestLog bool
}

func NewServer(handler *Handler, opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(cors)
	r.Use(instrument(opts.Metrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/orders", func(r chi.Router) {
		r.Use(handler.RequireAPIKey(opts.Auth))
		r.Post("/", handler.CreateOrder)
		r.Get("/", handler.ListOrders)
		r.Get("/{orderId}", handler.GetOrder)
	})

	return &Server{Router: r}
}
