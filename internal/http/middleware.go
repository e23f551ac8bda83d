package http

import (
	"context"
	"net/http"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/metrics"
	"EPaymentGateway/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const APIKeyHeader = "X-Api-Key"

type Authenticator interface {
	Authenticate(ctx context.Context, secret string) (*models.Merchant, error)
}

type ctxKey struct{}

func withMerchant(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, merchantID)
}

// MerchantID returns the authenticated merchant, or "" outside RequireAPIKey.
func MerchantID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (h *Handler) RequireAPIKey(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get(APIKeyHeader)
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing api key"})
				return
			}
			m, err := auth.Authenticate(r.Context(), secret)
			if err != nil {
				if apperr.IsKind(err, apperr.KindAuthorization) {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
					return
				}
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withMerchant(r.Context(), m.MerchantID)))
		})
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+APIKeyHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency by route pattern, so
// order ids do not explode label cardinality.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTP(r.Method, route, status, time.Since(start).Seconds())
		})
	}
}
