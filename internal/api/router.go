package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/campuseats/ordering/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.instrument)

	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	r.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	r.HandleFunc("/accounts/{id}/entries", h.GetAccountEntriesHandler).Methods("GET")
	r.HandleFunc("/accounts/{id}/orders", h.ListAccountOrdersHandler).Methods("GET")
	r.HandleFunc("/accounts/{id}/purchases", h.PurchaseHandler).Methods("POST")

	r.HandleFunc("/orders", h.CreateOrderHandler).Methods("POST")
	r.HandleFunc("/orders/preview", h.PreviewOrderHandler).Methods("POST")
	r.HandleFunc("/orders/{id}", h.GetOrderHandler).Methods("GET")
	r.HandleFunc("/orders/{id}/calls", h.ListCallsHandler).Methods("GET")
	r.HandleFunc("/orders/{id}/promotion-cost", h.GetPromotionCostHandler).Methods("GET")
	r.HandleFunc("/orders/{id}/pos-status", h.POSStatusHandler).Methods("GET")

	r.HandleFunc("/restaurants", h.CreateRestaurantHandler).Methods("POST")
	r.HandleFunc("/restaurants/{id}", h.GetRestaurantHandler).Methods("GET")
	r.HandleFunc("/restaurants/{id}/orders", h.ListRestaurantOrdersHandler).Methods("GET")
	r.HandleFunc("/restaurants/{id}/orders/{orderID}/accept", h.AcceptOrderHandler).Methods("POST")
	r.HandleFunc("/restaurants/{id}/orders/{orderID}/reject", h.RejectOrderHandler).Methods("POST")
	r.HandleFunc("/restaurants/{id}/orders/{orderID}/complete", h.CompleteOrderHandler).Methods("POST")
	r.HandleFunc("/restaurants/{id}/orders/{orderID}/calls/retry", h.RetryCallHandler).Methods("POST")
	r.HandleFunc("/restaurants/{id}/promotions", h.GetPromotionsHandler).Methods("GET")
	r.HandleFunc("/restaurants/{id}/promotions", h.PutPromotionsHandler).Methods("PUT")
	r.HandleFunc("/restaurants/{id}/pos/menu-sync", h.SyncMenuHandler).Methods("POST")

	r.HandleFunc("/admin/accounts/{id}/credits", h.AdminCreditHandler).Methods("POST")
	r.HandleFunc("/admin/accounts/{id}/reconcile", h.ReconcileHandler).Methods("GET")
	r.HandleFunc("/admin/orders/{id}/refund", h.RefundHandler).Methods("POST")

	r.HandleFunc("/webhooks/payments", h.PaymentWebhookHandler).Methods("POST")

	r.HandleFunc("/ivr/orders/{id}/script", h.IVRScriptHandler).Methods("GET", "POST")
	r.HandleFunc("/ivr/orders/{id}/response", h.IVRResponseHandler).Methods("POST")
	r.HandleFunc("/ivr/orders/{id}/timeout", h.IVRTimeoutHandler).Methods("POST")
	r.HandleFunc("/ivr/status", h.CallStatusHandler).Methods("POST")

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

var tracer = otel.Tracer("github.com/campuseats/ordering/internal/api")

// instrument records request metrics under the route template, continues
// any incoming trace and logs each request.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+endpoint,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", endpoint),
			))
		defer span.End()

		timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		timer.ObserveDuration()
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("endpoint", endpoint),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
