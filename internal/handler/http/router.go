package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promoflow/promoflow/pkg/health"
	"github.com/promoflow/promoflow/pkg/middleware"
)

// RouterConfig carries everything the router mounts.
type RouterConfig struct {
	Promotions *PromotionHandler
	Admin      *AdminHandler
	Health     *health.Handler
	Metrics    *middleware.HTTPMetrics
	Gatherer   prometheus.Gatherer
	CORS       middleware.CORSConfig
	Timeout    time.Duration
	Logger     *slog.Logger
}

// NewRouter creates a chi router with all promoflow routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestLogging(cfg.Logger))
	r.Use(middleware.Tracing())
	r.Use(middleware.RequestLogger(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Handler)
	}
	r.Use(chimw.Timeout(cfg.Timeout))

	// Health check endpoints
	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Get("/promotions", cfg.Promotions.ListPromotions)

		r.Route("/merchants/{merchantID}/promotions", func(r chi.Router) {
			r.Use(middleware.MerchantScope(cfg.Logger, "merchantID"))

			r.Get("/", cfg.Promotions.ListMerchantPromotions)
			r.Post("/{promotionKey}/activate", cfg.Promotions.Activate)
			r.Post("/{promotionKey}/deactivate", cfg.Promotions.Deactivate)
			r.Delete("/{promotionKey}", cfg.Promotions.Deactivate)
		})

		if cfg.Admin != nil {
			r.Post("/admin/reconcile", cfg.Admin.Reconcile)
		}
	})

	return r
}

// ContentTypeJSON marks every API response as JSON, including the ones chi
// writes itself for 404 and 405.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
