// Package httpserver wires the HTTP surface: upload intents, credit
// checkout and balance, promo redemption, the four webhook sinks and the
// operational endpoints.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/framehaus/server/internal/appstore"
	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/idempotency"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/metrics"
	"github.com/framehaus/server/internal/promo"
	"github.com/framehaus/server/internal/ratelimit"
	stripesvc "github.com/framehaus/server/internal/stripe"
	"github.com/framehaus/server/internal/uploads"
	"github.com/framehaus/server/internal/webhookauth"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg              *config.Config
	ledger           *ledger.Service
	uploads          *uploads.Service
	stripe           *stripesvc.Client
	appstore         *appstore.Service
	promos           *promo.Resolver
	events           *webhookauth.Dispatcher
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// Options carries the server's dependencies.
type Options struct {
	Config           *config.Config
	Ledger           *ledger.Service
	Uploads          *uploads.Service
	Stripe           *stripesvc.Client
	AppStore         *appstore.Service
	Promos           *promo.Resolver
	Events           *webhookauth.Dispatcher
	IdempotencyStore idempotency.Store
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// New builds the HTTP server with its configured router.
func New(opts Options) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:              opts.Config,
			ledger:           opts.Ledger,
			uploads:          opts.Uploads,
			stripe:           opts.Stripe,
			appstore:         opts.AppStore,
			promos:           opts.Promos,
			events:           opts.Events,
			idempotencyStore: opts.IdempotencyStore,
			metrics:          opts.Metrics,
			logger:           opts.Logger,
		},
		httpServer: &http.Server{
			Addr:         opts.Config.Server.Address,
			ReadTimeout:  opts.Config.Server.ReadTimeout.Duration,
			WriteTimeout: opts.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  opts.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	s.configureRouter(router)
	return s
}

func (h *handlers) configureRouter(router chi.Router) {
	cfg := h.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeaders)
	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if cfg.RateLimit.Enabled {
		rl := ratelimit.DefaultConfig()
		if cfg.RateLimit.PerIPLimit > 0 {
			rl.PerIPLimit = cfg.RateLimit.PerIPLimit
		}
		if cfg.RateLimit.PerIPWindow.Duration > 0 {
			rl.PerIPWindow = cfg.RateLimit.PerIPWindow.Duration
		}
		if cfg.RateLimit.PerAccountLimit > 0 {
			rl.PerAccountLimit = cfg.RateLimit.PerAccountLimit
		}
		if cfg.RateLimit.PerAccountWindow.Duration > 0 {
			rl.PerAccountWindow = cfg.RateLimit.PerAccountWindow.Duration
		}
		rl.Metrics = h.metrics
		router.Use(ratelimit.IPLimiter(rl))
		router.Use(ratelimit.AccountLimiter(rl))
	}

	// Lightweight operational endpoints.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", h.health)
		r.With(adminAuth(cfg.Server.AdminMetricsAPIKey)).Handle("/metrics", promhttp.Handler())
	})

	// Webhook sinks. No photographer auth: each sink verifies its own
	// signature over the raw body. Stable URLs, never versioned.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/webhooks/payment", h.handlePaymentWebhook)
		r.Post("/webhooks/store", h.handleStoreWebhook)
		r.Post("/webhooks/auth", h.handleAuthWebhook)
		r.Post("/webhooks/storage", h.handleStorageWebhook)
	})

	idempotencyMW := idempotency.Middleware(h.idempotencyStore, idempotency.DefaultTTL)

	// Photographer API.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(requirePhotographer)

		r.With(idempotencyMW).Post("/uploads/presign", h.createPresign)
		r.Post("/uploads/{id}/presign", h.represign)
		r.Post("/uploads/{id}/settle", h.settleUpload)
		r.Post("/uploads/{id}/cancel", h.cancelUpload)
		r.Get("/uploads/status", h.uploadStatuses)
		r.Get("/uploads/events/{eventId}", h.listEventUploads)

		r.With(idempotencyMW).Post("/credits/checkout", h.createCheckout)
		r.Post("/credits/checkout/preview", h.previewCheckout)
		r.Get("/credits/purchase/{sessionId}", h.pollPurchase)
		r.Get("/credits/balance", h.getBalance)
		r.Get("/credits/history", h.getHistory)
		r.Post("/credits/promo/redeem", h.redeemGift)
	})

	// Admin surface, guarded by the operator key.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(adminAuth(cfg.Server.AdminMetricsAPIKey))
		r.Post("/admin/credits/adjust", h.adminAdjust)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
