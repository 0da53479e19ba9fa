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

	"github.com/bundlepay/server/internal/admission"
	"github.com/bundlepay/server/internal/apikey"
	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/logger"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/metrics"
	"github.com/bundlepay/server/internal/pricing"
	"github.com/bundlepay/server/internal/ratelimit"
	"github.com/bundlepay/server/internal/versioning"
	"github.com/bundlepay/server/pkg/x402"
)

// admitter runs the upload path. Satisfied by *admission.Service.
type admitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Result, error)
}

// paymentQuoter prices uploads. Satisfied by *payment.Service.
type paymentQuoter interface {
	Enabled() bool
	Quote(ctx context.Context, byteCount int64) (x402.RequiredResponse, error)
	QuoteForNetwork(ctx context.Context, byteCount int64, key string) (x402.PaymentRequirements, pricing.Quote, error)
}

// statusStore serves the read-side lookups. Satisfied by *metadata.PostgresStore.
type statusStore interface {
	GetItemStatus(ctx context.Context, id string) (metadata.ItemStatus, error)
	GetOffsets(ctx context.Context, itemID string) (metadata.ItemOffset, error)
}

// chainInfo exposes the gateway topology advertised in /v1/info.
// Satisfied by *arweave.Client.
type chainInfo interface {
	PrimaryGateway() string
	Gateways() []string
}

// Server owns the listener lifecycle around the bundler router.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	cfg           *config.Config
	admission     admitter
	payments      paymentQuoter
	store         statusStore
	chain         chainInfo
	walletAddress string           // service wallet, advertised in /v1/info
	metrics       *metrics.Metrics // Prometheus metrics collector
	logger        zerolog.Logger   // Structured logger
}

// New wraps an already-configured handler in an http.Server with the
// configured address and timeouts. Route wiring happens in ConfigureRouter;
// the app assembles the router and hands it here.
func New(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// ConfigureRouter attaches bundler routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, admissionSvc admitter, payments paymentQuoter, store statusStore, chain chainInfo, walletAddress string, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:           cfg,
		admission:     admissionSvc,
		payments:      payments,
		store:         store,
		chain:         chain,
		walletAddress: walletAddress,
		metrics:       metricsCollector,
		logger:        appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location", x402.HeaderPaymentResponse, x402.HeaderPaymentRequired},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Add structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// API version negotiation middleware (adds version to context from Accept header)
	router.Use(versioning.Negotiation)

	// API key authentication middleware (BEFORE rate limiting)
	// Extracts X-API-Key header and stores tier in context for rate limit exemptions
	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		APIKeys: make(map[string]apikey.Tier),
	}
	for key, tierStr := range cfg.APIKey.Keys {
		apiKeyCfg.APIKeys[key] = apikey.Tier(tierStr)
	}
	router.Use(apikey.Middleware(apiKeyCfg))

	// Rate limiting middleware (applied globally)
	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// NOTE: Timeout middleware is applied selectively per route group below.
	// The upload route carries multi-gigabyte bodies and gets no chi timeout;
	// it is bounded by the server's read/write timeouts instead.

	// Apply route prefix if configured
	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with 5s timeout (liveness, discovery, metrics)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", handler.health)
		r.Get(prefix+"/v1/info", handler.info)
		// Prometheus metrics endpoint (respects route prefix to avoid conflicts)
		// Protected by optional admin API key (ADMIN_METRICS_API_KEY env var)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Read-side and quote endpoints with 15s timeout (DB lookups, gateway
	// price polls, FX refresh)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))

		r.Get(prefix+"/v1/tx/{id}/status", handler.itemStatus)
		r.Get(prefix+"/v1/tx/{id}/offsets", handler.itemOffsets)

		r.Get(prefix+"/v1/price/x402/data-item/{token}/{byteCount}", handler.priceDataItem)
		r.Get(prefix+"/v1/price/x402/data/{token}/{byteCount}", handler.priceData)
		r.Get(prefix+"/v1/x402/price/{sigType}/{address}", handler.priceLegacy)
	})

	// Upload endpoint without chi timeout: bodies may stream for minutes and
	// settlement itself is bounded by the facilitator call timeouts.
	router.Group(func(r chi.Router) {
		r.Post(prefix+"/v1/tx", handler.uploadItem)
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
