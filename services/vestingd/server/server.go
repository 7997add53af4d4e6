package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tokenvest/native/vesting"
	"tokenvest/observability"
)

// RouteClaim names the claim route for rate limiting.
const RouteClaim = "claim"

// BalanceReader looks up custody balances.
type BalanceReader interface {
	Balance(ctx context.Context, addr common.Address, asset string) (uint64, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine      *vesting.Engine
	Balances    BalanceReader
	Idempotency IdempotencyStore
	Auth        *Authenticator
	RateLimiter *RateLimiter
	Metrics     *observability.VestingMetrics
	Logger      *slog.Logger

	// TrustProxyHeaders rewrites the client address from X-Real-IP and
	// X-Forwarded-For. Enable it only behind a proxy that sets them.
	TrustProxyHeaders bool
}

// Server exposes the vesting engine over HTTP.
type Server struct {
	engine      *vesting.Engine
	balances    BalanceReader
	idempotency IdempotencyStore
	auth        *Authenticator
	limiter     *RateLimiter
	metrics     *observability.VestingMetrics
	logger      *slog.Logger
	trustProxy  bool
	inflight    inflight

	router http.Handler
}

// New constructs the HTTP router and installs the authenticator's capability
// check on the engine.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := cfg.Auth
	if auth == nil {
		auth = NewAuthenticator(AuthConfig{}, logger)
	}
	if cfg.Engine != nil {
		cfg.Engine.SetAuthorizer(auth.Authorizer())
	}
	srv := &Server{
		engine:      cfg.Engine,
		balances:    cfg.Balances,
		idempotency: cfg.Idempotency,
		auth:        auth,
		limiter:     cfg.RateLimiter,
		metrics:     cfg.Metrics,
		logger:      logger.With(slog.String("component", "http")),
		trustProxy:  cfg.TrustProxyHeaders,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if s.trustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(s.observe)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.With(s.withIdempotency).Post("/schedules", s.createSchedule)
		api.Get("/schedules/{key}", s.getSchedule)
		api.Get("/schedules/{key}/status", s.scheduleStatus)
		api.With(s.limiter.Middleware(RouteClaim), s.withIdempotency).Post("/schedules/{key}/claim", s.claim)
		api.Get("/assets/{asset}/balances/{address}", s.balance)
	})

	return otelhttp.NewHandler(r, "vestingd")
}

// observe logs every request and records it against its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(route, status, elapsed)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
