package httpserver

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/agentctl/internal/auth"
	"github.com/wisbric/agentctl/internal/version"
)

// ServerConfig holds the parameters NewServer needs, decoupled from the
// process-wide configuration struct.
type ServerConfig struct {
	RootPath           string
	CORSAllowedOrigins []string
}

// Server holds the HTTP server dependencies. Domain handlers are mounted on
// APIRouter by the caller after NewServer returns.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry

	bootstrapped atomic.Bool
	startedAt    time.Time
}

// NewServer creates an HTTP server with middleware, health, and metrics
// endpoints, and an authenticated root-path sub-router. verifier classifies
// bearer tokens into a Principal (see internal/auth).
func NewServer(cfg ServerConfig, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, verifier *auth.Verifier) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Unauthenticated
	s.Router.Get("/health/liveness", s.handleLiveness)
	s.Router.Get("/health/readiness", s.handleReadiness)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	root := cfg.RootPath
	if root == "" {
		root = "/api/v1"
	}

	s.Router.Route(root, func(r chi.Router) {
		r.Use(auth.Middleware(verifier, logger))
		r.Use(auth.RequireAuth)
		s.APIRouter = r
	})

	return s
}

// MarkBootstrapped flags the service as having completed its bootstrap
// sequence (§4.2). Readiness reports 503 until this is called.
func (s *Server) MarkBootstrapped() {
	s.bootstrapped.Store(true)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.bootstrapped.Load() {
		RespondDetail(w, http.StatusServiceUnavailable, "bootstrap not complete")
		return
	}

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondDetail(w, http.StatusServiceUnavailable, "database not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready", "version": version.Version})
}
