package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/agentctl/internal/auth"
	"github.com/wisbric/agentctl/internal/bootstrap"
	"github.com/wisbric/agentctl/internal/config"
	"github.com/wisbric/agentctl/internal/httpserver"
	"github.com/wisbric/agentctl/internal/platform"
	"github.com/wisbric/agentctl/internal/telemetry"
	"github.com/wisbric/agentctl/internal/version"
	"github.com/wisbric/agentctl/pkg/agent"
	"github.com/wisbric/agentctl/pkg/conversation"
	"github.com/wisbric/agentctl/pkg/conversation/runtime"
	"github.com/wisbric/agentctl/pkg/deployment"
	"github.com/wisbric/agentctl/pkg/deployment/cidriven"
	"github.com/wisbric/agentctl/pkg/deployment/cluster"
	"github.com/wisbric/agentctl/pkg/deployment/hostedbuild"
	"github.com/wisbric/agentctl/pkg/deployment/registry"
	"github.com/wisbric/agentctl/pkg/deployment/serverless"
	"github.com/wisbric/agentctl/pkg/identity"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting agentctl",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "agentctl", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	m2mTTL, err := time.ParseDuration(cfg.M2MTokenTTL)
	if err != nil {
		return fmt.Errorf("parsing M2M_TOKEN_TTL %q: %w", cfg.M2MTokenTTL, err)
	}
	machineTokens, err := auth.NewMachineTokenIssuer(cfg.M2MSigningSecret, cfg.M2MIssuer, cfg.M2MAudience, m2mTTL)
	if err != nil {
		return fmt.Errorf("creating machine token issuer: %w", err)
	}

	var userTokens *auth.UserTokenVerifier
	if cfg.OIDCIssuerURL != "" {
		userTokens, err = auth.NewUserTokenVerifier(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, cfg.UserTokenAudience)
		if err != nil {
			return fmt.Errorf("initializing OIDC user token verifier: %w", err)
		}
		logger.Info("user token verification enabled", "issuer", cfg.OIDCIssuerURL)
	} else {
		logger.Info("user token verification disabled (OIDC_ISSUER_URL not set)")
	}

	providerClient := identity.NewProviderClient(cfg.IdentityProviderURL, cfg.IdentityProviderAPIKey)
	identitySvc := identity.NewService(db, providerClient, machineTokens, logger)

	permCache := auth.NewPermissionCache(30 * time.Second)
	verifier := auth.NewVerifier(userTokens, machineTokens, identitySvc, permCache)

	// Bootstrap: acquire this process's own MachineClient identity so the
	// conversation hub can authenticate to deployed agent runtimes as
	// itself rather than forwarding an end user's token.
	bootstrapper := bootstrap.New(identitySvc, logger, cfg.BootstrapCredentialsPath, cfg.BootstrapClientName, cfg.BootstrapClientRoles)
	creds, err := bootstrapper.Run(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping service identity: %w", err)
	}
	selfTokens := bootstrap.NewTokenCache(identitySvc, creds)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		RootPath:           cfg.Root,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg, verifier)

	// --- Identity Store (public register/login/token, plus admin) ---

	tokenMintLimiter := auth.NewRateLimiter(rdb, "token_mint_ratelimit", 10, 15*time.Minute)
	identityHandler := identity.NewHandler(logger, identitySvc, tokenMintLimiter)

	srv.Router.Route("/auth", func(r chi.Router) {
		r.Use(auth.Middleware(verifier, logger))
		r.Mount("/", identityHandler.Routes())
	})
	srv.Router.Route("/admin", func(r chi.Router) {
		r.Use(auth.Middleware(verifier, logger))
		r.Mount("/", identityHandler.AdminRoutes())
	})

	// --- Agent Catalog (C3) ---

	agentStore := agent.NewStore(db)
	agentSvc := agent.NewService(db, cfg.MaxAgentVersionConfigBytes)
	agentHandler := agent.NewHandler(logger, agentSvc)
	srv.APIRouter.Mount("/agents", agentHandler.Routes())

	// --- Deployment Engine (C4) ---
	//
	// Pending deployments are leased and driven to completion by "worker"
	// mode processes (see runWorker), not by the API process itself; the
	// API process only accepts create/list/get/stop requests.

	deployStrategies := deployment.NewDeployStrategyRegistry()
	deployStrategies.Register(serverless.New(cfg.ServerlessPlatformURL, cfg.ServerlessPlatformToken))
	deployStrategies.Register(cluster.New(cfg.ClusterAPIURL, cfg.ClusterAPIToken))

	deploymentStore := deployment.NewStore(db)
	deploymentSvc := deployment.NewService(db, agentStore, deployStrategies)
	deploymentHandler := deployment.NewHandler(logger, deploymentSvc)
	srv.APIRouter.Mount("/deployments", deploymentHandler.Routes())

	// --- Conversation Hub (C5) ---

	turnTimeout, err := time.ParseDuration(cfg.RuntimeStreamTimeout)
	if err != nil {
		return fmt.Errorf("parsing RUNTIME_STREAM_TIMEOUT %q: %w", cfg.RuntimeStreamTimeout, err)
	}

	hub := conversation.NewHub(logger, rdb, cfg.SubscriberQueueSize)
	runtimeClient := runtime.New()
	conversationSvc := conversation.NewService(
		db, hub, agentStore, deploymentStore, runtimeClient,
		selfTokens, cfg.PersistAssistantReplies, turnTimeout, logger,
	)
	conversationHandler := conversation.NewHandler(logger, conversationSvc, hub)
	srv.APIRouter.Mount("/conversations", conversationHandler.Routes())
	srv.APIRouter.Mount("/ws/conversations", conversationHandler.WebSocketRoute())

	srv.MarkBootstrapped()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	logger.Info("worker started")

	agentStore := agent.NewStore(db)

	buildStrategies := deployment.NewBuildStrategyRegistry()
	buildStrategies.Register(cidriven.New(cfg.CIDispatchURL, cfg.CIDispatchToken))
	buildStrategies.Register(hostedbuild.New(cfg.HostedBuildURL, cfg.HostedBuildToken))

	deployStrategies := deployment.NewDeployStrategyRegistry()
	deployStrategies.Register(serverless.New(cfg.ServerlessPlatformURL, cfg.ServerlessPlatformToken))
	deployStrategies.Register(cluster.New(cfg.ClusterAPIURL, cfg.ClusterAPIToken))

	registryClient := registry.New(cfg.RegistryURL, cfg.RegistryToken)

	worker := deployment.NewWorker(db, logger, agentStore, buildStrategies, deployStrategies, registryClient)
	return worker.Run(ctx)
}
