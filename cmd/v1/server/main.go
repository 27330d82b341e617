package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/admission"
	"github.com/brightboard/classroom/internal/v1/api"
	"github.com/brightboard/classroom/internal/v1/auth"
	"github.com/brightboard/classroom/internal/v1/bus"
	"github.com/brightboard/classroom/internal/v1/config"
	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/gateway"
	"github.com/brightboard/classroom/internal/v1/handraise"
	"github.com/brightboard/classroom/internal/v1/health"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/middleware"
	"github.com/brightboard/classroom/internal/v1/moderator"
	"github.com/brightboard/classroom/internal/v1/presence"
	"github.com/brightboard/classroom/internal/v1/ratelimit"
	"github.com/brightboard/classroom/internal/v1/registry"
	"github.com/brightboard/classroom/internal/v1/sfutoken"
	"github.com/brightboard/classroom/internal/v1/storage"
	"github.com/brightboard/classroom/internal/v1/store"
	"github.com/brightboard/classroom/internal/v1/tracing"
)

// notifierProxy breaks the wiring cycle between the engines and the
// gateway: engines are constructed against the proxy, the hub is
// constructed against the engines, then the proxy is pointed at the hub.
type notifierProxy struct {
	target domain.Notifier
}

func (n *notifierProxy) Broadcast(ctx context.Context, room, event string, payload any) {
	if n.target != nil {
		n.target.Broadcast(ctx, room, event, payload)
	}
}

func (n *notifierProxy) Direct(ctx context.Context, userID, event string, payload any) {
	if n.target != nil {
		n.target.Direct(ctx, userID, event, payload)
	}
}

func main() {
	// Load .env for local development; in deployment the environment is
	// already populated.
	_ = godotenv.Load(".env")

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("logger init: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx := context.Background()
	logging.Info(ctx, "starting classroom control plane",
		zap.String("env", cfg.GoEnv),
		zap.String("port", cfg.Port))

	// --- Tracing (optional) ---
	var tracerShutdown func(context.Context) error
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "classroom", collectorAddr)
		if err != nil {
			logging.Error(ctx, "tracing init failed, continuing without traces", zap.Error(err))
		} else {
			tracerShutdown = tp.Shutdown
		}
	}

	// --- Persistence ---
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "database connect failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db); err != nil {
		logging.Fatal(ctx, "schema migration failed", zap.Error(err))
	}

	meetings := store.NewMeetingRepo(db)
	participants := store.NewParticipantRepo(db)
	chats := store.NewChatRepo(db)

	// --- Cross-pod bus (optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		podID := os.Getenv("HOSTNAME")
		if podID == "" {
			podID = uuid.NewString()
		}
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, podID)
		if err != nil {
			logging.Error(ctx, "redis connect failed, running in single-pod mode", zap.Error(err))
			busService = nil
		} else {
			logging.Info(ctx, "redis bus connected", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "running in single-pod mode (redis disabled)")
	}

	// --- Rate limiting ---
	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "rate limiter init failed", zap.Error(err))
	}

	// --- Identity ---
	var validator auth.TokenValidator
	if cfg.OIDCDomain != "" {
		v, err := auth.NewValidator(ctx, cfg.OIDCDomain, cfg.OIDCAudience)
		if err != nil {
			logging.Fatal(ctx, "oidc validator init failed", zap.Error(err))
		}
		validator = v
		logging.Info(ctx, "oidc validator initialized", zap.String("domain", cfg.OIDCDomain))
	} else {
		validator = auth.NewHS256Validator(cfg.TokenSigningKey)
		logging.Info(ctx, "self-hosted token validator initialized")
	}

	minter := sfutoken.NewMinter(cfg.TokenSigningKey, cfg.SFUTokenTTL)

	// --- Engines ---
	notifier := &notifierProxy{}
	presenceEngine := presence.NewEngine(participants, notifier,
		cfg.HeartbeatCadence, cfg.HeartbeatDBCoalesce, cfg.HeartbeatGrace, cfg.StaleSweep)
	handEngine := handraise.NewEngine(meetings, participants, notifier, cfg.HandRaiseTTL)
	admissionMachine := admission.NewMachine(meetings, participants, notifier)
	registryService := registry.NewService(meetings, participants, notifier, cfg.InviteCodeLen)
	moderatorService := moderator.NewService(meetings, participants, notifier, minter)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := gateway.NewHub(gateway.Deps{
		Validator:      validator,
		Admission:      admissionMachine,
		Presence:       presenceEngine,
		Hands:          handEngine,
		Moderator:      moderatorService,
		Registry:       registryService,
		Chats:          chats,
		Participants:   participants,
		Minter:         minter,
		Bus:            busService,
		Limiter:        limiter,
		AllowedOrigins: allowedOrigins,
	})
	notifier.target = hub

	// --- Stale sweeper ---
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go presenceEngine.Run(sweepCtx)

	// --- Recording storage (optional) ---
	var recordings api.RecordingStore
	if cfg.RecordingsBucket != "" {
		fs, err := storage.NewFileStore(cfg.RecordingsEndpoint,
			cfg.RecordingsAccessKey, cfg.RecordingsSecretKey, cfg.RecordingsBucket)
		if err != nil {
			logging.Fatal(ctx, "recording storage init failed", zap.Error(err))
		}
		recordings = fs
		logging.Info(ctx, "recording storage enabled", zap.String("bucket", cfg.RecordingsBucket))
	}

	// --- Router ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("classroom"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)

	apiServer := api.NewServer(api.Deps{
		Validator:    validator,
		Registry:     registryService,
		Participants: participants,
		Chats:        chats,
		Presence:     presenceEngine,
		Recordings:   recordings,
		Limiter:      limiter,
	})
	apiServer.Register(router)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler()
	healthHandler.Register("database", health.PingFunc(db.Health))
	if busService != nil {
		healthHandler.Register("redis", health.PingFunc(busService.Ping))
	} else {
		healthHandler.Register("redis", nil)
	}
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stopSweeper()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "gateway shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "http shutdown", zap.Error(err))
	}

	presenceEngine.Shutdown()
	handEngine.Shutdown()

	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "redis close", zap.Error(err))
		}
	}
	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "tracer shutdown", zap.Error(err))
		}
	}

	logging.Info(ctx, "server exited")
}
