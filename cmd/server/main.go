package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/agentmesh/chatgateway/internal/auth"
	"github.com/agentmesh/chatgateway/internal/config"
	"github.com/agentmesh/chatgateway/internal/gateway"
	"github.com/agentmesh/chatgateway/internal/hub"
	"github.com/agentmesh/chatgateway/internal/logger"
	"github.com/agentmesh/chatgateway/internal/store"
	"github.com/agentmesh/chatgateway/internal/streaming"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat)).WithComponent("main")
	log.Info("starting chat gateway", slog.String("instance_id", logger.GetInstanceID()))

	gin.SetMode(cfg.GinMode)

	st, closeStore := buildStore(cfg, log)
	defer closeStore()

	tokenValidator, err := auth.NewTokenValidator(cfg.JWTJWKSURL)
	if err != nil {
		log.Error("failed to build token validator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	firebaseAuth, err := auth.NewFirebaseAuthMiddleware(tokenValidator)
	if err != nil {
		log.Error("failed to build auth middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := streaming.NewRegistry(cfg.SessionTimeout(), cfg.CleanupInterval(), log)
	defer registry.Shutdown()

	connHub := hub.New(log)
	runner := streaming.NewRunner(st, cfg.AgentServiceURL, cfg.UpstreamReadTimeout(), log)

	distributed, natsConn := buildDistributedCancel(cfg, registry, log)
	if distributed != nil {
		if err := distributed.Start(); err != nil {
			log.Error("failed to start distributed cancel service", slog.String("error", err.Error()))
		}
		defer distributed.Stop()
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	dispatcher := gateway.NewDispatcher(registry, st, connHub, runner, distributed, cfg.AdminUserID, log)
	wsHandler := gateway.NewHandler(connHub, dispatcher, log)

	router := buildRouter(cfg, firebaseAuth, wsHandler, registry, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", slog.String("error", err.Error()))
	}
	log.Info("shutdown complete")
}

// buildStore wires the durable Message Store, falling back to an in-memory
// implementation when no Firebase project is configured (local dev, tests).
func buildStore(cfg *config.Config, log *logger.Logger) (store.Store, func()) {
	if cfg.FirebaseProjectID == "" {
		log.Warn("FIREBASE_PROJECT_ID unset; using in-memory Message Store")
		mem := store.NewMemoryStore()
		return mem, mem.Close
	}

	ctx := context.Background()
	client, err := firestore.NewClientWithDatabase(ctx, cfg.FirebaseProjectID, cfg.FirestoreDatabase)
	if err != nil {
		log.Error("failed to create Firestore client, falling back to in-memory store",
			slog.String("error", err.Error()))
		mem := store.NewMemoryStore()
		return mem, mem.Close
	}

	fs := store.NewFirestoreStore(client, log)
	return fs, func() {
		fs.Close()
		client.Close()
	}
}

// buildDistributedCancel returns (nil, nil) when NATS_URL is unset, so
// callers can wire it unconditionally per SPEC_FULL §10.3.
func buildDistributedCancel(cfg *config.Config, registry *streaming.Registry, log *logger.Logger) (*streaming.DistributedCancelService, *nats.Conn) {
	if cfg.NatsURL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		log.Warn("failed to connect to NATS, distributed cancel disabled",
			slog.String("url", cfg.NatsURL), slog.String("error", err.Error()))
		return nil, nil
	}
	log.Info("connected to NATS", slog.String("url", cfg.NatsURL))
	return streaming.NewDistributedCancelService(nc, registry, log, logger.GetInstanceID()), nc
}

func buildRouter(
	cfg *config.Config,
	firebaseAuth *auth.FirebaseAuthMiddleware,
	wsHandler *gateway.Handler,
	registry *streaming.Registry,
	log *logger.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	router.Use(cors.New(cors.Options{
		AllowCredentials: true,
		AllowedOrigins:   origins,
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
	}).Handler)

	router.GET("/healthz", gateway.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authorized := router.Group("/")
	authorized.Use(firebaseAuth.RequireAuth())
	{
		authorized.GET("/ws", wsHandler.ServeWS)
		authorized.GET("/streams", gateway.StreamsSnapshot(registry))
	}

	log.Info("routes registered")
	return router
}
