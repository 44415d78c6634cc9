package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"booking-chat/internal/auth"
	"booking-chat/internal/cache"
	"booking-chat/internal/config"
	"booking-chat/internal/db"
	grpcserver "booking-chat/internal/grpc"
	"booking-chat/internal/handlers"
	"booking-chat/internal/middleware"
	"booking-chat/internal/models"
	"booking-chat/internal/observability"
	"booking-chat/internal/rabbitmq"
	"booking-chat/internal/repositories"
	"booking-chat/internal/telemetry"
	"booking-chat/internal/ws"
)

const auditRoutingKey = "audit.chat"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(context.Background(), cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	observability.SetPublisher(publisher)
	log.Printf("event publisher mode=%s reason=%q", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.ServiceName, cfg.Environment)

	userRepo := repositories.NewUserRepo(database)
	var messageRepo repositories.MessageRepository = repositories.NewMessageRepo(database)
	var closeCache func() error
	if cfg.RedisAddr != "" {
		client := cache.NewClient(cfg.RedisAddr)
		messageRepo = cache.NewHistoryCache(messageRepo, client, cfg.HistoryCacheTTL)
		closeCache = client.Close
		log.Printf("history cache enabled addr=%s ttl=%s", cfg.RedisAddr, cfg.HistoryCacheTTL)
	}

	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := handlers.SeedAdmin(seedCtx, userRepo, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Printf("bootstrap admin failed: %v", err)
	}
	cancelSeed()

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL, cfg.ServiceName)

	registry := ws.NewRegistry()
	chatRouter := ws.NewRouter(registry, messageRepo, tokens, audit, cfg.AdminRequiresToken)
	chatWS := ws.NewSessionHandler(registry, chatRouter, tokens)

	historyHandler := handlers.NewHistoryHandler(messageRepo)
	authHandler := handlers.NewAuthHandler(userRepo, tokens, audit)
	adminHandler := handlers.NewAdminHandler(userRepo, registry, audit)

	router := gin.New()

	// middlewares
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	requireAuth := middleware.AuthMiddleware(tokens)
	requireAdmin := middleware.RequireRole(models.RoleAdmin, userRepo)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/messages", historyHandler.ListMessages)
	router.POST("/auth/register", authHandler.Register)
	router.POST("/auth/login", authHandler.Login)
	router.GET("/auth/me", requireAuth, authHandler.Me)

	router.GET("/chat/active-users", requireAuth, requireAdmin, adminHandler.ActiveUsers)
	router.POST("/admin/users", requireAuth, requireAdmin, adminHandler.CreateUser)
	router.GET("/admin/users", requireAuth, requireAdmin, adminHandler.ListUsers)

	router.GET("/ws/:username", chatWS.Handle)

	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Printf("http listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	grpcServer := grpcserver.NewHealthServer(cfg.ServiceName)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("failed to listen grpc: %v", err)
	}
	go func() {
		log.Printf("grpc listening on :%s", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("grpc server stopped: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			// steps run in order so storage outlives in-flight requests
			"chat-service": func(ctx context.Context) error {
				log.Println("graceful shutdown initiated...")
				var errs []error
				errs = append(errs, server.Shutdown(ctx))
				// hijacked websocket connections are not tracked by Shutdown
				registry.CloseAll()
				errs = append(errs, grpcServer.Shutdown(ctx))
				errs = append(errs, publisher.Close())
				errs = append(errs, shutdownTracing(ctx))
				if closeCache != nil {
					errs = append(errs, closeCache())
				}
				errs = append(errs, database.Close())
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	log.Printf("chat service exited with code: %d", exitCode)
	os.Exit(exitCode)
}
