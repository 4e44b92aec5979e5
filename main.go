package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"teamchat/internal/auth"
	"teamchat/internal/config"
	"teamchat/internal/db"
	grpcserver "teamchat/internal/grpc"
	"teamchat/internal/handlers"
	"teamchat/internal/logger"
	"teamchat/internal/middleware"
	"teamchat/internal/observability"
	"teamchat/internal/presence"
	"teamchat/internal/rabbitmq"
	"teamchat/internal/repositories"
	"teamchat/internal/services"
	"teamchat/internal/storage/memory"
	redisstore "teamchat/internal/storage/redis"
	"teamchat/internal/telemetry"
	"teamchat/internal/ws"
)

const serviceName = "teamchat"

func main() {
	dev := flag.Bool("dev", false, "use in-memory stores instead of Postgres and Redis")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(logger.Config{Development: cfg.IsDevelopment(), Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, cfg.Env, log)
	if err != nil {
		log.Fatal("init tracer", zap.Error(err))
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer func() { _ = publisher.Close() }()
	observability.SetPublisher(publisher)
	log.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", serviceName, cfg.Env, log)

	var (
		channelRepo   repositories.ChannelRepository
		messageRepo   repositories.MessageRepository
		presenceStore presence.Store
	)
	if *dev {
		channels := memory.NewChannelStore()
		messages := memory.NewMessageStore()
		channels.OnDelete(messages.DeleteChannel)
		messages.RequireMembership(channels.WithMember)
		channelRepo, messageRepo = channels, messages
		log.Warn("running with in-memory stores, data is lost on exit")
	} else {
		database, err := db.Connect(ctx, cfg.DBDSN, log)
		if err != nil {
			log.Fatal("failed to connect to db", zap.Error(err))
		}
		defer func() { _ = database.Close() }()
		channelRepo = repositories.NewChannelRepo(database, cfg.DBTimeout)
		messageRepo = repositories.NewMessageRepo(database, cfg.DBTimeout)
	}

	if cfg.RedisURL != "" && !*dev {
		store, err := redisstore.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = store.Close() }()
		presenceStore = store
	} else {
		presenceStore = memory.NewPresenceStore()
	}

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatal("init identity verifier", zap.Error(err))
	}

	channelSvc := services.NewChannelService(channelRepo, log)
	messageSvc := services.NewMessageService(messageRepo, channelSvc, services.PageOptions{
		DefaultLimit: cfg.MessagePageLimit,
		MaxLimit:     cfg.MessagePageMax,
	}, log)
	tracker := presence.NewTracker(presenceStore, log)

	hub := ws.NewHub()
	gateway := ws.NewGateway(hub, verifier, channelSvc, messageSvc, tracker, ws.Options{
		AllowedOrigins:  cfg.WSAllowedOrigins,
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
	}, log)

	channelHandler := handlers.NewChannelHandler(channelSvc, audit, log).WithSubscriptions(hub)
	messageHandler := handlers.NewMessageHandler(messageSvc, hub, log)
	presenceHandler := handlers.NewPresenceHandler(tracker, log)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		otelgin.Middleware(serviceName),
		middleware.RequestID(),
		middleware.AccessLog(log),
		observability.HTTPMetricsMiddleware(),
		gin.Recovery(),
	)

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gateway.Handle)

	api := router.Group("/", middleware.AuthMiddleware(verifier))
	api.POST("/channels", channelHandler.CreateChannel)
	api.GET("/channels", channelHandler.ListChannels)
	api.GET("/channels/:id", channelHandler.GetChannel)
	api.PATCH("/channels/:id", channelHandler.UpdateChannel)
	api.DELETE("/channels/:id", channelHandler.DeleteChannel)
	api.POST("/channels/:id/members", channelHandler.AddMembers)
	api.DELETE("/channels/:id/members", channelHandler.RemoveMembers)
	api.POST("/channels/:id/admins", channelHandler.GrantAdmin)
	api.DELETE("/channels/:id/admins", channelHandler.RevokeAdmin)
	api.POST("/channels/:id/leave", channelHandler.LeaveChannel)
	api.POST("/direct", channelHandler.StartDirect)

	api.POST("/channels/:id/messages", messageHandler.PostMessage)
	api.GET("/channels/:id/messages", messageHandler.ListMessages)
	api.GET("/channels/:id/messages/all", messageHandler.ListAllMessages)
	api.POST("/channels/:id/read", messageHandler.MarkRead)
	api.GET("/messages/:id", messageHandler.GetMessage)
	api.PATCH("/messages/:id", messageHandler.UpdateMessage)
	api.DELETE("/messages/:id", messageHandler.DeleteMessage)
	api.POST("/messages/:id/reactions", messageHandler.ToggleReaction)

	api.GET("/presence", presenceHandler.OnlineStatus)
	handlers.RegisterDebugRoutes(api, channelHandler, cfg.IsDevelopment())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	grpcSrv := grpcserver.NewServer(log)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatal("grpc listen", zap.Error(err))
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("grpc server error", zap.Error(err))
			stop()
		}
	}()
	grpcSrv.SetServing(true)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	grpcSrv.SetServing(false)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	// Hijacked gateway connections are not tracked by http.Server.
	hub.CloseAll()
	grpcSrv.Stop(shutdownCtx)
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn("tracer shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
}
