package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/config"
	"marketplace-chat/internal/db"
	grpcclient "marketplace-chat/internal/grpc"
	"marketplace-chat/internal/handlers"
	"marketplace-chat/internal/logger"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/rabbitmq"
	"marketplace-chat/internal/store"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "marketplace-chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	publisher := rabbitmq.NewPublisher(rabbitmq.Config{
		URL:      cfg.AMQPURL,
		Exchange: cfg.AMQPExchange,
		AppID:    cfg.ServiceName,
	}, log)
	defer func() { _ = publisher.Close() }()
	observability.SetPublisher(publisher)
	log.Infow("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "noop_reason", rabbitmq.PublisherNoopReason(publisher))
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Env, log)

	msgStore, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	chatChannel := channel.New(msgStore, log)

	validator, closeIdentity, err := openIdentity(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeIdentity() }()

	hub := ws.NewHub()
	conversationHandler := handlers.NewConversationHandler(chatChannel, audit, log)
	chatWS := ws.NewChatWebSocketHandler(hub, chatChannel, cfg.WSSendRate, cfg.WSSendBurst, log)

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "store": cfg.StoreDriver, "ws_sessions": hub.Count()})
	})
	handlers.RegisterDebugRoutes(router, audit, cfg.Development())

	authMiddleware := middleware.AuthMiddleware(validator)
	authed := router.Group("/", authMiddleware)
	conversationHandler.Register(authed)
	authed.GET("/ws", chatWS.Handle)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("http server listening", "addr", srv.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Infow("shutting down", "ws_sessions", hub.Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	hub.CloseAll("server shutting down")
	if err := hub.Wait(shutdownCtx); err != nil {
		return fmt.Errorf("websocket drain: %w", err)
	}
	return nil
}

// openStore builds the configured message store and its closer.
func openStore(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (channel.Store, func() error, error) {
	switch cfg.StoreDriver {
	case store.DriverPostgres:
		database, err := db.Connect(cfg.DBDSN, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect db: %w", err)
		}
		pg, err := store.NewPostgresStore(database, cfg.DBDSN, log)
		if err != nil {
			_ = database.Close()
			return nil, nil, err
		}
		return pg, func() error {
			return errors.Join(pg.Close(), database.Close())
		}, nil
	case store.DriverNATS:
		js, err := store.NewJetStreamStore(ctx, store.JetStreamConfig{
			URL:           cfg.NATSURL,
			Stream:        cfg.NATSStream,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			MaxAge:        cfg.NATSMaxAge,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return js, js.Close, nil
	case store.DriverRedis:
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			Block:    cfg.RedisBlock,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	default:
		mem := store.NewMemoryStore()
		return mem, mem.Close, nil
	}
}

// openIdentity dials the identity service, or trusts bearer tokens as user
// ids when no address is configured.
func openIdentity(cfg config.Config, log *zap.SugaredLogger) (middleware.TokenValidator, func() error, error) {
	if cfg.IdentityGRPCAddr == "" {
		log.Warnw("identity service not configured, bearer tokens are taken as user ids")
		return grpcclient.HeaderIdentity{}, func() error { return nil }, nil
	}

	conn, err := grpc.NewClient(cfg.IdentityGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("identity grpc client: %w", err)
	}
	return grpcclient.NewIdentityClient(conn, cfg.IdentityTimeout, log), conn.Close, nil
}
