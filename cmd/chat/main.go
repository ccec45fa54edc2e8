package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-server/internal/api"
	"chat-server/internal/auth"
	"chat-server/internal/config"
	"chat-server/internal/messaging"
	"chat-server/internal/ratelimit"
	"chat-server/internal/repository"
	"chat-server/pkg/logger"
)

func main() {
	cfg, err := config.LoadChat()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.Log.Level,
		Encoding: cfg.Log.Encoding,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting chat API service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := setupDatabase(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	conn, err := connectRabbitMQ(cfg.Broker.URL, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		zapLogger.Fatal("Failed to open channel", zap.Error(err))
	}
	defer ch.Close()

	topology := messaging.NewTopology(cfg.Broker.RetryTTL)
	if err := topology.Declare(ch); err != nil {
		zapLogger.Fatal("Failed to declare broker topology", zap.Error(err))
	}

	publisher := messaging.NewPublisher(ch, zapLogger)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	quota := ratelimit.NewRedisQuota(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow, zapLogger)
	limiter := ratelimit.NewFailOpen(quota, cfg.RateLimitTimeout, zapLogger)

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize token verifier", zap.Error(err))
	}

	sessions := repository.NewPgSessionRepository(dbPool, zapLogger)
	messages := repository.NewPgMessageRepository(dbPool, zapLogger)
	usage := repository.NewPgUsageStatsRepository(dbPool, zapLogger)

	handler := api.NewChatHandler(sessions, messages, usage, publisher, cfg.ContextMaxMessages, zapLogger)
	router := api.NewRouter(handler, verifier, limiter, zapLogger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zapLogger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	zapLogger.Info("Chat API service stopped")
}

func setupDatabase(ctx context.Context, cfg *config.ChatConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = cfg.DB.MaxConns
	poolCfg.MaxConnIdleTime = cfg.DB.IdleTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Connected to PostgreSQL", zap.String("dsn", cfg.DB.MaskedDSN()))
	return pool, nil
}

// connectRabbitMQ dials the broker with a few retries so the service survives
// a broker that is still starting up.
func connectRabbitMQ(url string, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	maxRetries := 5
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ")
			return conn, nil
		}
		logger.Warn("RabbitMQ connection failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("maxRetries", maxRetries),
			zap.Error(err))
		time.Sleep(retryDelay)
	}
	return nil, err
}
