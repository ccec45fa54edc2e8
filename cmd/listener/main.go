package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"chat-server/internal/config"
	"chat-server/internal/messaging"
	"chat-server/internal/repository"
	"chat-server/internal/service"
	"chat-server/migrations"
	"chat-server/pkg/logger"
	"chat-server/pkg/migration"
)

func main() {
	cfg, err := config.LoadListener()
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

	zapLogger.Info("Starting result listener")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := setupDatabase(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	migrator := migration.NewMigrator(migration.Config{
		MigrationsPath: ".",
		MigrationsFS:   migrations.FS,
	}, dbPool)
	if err := migrator.Up(ctx); err != nil {
		zapLogger.Fatal("Failed to apply migrations", zap.Error(err))
	}

	conn, err := connectRabbitMQ(cfg.Broker.URL, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer conn.Close()

	pubChannel, err := conn.Channel()
	if err != nil {
		zapLogger.Fatal("Failed to open channel", zap.Error(err))
	}
	defer pubChannel.Close()

	topology := messaging.NewTopology(cfg.Broker.RetryTTL)
	if err := topology.Declare(pubChannel); err != nil {
		zapLogger.Fatal("Failed to declare broker topology", zap.Error(err))
	}

	messageRepo := repository.NewPgMessageRepository(dbPool, zapLogger)
	usageRepo := repository.NewPgUsageStatsRepository(dbPool, zapLogger)
	sink := service.NewResultSink(messageRepo, usageRepo, zapLogger)

	publisher := messaging.NewPublisher(pubChannel, zapLogger)
	consumer := messaging.NewGeneratedConsumer(
		conn, sink, publisher,
		cfg.Broker.MaxRetries, cfg.Broker.Prefetch, zapLogger)

	if err := consumer.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start consumer", zap.Error(err))
	}

	<-ctx.Done()
	zapLogger.Info("Shutdown signal received")

	select {
	case <-consumer.Done():
	case <-time.After(30 * time.Second):
		zapLogger.Warn("Consumer did not stop in time")
	}

	zapLogger.Info("Result listener stopped")
}

func setupDatabase(ctx context.Context, cfg *config.ListenerConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
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
