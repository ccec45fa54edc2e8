package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"chat-server/internal/config"
	"chat-server/internal/messaging"
	"chat-server/internal/service"
	"chat-server/internal/worker"
	"chat-server/pkg/logger"
)

func main() {
	cfg, err := config.LoadWorker()
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

	zapLogger.Info("Starting generation worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	registry := prometheus.NewRegistry()
	metrics := worker.NewMetrics(registry)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zapLogger.Info("Metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	aiClient := service.NewOpenAIClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AITimeout, zapLogger)
	handler := worker.NewHandler(aiClient, cfg.ContextMaxMessages, metrics, zapLogger)

	publisher := messaging.NewPublisher(pubChannel, zapLogger)
	consumer := messaging.NewGenerateConsumer(
		conn, handler, publisher, publisher,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Metrics server shutdown failed", zap.Error(err))
	}

	zapLogger.Info("Generation worker stopped")
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
