package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/push-service/internal/common"
	"github.com/example/push-service/internal/queue"
	"github.com/example/push-service/internal/status"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("status-tracker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	broker, err := queue.Connect(ctx, cfg.Broker, cfg.KafkaBrokers, cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect broker")
	}
	defer broker.Close()

	source, err := broker.Source(cfg.StatusQueue, cfg.ServiceName, cfg.Prefetch)
	if err != nil {
		logger.Fatal().Err(err).Msg("open status queue")
	}
	defer source.Close()

	tracker := &status.Tracker{Repo: status.NewPostgresRepository(pool), Logger: logger}

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: tracker.Router(),
	}
	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("status tracker listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	if err := tracker.Consume(ctx, source); err != nil {
		logger.Error().Err(err).Msg("status consumer stopped")
		cancel()
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
