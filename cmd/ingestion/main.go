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
	"github.com/example/push-service/internal/ingest"
	"github.com/example/push-service/internal/queue"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("ingestion")
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

	var repo ingest.Repository
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, request ledger disabled")
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		defer pool.Close()
		repo = ingest.NewPostgresRepository(pool)
	}

	broker, err := queue.Connect(ctx, cfg.Broker, cfg.KafkaBrokers, cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect broker")
	}
	defer broker.Close()

	producer, err := broker.Sink(cfg.PushQueue)
	if err != nil {
		logger.Fatal().Err(err).Msg("open push queue")
	}
	defer producer.Close()

	h := ingest.NewHandler(repo, producer, logger)

	srv := &http.Server{
		Addr:    formatAddr(cfg.HTTPPort),
		Handler: h.Router(),
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("ingestion service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func formatAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
