package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/example/push-service/internal/common"
	"github.com/example/push-service/internal/gateway"
	"github.com/example/push-service/internal/idempotency"
	"github.com/example/push-service/internal/pipeline"
	"github.com/example/push-service/internal/queue"
	"github.com/example/push-service/internal/render"
	"github.com/example/push-service/internal/retry"
	"github.com/example/push-service/internal/status"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("push-worker")
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

	var store idempotency.Store
	if cfg.RedisAddr == "" {
		logger.Warn().Msg("REDIS_ADDR not set, using in-memory idempotency store")
		store = idempotency.NewMemoryStore()
	} else {
		rdb, err := idempotency.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
		store = idempotency.NewRedisStore(rdb)
	}

	var gw pipeline.Gateway
	switch cfg.GatewayProvider {
	case common.GatewayLegacy:
		if cfg.FCMServerKey == "" {
			logger.Fatal().Msg("FCM_SERVER_KEY must be provided for the legacy gateway")
		}
		gw = &gateway.LegacyHTTP{
			Endpoint:  cfg.FCMEndpoint,
			ServerKey: cfg.FCMServerKey,
			Timeout:   cfg.GatewayTimeout,
			HTTP:      &http.Client{},
		}
	default:
		client, err := gateway.NewFirebaseMessaging(ctx, cfg.FirebaseProjectID, cfg.GoogleCredentialsFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("init firebase")
		}
		gw = gateway.NewFirebase(client)
	}

	broker, err := queue.Connect(ctx, cfg.Broker, cfg.KafkaBrokers, cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect broker")
	}
	defer broker.Close()

	source, err := broker.Source(cfg.PushQueue, cfg.ServiceName, cfg.Prefetch)
	if err != nil {
		logger.Fatal().Err(err).Msg("open push queue")
	}
	defer source.Close()

	dlq, err := broker.Sink(cfg.DeadLetterQueue)
	if err != nil {
		logger.Fatal().Err(err).Msg("open dead-letter queue")
	}
	defer dlq.Close()

	statusSink, err := broker.Sink(cfg.StatusQueue)
	if err != nil {
		logger.Fatal().Err(err).Msg("open status queue")
	}
	defer statusSink.Close()

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Base:        cfg.RetryBase,
		Cap:         cfg.RetryCap,
		Unit:        cfg.RetryUnit,
	}
	storePolicy := policy
	storePolicy.MaxAttempts = cfg.StoreMaxAttempts

	p := &pipeline.Pipeline{
		Store: store,
		Renderer: &render.Client{
			BaseURL: cfg.TemplateServiceURL,
			Timeout: cfg.RenderTimeout,
			HTTP:    &http.Client{},
		},
		Gateway:      gw,
		Status:       status.NewPublisher(statusSink),
		DeadLetter:   dlq,
		Policy:       policy,
		StorePolicy:  storePolicy,
		ProcessedTTL: cfg.ProcessedTTL,
		DefaultTitle: cfg.DefaultTitle,
		Logger:       logger,
	}

	logger.Info().
		Str("broker", cfg.Broker).
		Str("queue", cfg.PushQueue).
		Int("prefetch", cfg.Prefetch).
		Msg("push worker started")
	if err := p.Run(ctx, source, cfg.Prefetch); err != nil {
		// Return so the deferred closes and telemetry flush still run.
		logger.Error().Err(err).Msg("push worker stopped")
		return
	}
	logger.Info().Msg("push worker drained")
}
