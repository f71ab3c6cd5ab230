package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/push-service/internal/common"
	"github.com/example/push-service/internal/push"
	"github.com/example/push-service/internal/queue"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_requests_total",
		Help: "Total number of /v1/push requests received",
	}, []string{"status"})
	requestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_request_duration_seconds",
		Help:    "Latency for /v1/push requests",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler accepts push requests and enqueues them for the worker. It only
// confirms enqueueing; delivery outcomes arrive on the status destination.
type Handler struct {
	repo     Repository
	producer queue.Sink
	tracer   trace.Tracer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewHandler builds the ingress handler. repo may be nil when no ledger is
// configured.
func NewHandler(repo Repository, producer queue.Sink, logger zerolog.Logger) *Handler {
	return &Handler{
		repo:     repo,
		producer: producer,
		tracer:   otel.Tracer("ingestion"),
		logger:   logger,
		now:      time.Now,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", common.HealthHandler)
	r.Post("/v1/push", h.enqueue)
	return r
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "enqueue_push")
	defer span.End()
	start := time.Now()

	var req push.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := validateRequest(req); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	priority := req.PriorityOrDefault()
	req.Priority = &priority
	span.SetAttributes(attribute.String("request.id", req.RequestID))

	body, err := json.Marshal(req)
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}

	if h.repo != nil {
		duplicate, err := h.repo.Create(ctx, Record{
			RequestID:    req.RequestID,
			UserID:       req.UserID,
			TemplateCode: req.TemplateCode,
			Priority:     priority,
			Payload:      body,
			Status:       StatusPending,
			CreatedAt:    h.now().UTC(),
		})
		if err != nil {
			h.respondErr(ctx, w, http.StatusInternalServerError, err)
			return
		}
		if duplicate {
			reqCounter.WithLabelValues("duplicate").Inc()
			writeJSON(w, http.StatusConflict, map[string]any{
				"request_id": req.RequestID,
				"status":     "duplicate",
			})
			return
		}
	}

	if err := h.producer.Publish(ctx, queue.Message{
		Key:      []byte(req.RequestID),
		Body:     body,
		Priority: uint8(priority),
	}); err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}

	logger := common.WithContext(ctx, h.logger)
	if h.repo != nil {
		// The message is already on the broker; a stale pending row only lets a
		// client retry enqueue again, which the worker deduplicates.
		if err := h.repo.MarkQueued(ctx, req.RequestID); err != nil {
			logger.Error().Err(err).Str("request_id", req.RequestID).Msg("ledger not updated after enqueue")
		}
	}

	reqCounter.WithLabelValues("accepted").Inc()
	requestLatency.Observe(time.Since(start).Seconds())
	logger.Info().Str("request_id", req.RequestID).Msg("push request queued")

	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": req.RequestID,
		"status":     "queued",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Int("status", status).Msg("push handler failed")
	reqCounter.WithLabelValues(http.StatusText(status)).Inc()
	http.Error(w, err.Error(), status)
}

func validateRequest(req push.Request) error {
	if strings.TrimSpace(req.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(req.TemplateCode) == "" {
		return errors.New("template_code is required")
	}
	if req.Priority != nil && (*req.Priority < MinPriority || *req.Priority > MaxPriority) {
		return fmt.Errorf("priority must be between %d and %d", MinPriority, MaxPriority)
	}
	return nil
}
