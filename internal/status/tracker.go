package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/push-service/internal/common"
	"github.com/example/push-service/internal/push"
	"github.com/example/push-service/internal/queue"
)

var eventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "status_events_total",
	Help: "Total status events consumed by the tracker",
}, []string{"status"})

// Tracker records outcomes from the status destination and serves lookups.
type Tracker struct {
	Repo   Repository
	Logger zerolog.Logger
}

// Consume stores every outcome read from src. A delivery is only acked after
// the store accepted it; malformed events are logged and dropped.
func (t *Tracker) Consume(ctx context.Context, src queue.Source) error {
	tracer := otel.Tracer("status-tracker")
	for {
		d, err := src.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}

		var outcome push.Outcome
		if err := json.Unmarshal(d.Body, &outcome); err != nil || outcome.NotificationID == "" {
			t.Logger.Error().Err(err).Msg("dropping malformed status event")
			eventCounter.WithLabelValues("invalid").Inc()
			if err := d.Ack(ctx); err != nil {
				return err
			}
			continue
		}

		spanCtx, span := tracer.Start(ctx, "record_status")
		span.SetAttributes(
			attribute.String("notification.id", outcome.NotificationID),
			attribute.String("notification.status", string(outcome.Status)),
		)
		if err := t.Repo.Upsert(spanCtx, outcome); err != nil {
			span.RecordError(err)
			span.End()
			return fmt.Errorf("record status %s: %w", outcome.NotificationID, err)
		}
		span.End()

		eventCounter.WithLabelValues(string(outcome.Status)).Inc()
		logger := common.WithContext(spanCtx, t.Logger)
		logger.Debug().
			Str("notification_id", outcome.NotificationID).
			Str("status", string(outcome.Status)).
			Msg("status recorded")

		if err := d.Ack(ctx); err != nil {
			return err
		}
	}
}

func (t *Tracker) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", common.HealthHandler)
	r.Get("/v1/notifications/{id}/status", t.getStatus)
	return r
}

func (t *Tracker) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("status-tracker").Start(r.Context(), "get_status")
	defer span.End()

	id := chi.URLParam(r, "id")
	rec, err := t.Repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger := common.WithContext(ctx, t.Logger)
		logger.Error().Err(err).Str("notification_id", id).Msg("status lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}
