// Package pipeline drives one push request from dequeue to a terminal state.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/push-service/internal/common"
	"github.com/example/push-service/internal/idempotency"
	"github.com/example/push-service/internal/push"
	"github.com/example/push-service/internal/queue"
	"github.com/example/push-service/internal/retry"
)

type State string

const (
	StateReceived     State = "RECEIVED"
	StateDedupCheck   State = "DEDUP_CHECK"
	StateRendering    State = "RENDERING"
	StateDelivering   State = "DELIVERING"
	StateCompleted    State = "COMPLETED"
	StateDeadLettered State = "DEAD_LETTERED"
	StateSkipped      State = "SKIPPED"
)

type Renderer interface {
	Render(ctx context.Context, templateCode string, variables map[string]any) (string, error)
}

type Gateway interface {
	Send(ctx context.Context, token, title, body string, metadata map[string]any) (push.Receipt, error)
}

type StatusPublisher interface {
	Delivered(ctx context.Context, requestID string) error
	Failed(ctx context.Context, requestID, reason string) error
}

// Pipeline holds the long-lived handles shared by every in-flight request.
type Pipeline struct {
	Store      idempotency.Store
	Renderer   Renderer
	Gateway    Gateway
	Status     StatusPublisher
	DeadLetter queue.Sink

	// Policy governs render and delivery attempts, StorePolicy the idempotency
	// store and the outbound publishes.
	Policy      retry.Policy
	StorePolicy retry.Policy

	ProcessedTTL time.Duration
	DefaultTitle string
	Logger       zerolog.Logger
}

// Handle runs one inbound body to a terminal state. A non-nil error means the
// message could not be dead-lettered and must not be acknowledged.
func (p *Pipeline) Handle(ctx context.Context, body []byte) (state State, err error) {
	start := time.Now()
	requestID := ""

	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error().
				Str("request_id", requestID).
				Str("stack", string(debug.Stack())).
				Msgf("panic while processing request: %v", r)
			state, err = p.unexpected(ctx, requestID, body, fmt.Errorf("panic: %v", r))
		}
		requestsTotal.WithLabelValues(string(state)).Inc()
		processingDuration.Observe(time.Since(start).Seconds())
	}()

	var req push.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return p.unexpected(ctx, "", body, fmt.Errorf("decode request: %w", err))
	}
	if req.RequestID == "" {
		return p.unexpected(ctx, "", body, errors.New("request_id missing"))
	}
	requestID = req.RequestID

	ctx, span := otel.Tracer("push-worker").Start(ctx, "deliver_push")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("template.code", req.TemplateCode),
		attribute.Int("request.priority", req.PriorityOrDefault()),
	)
	logger := common.WithContext(ctx, p.Logger).With().Str("request_id", req.RequestID).Logger()

	state, err = p.process(ctx, logger, req, body)
	span.SetAttributes(attribute.String("request.state", string(state)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return state, err
}

func (p *Pipeline) process(ctx context.Context, logger zerolog.Logger, req push.Request, body []byte) (State, error) {
	logger.Debug().Str("state", string(StateDedupCheck)).Msg("checking idempotency record")
	processed, err := retry.Do(ctx, p.storePolicy(logger, "dedup_check"), func(ctx context.Context) (bool, error) {
		return p.Store.IsProcessed(ctx, req.RequestID)
	})
	if err != nil {
		return p.unexpected(ctx, req.RequestID, body, fmt.Errorf("idempotency check: %w", err))
	}
	if processed {
		logger.Info().Str("state", string(StateSkipped)).Msg("request already processed")
		return StateSkipped, nil
	}

	token := req.PushToken()
	if token == "" {
		return p.deadLetter(ctx, logger, req.RequestID, body, push.ErrMissingToken)
	}

	logger.Debug().Str("state", string(StateRendering)).Str("template_code", req.TemplateCode).Msg("rendering template")
	text, err := retry.Do(ctx, p.deliveryPolicy(logger, "render"), func(ctx context.Context) (string, error) {
		text, err := p.Renderer.Render(ctx, req.TemplateCode, req.Variables)
		recordAttempt("render", err)
		return text, err
	})
	if err != nil {
		return p.failed(ctx, logger, req.RequestID, body, err)
	}

	logger.Debug().Str("state", string(StateDelivering)).Msg("sending push")
	title := req.Title(p.DefaultTitle)
	receipt, err := retry.Do(ctx, p.deliveryPolicy(logger, "deliver"), func(ctx context.Context) (push.Receipt, error) {
		receipt, err := p.Gateway.Send(ctx, token, title, text, req.Metadata)
		if err == nil && receipt.Failure {
			err = push.GatewayRejected(receipt.Diagnostic)
		}
		recordAttempt("deliver", err)
		return receipt, err
	})
	if err != nil {
		return p.failed(ctx, logger, req.RequestID, body, err)
	}

	err = retry.Execute(ctx, p.storePolicy(logger, "mark_processed"), func(ctx context.Context) error {
		return p.Store.MarkProcessed(ctx, req.RequestID, p.ProcessedTTL)
	})
	if err != nil {
		return p.unexpected(ctx, req.RequestID, body, fmt.Errorf("mark processed after delivery: %w", err))
	}

	if err := p.publish(ctx, logger, "status", func(ctx context.Context) error {
		return p.Status.Delivered(ctx, req.RequestID)
	}); err != nil {
		logger.Error().Err(err).Msg("delivered status not published")
	}

	logger.Info().Str("state", string(StateCompleted)).Str("message_id", receipt.MessageID).Msg("push delivered")
	return StateCompleted, nil
}

// failed routes a render or delivery failure. Classified failures end in the
// dead-letter destination with a failed status; anything else is unexpected.
func (p *Pipeline) failed(ctx context.Context, logger zerolog.Logger, requestID string, body []byte, err error) (State, error) {
	if !push.IsClassified(err) {
		return p.unexpected(ctx, requestID, body, err)
	}
	return p.deadLetter(ctx, logger, requestID, body, err)
}

func (p *Pipeline) deadLetter(ctx context.Context, logger zerolog.Logger, requestID string, body []byte, cause error) (State, error) {
	logger.Warn().Err(cause).Str("state", string(StateDeadLettered)).Msg("dead-lettering request")

	if err := p.publishDeadLetter(ctx, logger, requestID, body); err != nil {
		return StateDeadLettered, err
	}
	if err := p.publish(ctx, logger, "status", func(ctx context.Context) error {
		return p.Status.Failed(ctx, requestID, cause.Error())
	}); err != nil {
		logger.Error().Err(err).Msg("failed status not published")
	}
	return StateDeadLettered, nil
}

// unexpected is the catch-all terminal transition. The body is dead-lettered
// untouched and no status is emitted.
func (p *Pipeline) unexpected(ctx context.Context, requestID string, body []byte, cause error) (State, error) {
	logger := p.Logger.With().Str("request_id", requestID).Logger()
	logger.Error().Err(cause).
		Str("state", string(StateDeadLettered)).
		Bytes("body", body).
		Msg("unexpected failure, dead-lettering request")

	if err := p.publishDeadLetter(ctx, logger, requestID, body); err != nil {
		return StateDeadLettered, err
	}
	return StateDeadLettered, nil
}

func (p *Pipeline) publishDeadLetter(ctx context.Context, logger zerolog.Logger, requestID string, body []byte) error {
	err := p.publish(ctx, logger, "dead_letter", func(ctx context.Context) error {
		return p.DeadLetter.Publish(ctx, queue.Message{Key: []byte(requestID), Body: body})
	})
	if err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// publish retries an outbound queue write under the store policy.
func (p *Pipeline) publish(ctx context.Context, logger zerolog.Logger, stage string, op func(ctx context.Context) error) error {
	return retry.Execute(ctx, p.storePolicy(logger, stage), func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			if push.IsClassified(err) {
				return err
			}
			return push.QueueUnavailable(err)
		}
		return nil
	})
}

func (p *Pipeline) deliveryPolicy(logger zerolog.Logger, stage string) retry.Policy {
	return withRetryLog(p.Policy, logger, stage)
}

func (p *Pipeline) storePolicy(logger zerolog.Logger, stage string) retry.Policy {
	return withRetryLog(p.StorePolicy, logger, stage)
}

func withRetryLog(pol retry.Policy, logger zerolog.Logger, stage string) retry.Policy {
	next := pol.Notify
	pol.Notify = func(attempt int, wait time.Duration, err error) {
		logger.Warn().Err(err).
			Str("stage", stage).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("attempt failed, backing off")
		if next != nil {
			next(attempt, wait, err)
		}
	}
	return pol
}
