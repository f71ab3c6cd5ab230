// Package status publishes delivery outcomes and tracks them for lookup.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/push-service/internal/push"
	"github.com/example/push-service/internal/queue"
)

// Publisher emits one Outcome per terminal request onto the status destination.
type Publisher struct {
	Sink queue.Sink
	Now  func() time.Time
}

func NewPublisher(sink queue.Sink) *Publisher {
	return &Publisher{Sink: sink, Now: time.Now}
}

func (p *Publisher) Delivered(ctx context.Context, requestID string) error {
	return p.publish(ctx, push.Outcome{NotificationID: requestID, Status: push.StatusDelivered})
}

func (p *Publisher) Failed(ctx context.Context, requestID, reason string) error {
	return p.publish(ctx, push.Outcome{NotificationID: requestID, Status: push.StatusFailed, Error: reason})
}

func (p *Publisher) publish(ctx context.Context, outcome push.Outcome) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	outcome.Timestamp = now().UTC()
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	return p.Sink.Publish(ctx, queue.Message{Key: []byte(outcome.NotificationID), Body: body})
}
