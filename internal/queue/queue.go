// Package queue abstracts the message broker behind the push worker. Kafka and
// RabbitMQ implementations share the same at-least-once contract: a delivery
// is redelivered unless it is acked.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Fetch once the source has been closed or the broker
// stopped delivering.
var ErrClosed = errors.New("queue: source closed")

// Message is an outbound message. Key selects the partition on Kafka; Priority
// orders delivery on RabbitMQ, where every queue is declared with
// x-max-priority set to MaxPriority. Kafka ignores it.
type Message struct {
	Key      []byte
	Body     []byte
	Priority uint8
}

// Delivery is one inbound message awaiting acknowledgement.
type Delivery struct {
	Key  []byte
	Body []byte
	ack  func(ctx context.Context) error
}

func NewDelivery(key, body []byte, ack func(ctx context.Context) error) Delivery {
	return Delivery{Key: key, Body: body, ack: ack}
}

// Ack settles the delivery so the broker will not hand it out again.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

type Source interface {
	Fetch(ctx context.Context) (Delivery, error)
	Close() error
}

type Sink interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
