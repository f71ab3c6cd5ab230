package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"
)

// DialAMQP connects to RabbitMQ, retrying a few times while the broker starts.
func DialAMQP(ctx context.Context, url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 4), ctx)
	err := backoff.Retry(func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, b)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return conn, nil
}

// MaxPriority is the highest message priority a declared queue orders by.
const MaxPriority = 9

// queueArgs must be identical on every declaration of a queue or RabbitMQ
// rejects it with PRECONDITION_FAILED.
func queueArgs() amqp.Table {
	return amqp.Table{"x-max-priority": int32(MaxPriority)}
}

func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,        // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		queueArgs(), // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// AMQPSource consumes a durable queue with manual acknowledgement. Prefetch
// bounds how many unacked deliveries the broker hands out at once.
type AMQPSource struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func NewAMQPSource(conn *amqp.Connection, queueName, consumer string, prefetch int) (*AMQPSource, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareQueue(ch, queueName); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(
		queueName, // queue
		consumer,  // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queueName, err)
	}
	return &AMQPSource{ch: ch, deliveries: deliveries}, nil
}

func (s *AMQPSource) Fetch(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return Delivery{}, ErrClosed
		}
		return NewDelivery([]byte(d.MessageId), d.Body, func(context.Context) error {
			return d.Ack(false)
		}), nil
	}
}

func (s *AMQPSource) Close() error {
	return s.ch.Close()
}

// AMQPSink publishes persistent messages to a queue through the default exchange.
type AMQPSink struct {
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

func NewAMQPSink(conn *amqp.Connection, queueName string) (*AMQPSink, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareQueue(ch, queueName); err != nil {
		ch.Close()
		return nil, err
	}
	return &AMQPSink{ch: ch, queue: queueName}, nil
}

func (s *AMQPSink) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ch.Publish(
		"",      // default exchange
		s.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     msg.Priority,
			MessageId:    string(msg.Key),
			Timestamp:    time.Now().UTC(),
			Body:         msg.Body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.queue, err)
	}
	return nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Close()
}
