package queue

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
)

const (
	KindKafka    = "kafka"
	KindRabbitMQ = "rabbitmq"
)

// Broker opens sources and sinks on the configured transport. For RabbitMQ it
// owns the single connection shared by all channels.
type Broker struct {
	kind         string
	kafkaBrokers []string
	conn         *amqp.Connection
}

func Connect(ctx context.Context, kind string, kafkaBrokers []string, rabbitURL string) (*Broker, error) {
	switch kind {
	case KindKafka:
		return &Broker{kind: kind, kafkaBrokers: kafkaBrokers}, nil
	case KindRabbitMQ:
		conn, err := DialAMQP(ctx, rabbitURL)
		if err != nil {
			return nil, err
		}
		return &Broker{kind: kind, conn: conn}, nil
	default:
		return nil, fmt.Errorf("unsupported broker %q", kind)
	}
}

// Source consumes name. group is the Kafka consumer group or the AMQP consumer tag.
func (b *Broker) Source(name, group string, prefetch int) (Source, error) {
	if b.kind == KindRabbitMQ {
		return NewAMQPSource(b.conn, name, group, prefetch)
	}
	return NewKafkaSource(b.kafkaBrokers, group, name), nil
}

func (b *Broker) Sink(name string) (Sink, error) {
	if b.kind == KindRabbitMQ {
		return NewAMQPSink(b.conn, name)
	}
	return NewKafkaSink(b.kafkaBrokers, name), nil
}

func (b *Broker) Close() error {
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
