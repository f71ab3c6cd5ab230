package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/segmentio/kafka-go"
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes a topic through a consumer group. Messages may be acked
// out of order by concurrent workers; offsets are only committed up to the
// highest contiguous acked offset of each partition.
type KafkaSource struct {
	reader kafkaReader

	mu         sync.Mutex
	partitions map[partitionKey]*offsetTracker
}

type partitionKey struct {
	topic     string
	partition int
}

func NewKafkaSource(brokers []string, groupID, topic string) *KafkaSource {
	return newKafkaSource(kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
	}))
}

func newKafkaSource(reader kafkaReader) *KafkaSource {
	return &KafkaSource{reader: reader, partitions: make(map[partitionKey]*offsetTracker)}
}

func (s *KafkaSource) Fetch(ctx context.Context) (Delivery, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Delivery{}, ErrClosed
		}
		return Delivery{}, fmt.Errorf("fetch message: %w", err)
	}

	key := partitionKey{topic: msg.Topic, partition: msg.Partition}
	s.mu.Lock()
	tracker, ok := s.partitions[key]
	if !ok {
		tracker = newOffsetTracker()
		s.partitions[key] = tracker
	}
	tracker.fetched(msg.Offset)
	s.mu.Unlock()

	return NewDelivery(msg.Key, msg.Value, func(ctx context.Context) error {
		return s.ack(ctx, key, msg.Offset)
	}), nil
}

func (s *KafkaSource) ack(ctx context.Context, key partitionKey, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit, ok := s.partitions[key].acked(offset)
	if !ok {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, kafka.Message{Topic: key.topic, Partition: key.partition, Offset: commit}); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// offsetTracker remembers fetched offsets of one partition in fetch order.
type offsetTracker struct {
	pending []int64
	done    map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{done: make(map[int64]bool)}
}

func (t *offsetTracker) fetched(offset int64) {
	t.pending = append(t.pending, offset)
}

// acked returns the offset to commit when the contiguous acked prefix grew.
func (t *offsetTracker) acked(offset int64) (int64, bool) {
	t.done[offset] = true
	var (
		last     int64
		advanced bool
	)
	for len(t.pending) > 0 && t.done[t.pending[0]] {
		last = t.pending[0]
		delete(t.done, last)
		t.pending = t.pending[1:]
		advanced = true
	}
	return last, advanced
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes to a single topic keyed by request id.
type KafkaSink struct {
	writer kafkaWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

func (s *KafkaSink) Publish(ctx context.Context, msg Message) error {
	km := kafka.Message{Key: msg.Key, Value: msg.Body}
	if msg.Priority > 0 {
		km.Headers = []kafka.Header{{Key: "priority", Value: []byte(strconv.Itoa(int(msg.Priority)))}}
	}
	if err := s.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
