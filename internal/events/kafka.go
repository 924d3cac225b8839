package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxRetries   int
	BaseBackoff  time.Duration
	FlushTimeout time.Duration // bounds how long Close waits for queued messages
}

// KafkaPublisher produces events to a Kafka topic, keyed by participant so
// one participant's events stay ordered within a partition.
type KafkaPublisher struct {
	producer   *kafka.Producer
	cfg        KafkaConfig
	deliveries chan kafka.Event
	wg         sync.WaitGroup
	closeOnce  sync.Once

	// sent counts messages handed to the producer; acked and failed split
	// their delivery reports. rejected counts messages never produced.
	sent     atomic.Int64
	acked    atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher needs at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka publisher needs a topic")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":   strings.Join(cfg.Brokers, ","),
		"acks":                "all",
		"enable.idempotence":  true,
		"linger.ms":           5,
		"request.timeout.ms":  30000,
		"delivery.timeout.ms": 120000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	kp := &KafkaPublisher{
		producer:   p,
		cfg:        cfg,
		deliveries: make(chan kafka.Event, 1000),
	}
	kp.wg.Add(1)
	go kp.handleDeliveryReports()

	slog.Info("Kafka publisher initialized", "topic", cfg.Topic, "brokers", cfg.Brokers)
	return kp, nil
}

func (kp *KafkaPublisher) handleDeliveryReports() {
	defer kp.wg.Done()
	for e := range kp.deliveries {
		m, ok := e.(*kafka.Message)
		if !ok {
			continue
		}
		if m.TopicPartition.Error != nil {
			kp.failed.Add(1)
			slog.Error("Event delivery failed", "error", m.TopicPartition.Error, "key", string(m.Key))
			continue
		}
		kp.acked.Add(1)
		slog.Debug("Event delivered", "partition", m.TopicPartition.Partition, "offset", m.TopicPartition.Offset)
	}
}

// Publish queues the event, retrying retriable producer errors with
// exponential backoff.
func (kp *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	topic := kp.cfg.Topic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.ParticipantID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID)},
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= kp.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := kp.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
			slog.Warn("Retrying event publish", "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := kp.producer.Produce(msg, kp.deliveries)
		if err == nil {
			kp.sent.Add(1)
			return nil
		}
		lastErr = err

		var kerr kafka.Error
		if errors.As(err, &kerr) && !kerr.IsRetriable() && kerr.Code() != kafka.ErrQueueFull {
			kp.rejected.Add(1)
			return fmt.Errorf("non-retriable error: %w", err)
		}
	}

	kp.rejected.Add(1)
	return fmt.Errorf("failed after %d retries: %w", kp.cfg.MaxRetries, lastErr)
}

// Stats returns the publisher's delivery counters.
func (kp *KafkaPublisher) Stats() map[string]int64 {
	sent, acked, failed := kp.sent.Load(), kp.acked.Load(), kp.failed.Load()
	return map[string]int64{
		"sent":     sent,
		"acked":    acked,
		"failed":   failed,
		"rejected": kp.rejected.Load(),
		"pending":  sent - acked - failed,
	}
}

// Close flushes queued events and shuts the producer down.
func (kp *KafkaPublisher) Close() {
	kp.closeOnce.Do(func() {
		if remaining := kp.producer.Flush(int(kp.cfg.FlushTimeout.Milliseconds())); remaining > 0 {
			slog.Warn("Events still queued after flush timeout", "remaining", remaining)
		}
		kp.producer.Close()
		close(kp.deliveries)
		kp.wg.Wait()
		slog.Info("Kafka publisher closed", "stats", kp.Stats())
	})
}
