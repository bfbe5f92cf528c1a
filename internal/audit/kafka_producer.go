package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducerConfig contains configurable parameters for the Kafka producer.
type KafkaProducerConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts defaults to 3.
	MaxAttempts int

	// WriteTimeout defaults to 10s.
	WriteTimeout time.Duration

	// Balancer defaults to kafka.Hash so one stream id always lands on one partition.
	Balancer kafka.Balancer
}

// KafkaProducer wraps a kafka-go Writer with bounded retries.
// The high-level Writer does not report partition or offset; both are returned as -1.
type KafkaProducer struct {
	writer      *kafka.Writer
	topic       string
	maxAttempts int
	attemptTTL  time.Duration
}

func (c KafkaProducerConfig) withDefaults() (KafkaProducerConfig, error) {
	if len(c.Brokers) == 0 {
		return c, fmt.Errorf("kafka: at least one broker required")
	}
	if c.Topic == "" {
		return c, fmt.Errorf("kafka: topic required")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Balancer == nil {
		c.Balancer = &kafka.Hash{}
	}
	return c, nil
}

func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaProducer{
		writer:      w,
		topic:       cfg.Topic,
		maxAttempts: cfg.MaxAttempts,
		attemptTTL:  cfg.WriteTimeout,
	}, nil
}

// Produce writes one message, retrying with exponential backoff.
func (p *KafkaProducer) Produce(ctx context.Context, key []byte, value []byte) (int, int64, time.Time, error) {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{Key: key, Value: value, Time: time.Now().UTC()}

		actx, cancel := context.WithTimeout(ctx, p.attemptTTL)
		err := p.writer.WriteMessages(actx, msg)
		cancel()
		if err == nil {
			return -1, -1, msg.Time, nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return -1, -1, time.Time{}, fmt.Errorf("produce to %s: %w", p.topic, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return -1, -1, time.Time{}, fmt.Errorf("produce to %s failed after %d attempts: %w", p.topic, p.maxAttempts, lastErr)
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
