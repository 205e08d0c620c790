package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sugawarayuuta/sonnet"

	"github.com/fryprotocol/wreckage-engine/internal/metrics"
	"github.com/fryprotocol/wreckage-engine/internal/model"
)

// ErrNoBrokers is returned when no Kafka brokers are configured.
var ErrNoBrokers = errors.New("ingest: no kafka brokers configured")

// WaitForBroker dials the first broker once per second until it answers
// or ctx is done.
func WaitForBroker(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return ErrNoBrokers
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastErr error
	for {
		conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for broker: %w (last error: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// EnsureTopic creates topic through the cluster controller. An existing
// topic is not an error.
func EnsureTopic(ctx context.Context, brokers []string, topic string) error {
	if len(brokers) == 0 {
		return ErrNoBrokers
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}

	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrlConn.Close()

	cfg := kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     3,
		ReplicationFactor: 1,
	}
	if err := ctrlConn.CreateTopics(cfg); err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

// NewWriter returns a writer that hashes message keys to partitions, so
// every outcome for one asset lands on the same partition in order.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes committed outcomes to a Kafka topic keyed by
// asset. It implements engine.Publisher.
type KafkaPublisher struct {
	w MessageWriter
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

// Messages builds one Kafka message per outcome.
func Messages(outcomes []model.Outcome) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(outcomes))
	for _, o := range outcomes {
		env := NewEnvelope(o)
		payload, err := sonnet.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal outcome %s: %w", env.RecordID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(env.Asset),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(env.Kind)},
				{Key: "record_id", Value: []byte(env.RecordID)},
			},
		})
	}
	return msgs, nil
}

// Publish writes outcomes as a single batch.
func (p *KafkaPublisher) Publish(ctx context.Context, outcomes []model.Outcome) error {
	if p.w == nil || len(outcomes) == 0 {
		return nil
	}
	msgs, err := Messages(outcomes)
	if err != nil {
		metrics.PublishFailures.WithLabelValues("kafka").Inc()
		return err
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		metrics.PublishFailures.WithLabelValues("kafka").Inc()
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p.w == nil {
		return nil
	}
	return p.w.Close()
}
