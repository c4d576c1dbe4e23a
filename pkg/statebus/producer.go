package statebus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer is the task-broker enqueue surface the evidence pipeline and
// webhook dispatcher both consume: one topic per concern, one message per
// task/delivery attempt.
type Producer interface {
	Enqueue(ctx context.Context, key string, value []byte) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer kafkaWriter
	topic  string
}

func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, topic: cfg.Topic}, nil
}

func (p *KafkaProducer) Enqueue(ctx context.Context, key string, value []byte) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("statebus: producer not initialized")
	}
	err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value, Time: time.Now()})
	if err != nil {
		return err
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// IsBrokerUnavailable classifies an Enqueue/ReadMessage error as a transient
// broker-connectivity failure (network unreachable, dial timeout, refused
// connection) as opposed to a deterministic encoding or validation error.
// The evidence pipeline and webhook dispatcher both use this to decide
// between apierr.TransientInfra (retry) and a terminal failure.
func IsBrokerUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "no route to host", "broken pipe", "dial tcp", "i/o timeout", "context deadline exceeded", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
