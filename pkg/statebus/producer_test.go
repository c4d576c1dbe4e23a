package statebus

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaProducerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaProducer(KafkaConfig{Topic: "evidence-tasks"})
	if err == nil {
		t.Fatal("expected error when brokers are missing")
	}

	_, err = NewKafkaProducer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err == nil {
		t.Fatal("expected error when topic is missing")
	}

	p, err := NewKafkaProducer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "evidence-tasks"})
	if err != nil {
		t.Fatalf("expected valid producer config, got error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaProducerEnqueueGuard(t *testing.T) {
	t.Parallel()

	var nilProducer *KafkaProducer
	if err := nilProducer.Enqueue(context.Background(), "k", []byte("v")); err == nil {
		t.Fatal("expected enqueue error for nil producer")
	}
	if err := nilProducer.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
}

type fakeKafkaWriter struct {
	err      error
	writeHit int
	lastMsgs []kafka.Message
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.writeHit++
	f.lastMsgs = msgs
	return f.err
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaProducerEnqueue(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	p := &KafkaProducer{writer: w, topic: "evidence-tasks"}
	if err := p.Enqueue(context.Background(), "tenant-1:cert-1", []byte(`{"task_id":"t1"}`)); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if w.writeHit != 1 {
		t.Fatalf("expected one write, got %d", w.writeHit)
	}
	if string(w.lastMsgs[0].Key) != "tenant-1:cert-1" {
		t.Fatalf("unexpected message key: %s", string(w.lastMsgs[0].Key))
	}
}

func TestKafkaProducerEnqueuePropagatesError(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{err: errors.New("broker unavailable")}
	p := &KafkaProducer{writer: w, topic: "evidence-tasks"}
	if err := p.Enqueue(context.Background(), "k", []byte("v")); err == nil {
		t.Fatal("expected enqueue to propagate writer error")
	}
}

func TestIsBrokerUnavailable(t *testing.T) {
	t.Parallel()

	if IsBrokerUnavailable(nil) {
		t.Fatal("nil error should not classify as broker-unavailable")
	}
	if !IsBrokerUnavailable(&net.OpError{Op: "dial", Err: errors.New("connection refused")}) {
		t.Fatal("net.Error should classify as broker-unavailable")
	}
	if !IsBrokerUnavailable(errors.New("dial tcp 127.0.0.1:9092: connect: connection refused")) {
		t.Fatal("connection-refused message should classify as broker-unavailable")
	}
	if !IsBrokerUnavailable(context.DeadlineExceeded) {
		t.Fatal("deadline-exceeded should classify as broker-unavailable")
	}
	if IsBrokerUnavailable(errors.New("invalid task payload")) {
		t.Fatal("deterministic validation error should not classify as broker-unavailable")
	}
}
