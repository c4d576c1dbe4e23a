package statebus

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	if len(f.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaConsumerValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  KafkaConfig
	}{
		{"no brokers", KafkaConfig{Topic: "origin.evidence.tasks", GroupID: "origin-worker"}},
		{"blank brokers", KafkaConfig{Brokers: []string{" ", ""}, Topic: "origin.evidence.tasks", GroupID: "origin-worker"}},
		{"no topic", KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "origin-worker"}},
		{"no group", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "origin.evidence.tasks"}},
	}
	for _, tc := range cases {
		if _, err := NewKafkaConsumer(tc.cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestConsumerPassesKeyAndValue(t *testing.T) {
	c := &KafkaConsumer{reader: &fakeReader{msgs: []kafka.Message{
		{Key: []byte("tenant-1"), Value: []byte(`{"certificate_id":"c1"}`)},
	}}}
	msg, err := c.ReadMessage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "tenant-1" || string(msg.Value) != `{"certificate_id":"c1"}` {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestConsumerNilSafety(t *testing.T) {
	var c *KafkaConsumer
	if _, err := c.ReadMessage(context.Background()); err == nil {
		t.Fatal("nil consumer must error, not panic")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("nil consumer Close: %v", err)
	}
}

func TestConsumerClose(t *testing.T) {
	fr := &fakeReader{}
	c := &KafkaConsumer{reader: fr}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !fr.closed {
		t.Fatal("underlying reader not closed")
	}
}
