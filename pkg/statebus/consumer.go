// Package statebus carries ORIGIN's two durable queues over Kafka: the
// evidence-pack task topic the worker drains and the webhook-delivery topic
// the webhook sender drains. The webhook dispatcher keys messages by tenant
// so one tenant's burst cannot reorder another's partition; evidence tasks
// are keyed by their task id.
package statebus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
