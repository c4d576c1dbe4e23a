package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"origin/pkg/correlation"
	"origin/pkg/statebus"
)

// Event is the envelope placed on the delivery topic. Payload is carried as
// raw JSON so the sender never re-serializes what the enqueuer wrote.
type Event struct {
	EventID       string          `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Dispatcher is the enqueue half of the webhook pipeline, called by ingest
// after its transaction commits. Publishing is best-effort from the
// caller's point of view; a broker outage is logged and the decision
// response still goes out.
type Dispatcher struct {
	Producer statebus.Producer
	Logger   *zap.Logger

	now func() time.Time
}

func NewDispatcher(producer statebus.Producer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Producer: producer,
		Logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue publishes one event keyed by tenant so a tenant's events land on
// one partition. Satisfies ingest.WebhookEnqueuer.
func (d *Dispatcher) Enqueue(ctx context.Context, tenantID, eventType string, payload interface{}) error {
	if d == nil || d.Producer == nil {
		return fmt.Errorf("webhook: dispatcher has no producer")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	now := d.now()
	ev := Event{
		EventID:       uuid.NewString(),
		TenantID:      tenantID,
		EventType:     eventType,
		Payload:       raw,
		OccurredAt:    now,
		CorrelationID: correlation.FromContext(ctx),
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	if err := d.Producer.Enqueue(ctx, tenantID, value); err != nil {
		return fmt.Errorf("webhook: enqueue: %w", err)
	}
	if d.Logger != nil {
		d.Logger.Debug("webhook event enqueued",
			zap.String("tenant_id", tenantID),
			zap.String("event_type", eventType),
			zap.String("event_id", ev.EventID))
	}
	return nil
}
