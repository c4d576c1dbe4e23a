package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"origin/pkg/encryption"
	"origin/pkg/httpx"
	"origin/pkg/metrics"
	"origin/pkg/models"
	"origin/pkg/statebus"
	"origin/pkg/store"
)

// DefaultBackoff is the wait applied after each failed attempt; its length
// is also the attempt cap, so the final entry is never slept (the delivery
// dead-letters instead).
var DefaultBackoff = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

const attemptTimeout = 10 * time.Second

// Sender is the delivery half of the webhook pipeline, run by the worker
// process. It drains
// the delivery topic, fans each event out to the tenant's subscribed
// webhooks, and walks the retry schedule per webhook; deliveries to
// different webhooks are independent and may complete out of order.
type Sender struct {
	Repo       *store.Repository
	Encryption encryption.Provider
	Client     *http.Client
	Metrics    *metrics.Registry
	Logger     *zap.Logger
	Backoff    []time.Duration

	sleep func(time.Duration)
	now   func() time.Time
}

func NewSender(repo *store.Repository, enc encryption.Provider, client *http.Client, reg *metrics.Registry, logger *zap.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: attemptTimeout}
	}
	return &Sender{
		Repo:       repo,
		Encryption: enc,
		Client:     client,
		Metrics:    reg,
		Logger:     logger,
		Backoff:    DefaultBackoff,
		sleep:      time.Sleep,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes the delivery topic until ctx is cancelled. Malformed
// messages are logged and skipped; a poisoned event must not wedge the
// partition.
func (s *Sender) Run(ctx context.Context, consumer statebus.Consumer) error {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if statebus.IsBrokerUnavailable(err) {
				s.logWarn("broker unavailable, backing off", err)
				s.wait(5 * time.Second)
				continue
			}
			return err
		}
		if err := s.Process(ctx, msg.Value); err != nil {
			s.logWarn("webhook event processing failed", err)
		}
	}
}

// Process fans one event envelope out to every matching webhook.
func (s *Sender) Process(ctx context.Context, value []byte) error {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("webhook: decode event: %w", err)
	}
	if ev.TenantID == "" || ev.EventType == "" {
		return fmt.Errorf("webhook: event missing tenant or type")
	}
	hooks, err := s.Repo.ListWebhooksForEvent(ctx, ev.TenantID, ev.EventType)
	if err != nil {
		return fmt.Errorf("webhook: list webhooks: %w", err)
	}
	for _, wh := range hooks {
		if err := s.Deliver(ctx, wh, ev); err != nil {
			s.logWarn(fmt.Sprintf("delivery to webhook %s exhausted", wh.ID), err)
		}
	}
	return nil
}

// deliveryBody is serialized exactly once per delivery; the same bytes are
// signed and transmitted on every attempt.
type deliveryBody struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Deliver walks the retry schedule for one webhook. Every attempt appends a
// WebhookDelivery row; the terminal failed attempt is recorded as
// dead_lettered and retained.
func (s *Sender) Deliver(ctx context.Context, wh models.Webhook, ev Event) error {
	secret, err := s.Encryption.Decrypt(ctx, wh.SecretCiphertext, wh.SecretKeyID, wh.EncryptionContext)
	if err != nil {
		return fmt.Errorf("webhook: decrypt secret: %w", err)
	}
	rawBody, err := json.Marshal(deliveryBody{
		EventID:    ev.EventID,
		EventType:  ev.EventType,
		OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339),
		Data:       ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal delivery body: %w", err)
	}

	maxAttempts := len(s.backoff())
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, sendErr := s.send(ctx, wh.URL, secret, rawBody, ev)
		success := sendErr == nil && status >= 200 && status < 300

		row := models.WebhookDelivery{
			ID:            uuid.NewString(),
			WebhookID:     wh.ID,
			EventID:       ev.EventID,
			EventType:     ev.EventType,
			Attempt:       attempt,
			Status:        models.DeliveryFailed,
			ResponseCode:  status,
			CorrelationID: ev.CorrelationID,
			ScheduledAt:   s.clock(),
		}
		if sendErr != nil {
			row.ResponseBody = cap500(sendErr.Error())
		}
		if success {
			row.Status = models.DeliverySuccess
			done := s.clock()
			row.CompletedAt = &done
		} else if attempt == maxAttempts {
			row.Status = models.DeliveryDeadLettered
			done := s.clock()
			row.CompletedAt = &done
		}
		if err := s.Repo.InsertDelivery(ctx, row); err != nil {
			s.logWarn("delivery row insert failed", err)
		}
		if s.Metrics != nil {
			s.Metrics.IncWebhookDelivery(string(row.Status))
		}

		if success {
			return nil
		}
		if attempt < maxAttempts {
			s.wait(s.backoff()[attempt-1])
		}
	}
	return fmt.Errorf("webhook: %d attempts exhausted for webhook %s event %s", maxAttempts, wh.ID, ev.EventID)
}

// SendTest performs a single, schedule-free attempt, used by the
// POST /v1/webhooks/test endpoint.
func (s *Sender) SendTest(ctx context.Context, wh models.Webhook, payload interface{}) (int, error) {
	secret, err := s.Encryption.Decrypt(ctx, wh.SecretCiphertext, wh.SecretKeyID, wh.EncryptionContext)
	if err != nil {
		return 0, fmt.Errorf("webhook: decrypt secret: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("webhook: marshal test payload: %w", err)
	}
	ev := Event{
		EventID:    uuid.NewString(),
		TenantID:   wh.TenantID,
		EventType:  "webhook.test",
		OccurredAt: s.clock(),
	}
	rawBody, err := json.Marshal(deliveryBody{
		EventID:    ev.EventID,
		EventType:  ev.EventType,
		OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339),
		Data:       raw,
	})
	if err != nil {
		return 0, err
	}
	return s.send(ctx, wh.URL, secret, rawBody, ev)
}

// send signs the raw body and transmits it verbatim: the bytes on the wire
// are byte-for-byte the bytes under the HMAC.
func (s *Sender) send(ctx context.Context, url string, secret, rawBody []byte, ev Event) (int, error) {
	timestamp := strconv.FormatInt(s.clock().Unix(), 10)
	headers := map[string]string{
		HeaderSignature:     Sign(secret, timestamp, rawBody),
		HeaderTimestamp:     timestamp,
		HeaderEvent:         ev.EventType,
		HeaderEventID:       ev.EventID,
		HeaderCorrelationID: ev.CorrelationID,
	}
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	status, _, err := httpx.RequestJSON(attemptCtx, s.Client, http.MethodPost, url, rawBody, headers, 0, 0)
	return status, err
}

func (s *Sender) backoff() []time.Duration {
	if len(s.Backoff) == 0 {
		return DefaultBackoff
	}
	return s.Backoff
}

func (s *Sender) wait(d time.Duration) {
	if s.sleep != nil {
		s.sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Sender) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Sender) logWarn(msg string, err error) {
	if s.Logger != nil {
		s.Logger.Warn(msg, zap.Error(err))
	}
}

func cap500(msg string) string {
	if len(msg) <= 500 {
		return msg
	}
	return msg[:500]
}
