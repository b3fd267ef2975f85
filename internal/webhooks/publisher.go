package webhooks

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"fieldserve/internal/store"
)

// Publisher turns domain events into queued, signed webhook deliveries.
type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit enqueues eventType for every subscription listening to it. The envelope
// id doubles as the delivery dedup key.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil {
		log.Printf("[webhooks] subscriptions for %s: %v", eventType, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":   "evt_" + uuid.New().String(),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			log.Printf("[webhooks] enqueue %s -> %s: %v", eventType, s.URL, err)
		}
	}
}
