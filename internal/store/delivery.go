package store

import "time"

// Webhook delivery states. A retry is due again at NextAttemptAt; failed
// deliveries stay put until an admin retries them.
const (
	DeliveryPending   = "pending"
	DeliveryRetry     = "retry"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// WebhookDelivery is one queued POST of an event envelope to a subscriber.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}
