// Package notify delivers user-facing notifications. Delivery is best effort
// and never blocks the caller.
package notify

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"fieldserve/internal/metrics"
	"fieldserve/internal/realtime"
)

// Notification is one message for one user.
type Notification struct {
	RecipientID string            `json:"recipientId"`
	Role        string            `json:"role,omitempty"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Severity    string            `json:"severity,omitempty"` // info | warning | critical
	DeepLink    string            `json:"deepLink,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Notifier is what the dispatch service depends on.
type Notifier interface {
	Send(n Notification)
}

// Dispatcher fans each notification out to every sink on a bounded queue.
// When the queue is full the notification is dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Notification
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewDispatcher(queueSize, workers int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{sinks: sinks, queue: make(chan Notification, queueSize), timeout: 10 * time.Second}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

func (d *Dispatcher) Send(n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		metrics.NotificationsDropped.Inc()
		log.Printf("[notify] queue full, dropped %q for %s", n.Title, n.RecipientID)
	}
}

// Close drains queued notifications and stops the workers.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := s.Notify(ctx, n)
			cancel()
			status := "ok"
			if err != nil {
				status = "error"
				log.Printf("[notify] %s -> %s: %v", s.Name(), n.RecipientID, err)
			}
			metrics.NotificationsSent.WithLabelValues(s.Name(), status).Inc()
		}
	}
}

// BrokerSink publishes notifications on the recipient's realtime channel.
type BrokerSink struct {
	Broker realtime.EventBroker
}

func (BrokerSink) Name() string { return "realtime" }

func (b BrokerSink) Notify(ctx context.Context, n Notification) error {
	b.Broker.Publish(realtime.UserChannel(n.RecipientID), realtime.Event{Type: "notification", Data: map[string]any{
		"title": n.Title, "body": n.Body, "severity": n.Severity, "deepLink": n.DeepLink,
	}})
	return nil
}

// LogSink writes notifications to the process log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Notify(ctx context.Context, n Notification) error {
	log.Printf("[notify] to=%s role=%s severity=%s %s: %s", n.RecipientID, n.Role, strings.ToLower(n.Severity), n.Title, n.Body)
	return nil
}
