package metrics

import (
	"sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WorkTransitions counts lifecycle events by outcome (ok, conflict, invalid, unauthorized, error)
	WorkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "work_transitions_total", Help: "Work request lifecycle events by result."},
		[]string{"event", "result"},
	)
	// MatchCandidates records how many technicians a match query returned
	MatchCandidates = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "match_candidates", Help: "Technicians returned per match query.", Buckets: []float64{0, 1, 2, 5, 10, 20, 50}},
		[]string{"mode"},
	)
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifications_sent_total", Help: "Notifications delivered per sink and status."},
		[]string{"sink", "status"},
	)
	// NotificationsDropped counts notifications discarded because the queue was full
	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "notifications_dropped_total", Help: "Notifications dropped on a full queue."},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors on Registry. Safe to call repeatedly.
func RegisterDefault() {
	regOnce.Do(func(){
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WorkTransitions)
		Registry.MustRegister(MatchCandidates)
		Registry.MustRegister(NotificationsSent)
		Registry.MustRegister(NotificationsDropped)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
