// Package api implements the HTTP surface of the dispatch service.
package api

import (
	"net/http"

	"fieldserve/internal/auth"
	"fieldserve/internal/dispatch"
	"fieldserve/internal/realtime"
	"fieldserve/internal/store"
)

type Server struct {
	Service *dispatch.Service
	Store   store.Store
	Auth    *auth.Verifier
	Broker  realtime.EventBroker
	// HeaderAuth accepts X-User-Id/X-Role when no bearer token is sent (dev only).
	HeaderAuth bool
	// MaxUpload bounds multipart photo uploads in bytes.
	MaxUpload int64
	// Debug is reported by /debug/vars.
	Debug map[string]any
}

func NewServer(svc *dispatch.Service, v *auth.Verifier, headerAuth bool) *Server {
	return &Server{
		Service:    svc,
		Store:      svc.Store,
		Auth:       v,
		Broker:     svc.Broker,
		HeaderAuth: headerAuth,
		MaxUpload:  10 << 20,
	}
}

// Register mounts every endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	// Work requests
	mux.HandleFunc("/v1/works", s.WorksHandler)
	mux.HandleFunc("/v1/works/", s.WorkByIDHandler) // includes actions, /events/stream and /ws

	// Technicians and matching
	mux.HandleFunc("/v1/technicians/match", s.MatchHandler)
	mux.HandleFunc("/v1/technician/location", s.TechnicianLocationHandler)
	mux.HandleFunc("/v1/technician/jobs", s.TechnicianJobsHandler)
	mux.HandleFunc("/v1/technician/summary", s.TechnicianSummaryHandler)
	mux.HandleFunc("/v1/me/location", s.MyLocationHandler)
	mux.HandleFunc("/v1/me/events/stream", s.MyEventsHandler)
	mux.HandleFunc("/v1/routes", s.RoutesHandler)

	// Billing
	mux.HandleFunc("/v1/bills/", s.BillByIDHandler)
	mux.HandleFunc("/pay/", s.PayRedirectHandler)

	// Webhook subscriptions
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)

	// Admin
	mux.HandleFunc("/v1/admin/notifications", s.AdminNotificationsHandler)
	mux.HandleFunc("/v1/admin/users", s.AdminUsersHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)

	// Health and docs
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	mux.HandleFunc("/debug/vars", s.DebugJSON)
}
