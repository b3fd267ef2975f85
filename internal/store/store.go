package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
)

// Store is the persistence interface used by the dispatch service and API server.
//
// Every method that changes a work request's status is a single guarded write:
// the Guard is evaluated atomically with the update and a lost race surfaces as
// ErrConflict, never as a partial write.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUser(ctx context.Context, id string) (model.User, error)
	ListTechnicians(ctx context.Context, tags []string) ([]model.User, error)
	UpdateUserLocation(ctx context.Context, id string, p model.GeoPoint, text string, at time.Time) (model.User, error)
	SetTechnicianFlags(ctx context.Context, id string, f model.TechnicianFlags) error

	// Work requests
	NextToken(ctx context.Context, year int) (string, error)
	CreateWork(ctx context.Context, w model.WorkRequest, b *model.Booking) (model.WorkRequest, error)
	GetWork(ctx context.Context, id string) (model.WorkRequest, error)
	ListWorks(ctx context.Context, f WorkFilter) ([]model.WorkRequest, error)
	ListWorksByStatus(ctx context.Context, status lifecycle.Status, tags []string) ([]model.WorkRequest, error)
	BusyTechnicians(ctx context.Context, ids []string) (map[string]bool, error)
	TransitionWork(ctx context.Context, id string, g Guard, upd WorkUpdate) (model.WorkRequest, error)
	SweepUnavailable(ctx context.Context, serviceType, exceptID string) (int, error)

	// Bookings
	BookWork(ctx context.Context, id string, g Guard, upd WorkUpdate, b model.Booking) (model.WorkRequest, model.Booking, error)
	FindActiveBooking(ctx context.Context, clientID, technicianID, serviceType string) (model.Booking, error)
	GetBookingByWork(ctx context.Context, workID string) (model.Booking, error)

	// Bills
	CompleteWork(ctx context.Context, id string, g Guard, upd WorkUpdate, bill model.Bill) (model.WorkRequest, model.Bill, error)
	SettlePayment(ctx context.Context, id string, g Guard, upd WorkUpdate, billStatus string, paidAt *time.Time) (model.WorkRequest, error)
	GetBill(ctx context.Context, id string) (model.Bill, error)
	SumBillTotals(ctx context.Context, technicianID string, statuses []lifecycle.Status) (float64, error)

	// Admin notifications
	CreateAdminNotification(ctx context.Context, n model.AdminNotification) (model.AdminNotification, error)
	ListAdminNotifications(ctx context.Context, limit int) ([]model.AdminNotification, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error)
	RetryWebhookDelivery(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrNotFound  = errors.New("not found")
	// ErrConflict means a guarded write found the record in a different state.
	ErrConflict  = errors.New("conflict")
	ErrDuplicate = errors.New("duplicate")
)

// WorkFilter narrows ListWorks. Empty fields match everything.
type WorkFilter struct {
	Client     string
	Technician string
	Statuses   []lifecycle.Status
	Limit      int
}

// Guard is the precondition of a guarded work update.
type Guard struct {
	From           []lifecycle.Status
	Technician     string
	Client         string
	// TechnicianFree names a technician who must hold no other active work.
	// It is checked by the store inside the same write, not by Matches.
	TechnicianFree string
}

// Matches reports whether w itself satisfies the guard.
func (g Guard) Matches(w model.WorkRequest) bool {
	if len(g.From) > 0 && !w.Status.In(g.From) {
		return false
	}
	if g.Technician != "" && w.AssignedTechnician != g.Technician {
		return false
	}
	if g.Client != "" && w.Client != g.Client {
		return false
	}
	return true
}

// WorkUpdate lists the fields a guarded update writes. Nil pointers and an empty
// Status leave the stored value unchanged.
type WorkUpdate struct {
	Status             lifecycle.Status
	AssignedTechnician *string
	ServiceType        *string
	Description        *string
	Coordinates        *model.GeoPoint
	Location           *string
	Date               *time.Time
	FormattedDate      *string
	Time               *string
	ServiceCharge      *float64
	BookingID          *string
	BeforePhoto        *string
	AfterPhoto         *string
	BillID             *string
	IssueType          *string
	Remarks            *string
	Payment            *model.Payment
	SelectedRouteIndex *int
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// Apply writes the update onto w. The caller stamps UpdatedAt.
func (u WorkUpdate) Apply(w *model.WorkRequest) {
	if u.Status != "" {
		w.Status = u.Status
	}
	if u.AssignedTechnician != nil {
		w.AssignedTechnician = *u.AssignedTechnician
	}
	if u.ServiceType != nil {
		w.ServiceType = *u.ServiceType
	}
	if u.Description != nil {
		w.Description = *u.Description
	}
	if u.Coordinates != nil {
		c := *u.Coordinates
		w.Coordinates = &c
	}
	if u.Location != nil {
		w.Location = *u.Location
	}
	if u.Date != nil {
		d := *u.Date
		w.Date = &d
	}
	if u.FormattedDate != nil {
		w.FormattedDate = *u.FormattedDate
	}
	if u.Time != nil {
		w.Time = *u.Time
	}
	if u.ServiceCharge != nil {
		w.ServiceCharge = *u.ServiceCharge
	}
	if u.BookingID != nil {
		w.BookingID = *u.BookingID
	}
	if u.BeforePhoto != nil {
		w.BeforePhoto = *u.BeforePhoto
	}
	if u.AfterPhoto != nil {
		w.AfterPhoto = *u.AfterPhoto
	}
	if u.BillID != nil {
		w.BillID = *u.BillID
	}
	if u.IssueType != nil {
		w.IssueType = *u.IssueType
	}
	if u.Remarks != nil {
		w.Remarks = *u.Remarks
	}
	if u.Payment != nil {
		p := *u.Payment
		w.Payment = &p
	}
	if u.SelectedRouteIndex != nil {
		i := *u.SelectedRouteIndex
		w.SelectedRouteIndex = &i
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		w.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		w.CompletedAt = &t
	}
}

// FormatToken renders a request token, e.g. REQ-2026-00042.
func FormatToken(year, seq int) string {
	return fmt.Sprintf("REQ-%04d-%05d", year, seq)
}
