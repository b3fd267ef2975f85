// Package dispatch owns the work request lifecycle: creation and matching,
// booking, approval, field progress, billing handoff and payment.
//
// Every status change is one guarded store write whose precondition is the
// status the caller observed, so concurrent callers cannot both win. Side
// effects that do not decide the outcome (notifications, email, webhooks) run
// after the write and only log their failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"fieldserve/internal/billing"
	"fieldserve/internal/geo"
	"fieldserve/internal/integrations"
	"fieldserve/internal/lifecycle"
	"fieldserve/internal/metrics"
	"fieldserve/internal/model"
	"fieldserve/internal/notify"
	"fieldserve/internal/realtime"
	"fieldserve/internal/store"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Role   string
}

// Emitter receives domain events for webhook subscribers.
type Emitter interface {
	Emit(ctx context.Context, eventType string, data any)
}

// Upload is a photo attached to start or complete.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// Deps are the collaborators of a Service. Store is required; every other
// collaborator may be nil and the related side effect is skipped.
type Deps struct {
	Store    store.Store
	Matcher  *geo.Matcher
	Geocoder integrations.Geocoder
	Router   integrations.Router
	Storage  integrations.Storage
	Mailer   integrations.Mailer
	Invoices billing.InvoiceRenderer
	Notifier notify.Notifier
	Broker   realtime.EventBroker
	Events   Emitter
	Throttle *realtime.Throttle

	UPIVPA      string
	CompanyName string
}

type Service struct {
	Deps
	// Now and Go are replaceable in tests.
	Now func() time.Time
	Go  func(func())
}

func New(d Deps) *Service {
	if d.Matcher == nil {
		d.Matcher = geo.NewMatcher(d.Store, 0)
	}
	return &Service{Deps: d, Now: func() time.Time { return time.Now().UTC() }, Go: func(f func()) { go f() }}
}

// loadWork reads a work request, mapping a missing record to NotFound.
func (s *Service) loadWork(ctx context.Context, id string) (model.WorkRequest, error) {
	if id == "" {
		return model.WorkRequest{}, validation("work id is required")
	}
	w, err := s.Store.GetWork(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.WorkRequest{}, notFound("work not found")
	}
	if err != nil {
		return model.WorkRequest{}, fmt.Errorf("get work: %w", err)
	}
	return w, nil
}

func (s *Service) loadUser(ctx context.Context, id, what string) (model.User, error) {
	u, err := s.Store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, notFound(what + " not found")
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func requireRole(a Actor, roles ...string) error {
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return unauthorized(fmt.Sprintf("role %q may not perform this action", a.Role))
}

// assigned checks that the actor is the work's technician.
func assigned(a Actor, w model.WorkRequest) error {
	if a.Role != model.RoleTechnician || w.AssignedTechnician != a.UserID {
		return unauthorized("you are not assigned to this work")
	}
	return nil
}

func owns(a Actor, w model.WorkRequest) error {
	if a.Role != model.RoleClient || w.Client != a.UserID {
		return unauthorized("not your work request")
	}
	return nil
}

// guardFailure classifies a failed guarded write. A lost race is reported
// against the status the work holds now.
func (s *Service) guardFailure(ctx context.Context, id string, g store.Guard, event lifecycle.Event, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound("work not found")
	case errors.Is(err, store.ErrDuplicate):
		return conflict("work already has a bill")
	case !errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s work: %w", event, err)
	}
	cur, gerr := s.Store.GetWork(ctx, id)
	if gerr != nil {
		return fmt.Errorf("%s work: reread: %w", event, gerr)
	}
	if g.Technician != "" && cur.AssignedTechnician != g.Technician {
		return unauthorized("you are not assigned to this work")
	}
	if g.Client != "" && cur.Client != g.Client {
		return unauthorized("not your work request")
	}
	if g.TechnicianFree != "" && cur.Status.In(g.From) {
		return conflict("technician is currently busy with another work")
	}
	return invalidState(cur.Status, fmt.Sprintf("cannot %s work in status %s", event, cur.Status))
}

func observe(event string, err error) {
	metrics.WorkTransitions.WithLabelValues(event, result(err)).Inc()
}

// setFlags updates the informational technician record. Failures are logged.
func (s *Service) setFlags(ctx context.Context, techID, status string, onDuty, available *bool) {
	f := model.TechnicianFlags{OnDuty: onDuty, Availability: available}
	if status != "" {
		f.TechnicianStatus = &status
	}
	if err := s.Store.SetTechnicianFlags(ctx, techID, f); err != nil {
		log.Printf("[dispatch] technician %s flags: %v", techID, err)
	}
}

func boolp(b bool) *bool { return &b }

// publish sends a domain event to the work channel and to webhook subscribers.
func (s *Service) publish(ctx context.Context, eventType string, w model.WorkRequest, extra map[string]any) {
	data := map[string]any{
		"id":                 w.ID,
		"workId":             w.ID,
		"token":              w.Token,
		"status":             w.Status,
		"client":             w.Client,
		"assignedTechnician": w.AssignedTechnician,
		"serviceType":        w.ServiceType,
		"at":                 s.Now(),
	}
	for k, v := range extra {
		data[k] = v
	}
	if s.Broker != nil {
		s.Broker.Publish(realtime.WorkChannel(w.ID), realtime.Event{Type: eventType, Data: data})
	}
	if s.Events != nil {
		s.Events.Emit(ctx, eventType, data)
	}
}

func (s *Service) notify(recipient, role, title, body, severity, link string) {
	if s.Notifier == nil || recipient == "" {
		return
	}
	s.Notifier.Send(notify.Notification{
		RecipientID: recipient, Role: role, Title: title, Body: body, Severity: severity, DeepLink: link,
	})
}

// upload stores a work photo and returns its URL and key. Storage failures
// degrade to an empty URL.
func (s *Service) upload(ctx context.Context, workID, kind string, up *Upload) (string, string) {
	if up == nil || up.Body == nil {
		return "", ""
	}
	if s.Storage == nil {
		log.Printf("[dispatch] %s photo for work %s dropped: storage not configured", kind, workID)
		return "", ""
	}
	ct := up.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	key := integrations.PhotoKey(workID, kind, up.Filename)
	url, err := s.Storage.Put(ctx, key, ct, up.Body, up.Size)
	if err != nil {
		log.Printf("[dispatch] %s photo for work %s: %v", kind, workID, err)
		return "", ""
	}
	return url, key
}

// discard removes a photo whose transition did not commit.
func (s *Service) discard(ctx context.Context, key string) {
	if key == "" || s.Storage == nil {
		return
	}
	if err := s.Storage.Delete(ctx, key); err != nil {
		log.Printf("[dispatch] discard %s: %v", key, err)
	}
}

// describe renders a location for a point, falling back to "lat, lng".
func (s *Service) describe(ctx context.Context, p model.GeoPoint) string {
	fallback := fmt.Sprintf("%v, %v", p.Lat, p.Lng)
	if s.Geocoder == nil {
		return fallback
	}
	addr, err := s.Geocoder.Reverse(ctx, p)
	if err != nil || addr == "" {
		if err != nil {
			log.Printf("[dispatch] reverse geocode %v,%v: %v", p.Lat, p.Lng, err)
		}
		return fallback
	}
	return addr
}
