package dispatch

import (
	"context"
	"fmt"
	"strings"

	"fieldserve/internal/geo"
	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
	"fieldserve/internal/store"
)

// BookInput books a technician onto the client's open work request. Service
// type, description and charge are written to both the work and the booking;
// empty or nil values keep the work's own.
type BookInput struct {
	WorkID        string
	TechnicianID  string
	Coordinates   *model.GeoPoint
	Date          string
	Time          string
	ServiceType   string
	ServiceCharge *float64
	Description   string
}

type BookResult struct {
	Work    model.WorkRequest `json:"work"`
	Booking model.Booking     `json:"booking"`
}

// BookTechnician moves an open work to taken and records the booking in the
// same store write.
func (s *Service) BookTechnician(ctx context.Context, a Actor, in BookInput) (res BookResult, err error) {
	defer func() { observe(string(lifecycle.EventBook), err) }()
	if err := requireRole(a, model.RoleClient); err != nil {
		return res, err
	}
	if in.WorkID == "" || in.TechnicianID == "" {
		return res, validation("workId and technicianId are required")
	}
	if !geo.ValidPoint(in.Coordinates) {
		return res, validation("valid coordinates are required")
	}
	if strings.TrimSpace(in.Date) == "" {
		return res, validation("date is required")
	}
	date, formatted, err := ParseClientDate(in.Date)
	if err != nil {
		return res, err
	}
	if in.ServiceCharge != nil && *in.ServiceCharge < 0 {
		return res, validation("serviceCharge must not be negative")
	}

	w, err := s.loadWork(ctx, in.WorkID)
	if err != nil {
		return res, err
	}
	if err := owns(a, w); err != nil {
		return res, err
	}
	to, err := lifecycle.Next(w.Status, lifecycle.EventBook, "")
	if err != nil {
		return res, fromTransition(err)
	}
	serviceType := strings.TrimSpace(in.ServiceType)
	if serviceType == "" {
		serviceType = w.ServiceType
	}
	if err := s.checkBookable(ctx, a.UserID, in.TechnicianID, serviceType); err != nil {
		return res, err
	}

	charge := w.ServiceCharge
	if in.ServiceCharge != nil {
		charge = *in.ServiceCharge
	}
	p := *in.Coordinates
	location := strings.ToLower(s.describe(ctx, p))
	timeOfDay := strings.TrimSpace(in.Time)
	tech := in.TechnicianID
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		desc = w.Description
	}

	g := store.Guard{From: []lifecycle.Status{w.Status}, Client: a.UserID, TechnicianFree: tech}
	upd := store.WorkUpdate{
		Status: to, AssignedTechnician: &tech, ServiceType: &serviceType, Description: &desc, Coordinates: &p, Location: &location,
		Date: &date, FormattedDate: &formatted, Time: &timeOfDay, ServiceCharge: &charge,
	}
	b := model.Booking{
		Client: a.UserID, Technician: tech, ServiceType: serviceType, ServiceCharge: charge,
		Description: desc, Location: location, Coordinates: &p, Date: &date, FormattedDate: formatted, Time: timeOfDay,
	}
	updated, booking, err := s.Store.BookWork(ctx, w.ID, g, upd, b)
	if err != nil {
		return res, s.guardFailure(ctx, w.ID, g, lifecycle.EventBook, err)
	}

	s.publish(ctx, "work.booked", updated, map[string]any{"bookingId": booking.ID})
	s.notify(tech, model.RoleTechnician, "New Booking",
		fmt.Sprintf("You have been booked for %s on %s %s at %s.", serviceType, formatted, timeOfDay, location), "info", "/technician/work/"+updated.ID)
	return BookResult{Work: updated, Booking: booking}, nil
}
