package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fieldserve/internal/geo"
	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
	"fieldserve/internal/store"
)

// CreateInput is a client's new service request. Either Coordinates or
// LocationText must be given. A TechnicianID books that technician directly.
type CreateInput struct {
	ServiceType    string
	Specialization []string
	Description    string
	Coordinates    *model.GeoPoint
	LocationText   string
	Date           string
	Time           string
	ServiceCharge  float64
	TechnicianID   string
	RadiusKm       float64
}

type CreateResult struct {
	Work       model.WorkRequest `json:"work"`
	Booking    *model.Booking    `json:"booking,omitempty"`
	Candidates []geo.Candidate   `json:"matchingTechnicians"`
}

// CreateWork files a new work request and proposes matching technicians.
func (s *Service) CreateWork(ctx context.Context, a Actor, in CreateInput) (res CreateResult, err error) {
	defer func() { observe("create", err) }()
	if err := requireRole(a, model.RoleClient); err != nil {
		return res, err
	}
	in.ServiceType = strings.TrimSpace(in.ServiceType)
	tags := geo.NormalizeTags(in.Specialization)
	if in.ServiceType == "" || len(tags) == 0 {
		return res, validation("serviceType and specialization are required")
	}
	if in.Coordinates == nil && strings.TrimSpace(in.LocationText) == "" {
		return res, validation("coordinates or location are required")
	}
	if in.Coordinates != nil && !geo.ValidPoint(in.Coordinates) {
		return res, validation("coordinates out of range")
	}
	if in.ServiceCharge < 0 {
		return res, validation("serviceCharge must not be negative")
	}

	now := s.Now()
	w := model.WorkRequest{
		Client:         a.UserID,
		ServiceType:    in.ServiceType,
		Specialization: tags,
		Description:    strings.TrimSpace(in.Description),
		Time:           strings.TrimSpace(in.Time),
		ServiceCharge:  in.ServiceCharge,
		Status:         lifecycle.Open,
		CreatedAt:      now,
	}
	if in.Date != "" {
		d, formatted, err := ParseClientDate(in.Date)
		if err != nil {
			return res, err
		}
		w.Date, w.FormattedDate = &d, formatted
	}
	if in.Coordinates != nil {
		p := *in.Coordinates
		w.Coordinates = &p
		w.Location = s.describe(ctx, p)
	} else {
		w.Location = strings.ToLower(strings.TrimSpace(in.LocationText))
	}

	var booking *model.Booking
	if in.TechnicianID != "" {
		if err := s.checkBookable(ctx, a.UserID, in.TechnicianID, w.ServiceType); err != nil {
			return res, err
		}
		w.Status = lifecycle.Taken
		w.AssignedTechnician = in.TechnicianID
		booking = &model.Booking{
			Client: a.UserID, Technician: in.TechnicianID, ServiceType: w.ServiceType,
			ServiceCharge: w.ServiceCharge, Description: w.Description, Location: w.Location,
			Coordinates: w.Coordinates, Date: w.Date, FormattedDate: w.FormattedDate, Time: w.Time,
		}
	}

	token, err := s.Store.NextToken(ctx, now.Year())
	if err != nil {
		return res, fmt.Errorf("next token: %w", err)
	}
	w.Token = token
	created, err := s.Store.CreateWork(ctx, w, booking)
	if errors.Is(err, store.ErrDuplicate) {
		return res, conflict("work request token already used")
	}
	if errors.Is(err, store.ErrConflict) {
		return res, conflict("technician is currently busy with another work")
	}
	if err != nil {
		return res, fmt.Errorf("create work: %w", err)
	}
	res.Work = created
	if booking != nil {
		if b, err := s.Store.GetBookingByWork(ctx, created.ID); err == nil {
			res.Booking = &b
		}
	}

	res.Candidates, err = s.Matcher.Match(ctx, geo.Criteria{
		Specializations: tags, Origin: created.Coordinates, RadiusKm: in.RadiusKm, LocationText: created.Location,
	})
	if err != nil {
		log.Printf("[dispatch] match for work %s: %v", created.ID, err)
		res.Candidates = []geo.Candidate{}
	}
	recordMatch(created.Coordinates != nil, len(res.Candidates))

	s.publish(ctx, "work.created", created, nil)
	s.notify(a.UserID, model.RoleClient, "Work Request Submitted",
		fmt.Sprintf("Your request %s for %s has been received.", created.Token, created.ServiceType), "info", "/client/work/"+created.ID)
	if booking != nil {
		s.notify(in.TechnicianID, model.RoleTechnician, "New Booking",
			fmt.Sprintf("You have been booked for %s at %s.", created.ServiceType, created.Location), "info", "/technician/work/"+created.ID)
		s.publish(ctx, "work.booked", created, nil)
	}
	return res, nil
}

// checkBookable enforces the booking guards that are not part of the work's own
// row: the technician exists, is free, and has no active booking with the same
// client for the same service.
func (s *Service) checkBookable(ctx context.Context, clientID, techID, serviceType string) error {
	tech, err := s.loadUser(ctx, techID, "technician")
	if err != nil {
		return err
	}
	if tech.Role != model.RoleTechnician {
		return validation("user is not a technician")
	}
	busy, err := s.Store.BusyTechnicians(ctx, []string{techID})
	if err != nil {
		return fmt.Errorf("busy technicians: %w", err)
	}
	if busy[techID] {
		return conflict(fmt.Sprintf("technician %s is currently busy with another work", tech.FullName()))
	}
	_, err = s.Store.FindActiveBooking(ctx, clientID, techID, serviceType)
	switch {
	case err == nil:
		return conflict("you already have an active booking with this technician for this service")
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("find booking: %w", err)
	}
	return nil
}

var dateLayouts = []string{"2-1-2006", "2006-1-2"}

// ParseClientDate accepts DD-MM-YYYY, DD/MM/YYYY and YYYY-MM-DD and returns the
// date at UTC midnight together with its DD-MM-YYYY rendering.
func ParseClientDate(s string) (time.Time, string, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "/", "-")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, t.Format("02-01-2006"), nil
		}
	}
	return time.Time{}, "", validation("invalid date, use DD-MM-YYYY")
}
