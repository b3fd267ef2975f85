package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldserve/internal/geo"
	"fieldserve/internal/lifecycle"
	"fieldserve/internal/metrics"
	"fieldserve/internal/model"
	"fieldserve/internal/store"
)

// canView: admins see everything, clients their own requests, technicians the
// work assigned to them and any open request.
func canView(a Actor, w model.WorkRequest) error {
	switch a.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleClient:
		return owns(a, w)
	case model.RoleTechnician:
		if w.AssignedTechnician == a.UserID || w.Status == lifecycle.Open {
			return nil
		}
	}
	return unauthorized("not your work request")
}

func (s *Service) GetWork(ctx context.Context, a Actor, id string) (model.WorkRequest, error) {
	w, err := s.loadWork(ctx, id)
	if err != nil {
		return model.WorkRequest{}, err
	}
	if err := canView(a, w); err != nil {
		return model.WorkRequest{}, err
	}
	return w, nil
}

// ListWorks returns the caller's work requests, newest first.
func (s *Service) ListWorks(ctx context.Context, a Actor, statuses []lifecycle.Status, limit int) ([]model.WorkRequest, error) {
	f := store.WorkFilter{Statuses: statuses, Limit: limit}
	switch a.Role {
	case model.RoleClient:
		f.Client = a.UserID
	case model.RoleTechnician:
		f.Technician = a.UserID
	case model.RoleAdmin:
	default:
		return nil, unauthorized("unknown role")
	}
	works, err := s.Store.ListWorks(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list works: %w", err)
	}
	return works, nil
}

// MatchInput is an explicit matcher query. Coordinates select distance mode;
// otherwise LocationText is matched against technicians' locations.
type MatchInput struct {
	Specializations []string
	Coordinates     *model.GeoPoint
	RadiusKm        float64
	LocationText    string
}

func (s *Service) Match(ctx context.Context, in MatchInput) ([]geo.Candidate, error) {
	if len(geo.NormalizeTags(in.Specializations)) == 0 {
		return nil, validation("specialization is required")
	}
	if in.Coordinates != nil && !geo.ValidPoint(in.Coordinates) {
		return nil, validation("coordinates out of range")
	}
	if in.Coordinates == nil && strings.TrimSpace(in.LocationText) == "" {
		return nil, validation("coordinates or location are required")
	}
	if in.RadiusKm < 0 {
		return nil, validation("radius must not be negative")
	}
	out, err := s.Matcher.Match(ctx, geo.Criteria{
		Specializations: in.Specializations, Origin: in.Coordinates, RadiusKm: in.RadiusKm, LocationText: in.LocationText,
	})
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}
	recordMatch(in.Coordinates != nil, len(out))
	return out, nil
}

func recordMatch(distance bool, n int) {
	mode := "text"
	if distance {
		mode = "distance"
	}
	metrics.MatchCandidates.WithLabelValues(mode).Observe(float64(n))
}

// AvailableJobs lists open requests matching the technician's skills and area.
func (s *Service) AvailableJobs(ctx context.Context, a Actor) ([]model.WorkRequest, error) {
	if err := requireRole(a, model.RoleTechnician); err != nil {
		return nil, err
	}
	tech, err := s.loadUser(ctx, a.UserID, "technician")
	if err != nil {
		return nil, err
	}
	jobs, err := s.Matcher.JobsFor(ctx, tech)
	if err != nil {
		return nil, fmt.Errorf("available jobs: %w", err)
	}
	return jobs, nil
}

type Summary struct {
	Total         int                 `json:"total"`
	Completed     []model.WorkRequest `json:"completed"`
	InProgress    []model.WorkRequest `json:"inProgress"`
	Upcoming      []model.WorkRequest `json:"upcoming"`
	OnHold        []model.WorkRequest `json:"onHold"`
	TotalEarnings float64             `json:"totalEarnings"`
}

// TechnicianSummary buckets the technician's work and sums billed earnings.
func (s *Service) TechnicianSummary(ctx context.Context, a Actor) (Summary, error) {
	if err := requireRole(a, model.RoleTechnician); err != nil {
		return Summary{}, err
	}
	works, err := s.Store.ListWorks(ctx, store.WorkFilter{Technician: a.UserID})
	if err != nil {
		return Summary{}, fmt.Errorf("list works: %w", err)
	}
	sum := Summary{
		Total:      len(works),
		Completed:  []model.WorkRequest{},
		InProgress: []model.WorkRequest{},
		Upcoming:   []model.WorkRequest{},
		OnHold:     []model.WorkRequest{},
	}
	for _, w := range works {
		switch {
		case w.Status.In(lifecycle.Settled):
			sum.Completed = append(sum.Completed, w)
		case w.Status == lifecycle.InProgress:
			sum.InProgress = append(sum.InProgress, w)
		case w.Status.In([]lifecycle.Status{lifecycle.Approved, lifecycle.Dispatch, lifecycle.Taken}):
			sum.Upcoming = append(sum.Upcoming, w)
		case w.Status.In(lifecycle.OnHold):
			sum.OnHold = append(sum.OnHold, w)
		}
	}
	sum.TotalEarnings, err = s.Store.SumBillTotals(ctx, a.UserID, lifecycle.Settled)
	if err != nil {
		return Summary{}, fmt.Errorf("earnings: %w", err)
	}
	return sum, nil
}

func (s *Service) AdminNotifications(ctx context.Context, a Actor, limit int) ([]model.AdminNotification, error) {
	if err := requireRole(a, model.RoleAdmin); err != nil {
		return nil, err
	}
	return s.Store.ListAdminNotifications(ctx, limit)
}

// GetBill is readable by the bill's client, its technician and admins.
func (s *Service) GetBill(ctx context.Context, a Actor, id string) (model.Bill, error) {
	b, err := s.Store.GetBill(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Bill{}, notFound("bill not found")
	}
	if err != nil {
		return model.Bill{}, fmt.Errorf("get bill: %w", err)
	}
	if a.Role != model.RoleAdmin && a.UserID != b.ClientID && a.UserID != b.TechnicianID {
		return model.Bill{}, unauthorized("not your bill")
	}
	return b, nil
}

// PaymentLink returns the UPI URI of a bill. It backs the public pay redirect
// embedded in emails, so no caller identity is required.
func (s *Service) PaymentLink(ctx context.Context, billID string) (string, error) {
	b, err := s.Store.GetBill(ctx, billID)
	if errors.Is(err, store.ErrNotFound) {
		return "", notFound("bill not found")
	}
	if err != nil {
		return "", fmt.Errorf("get bill: %w", err)
	}
	if b.UPIURI == "" {
		return "", notFound("bill has no UPI payment link")
	}
	return b.UPIURI, nil
}

// CreateUser registers a client, technician or admin. Identity management is
// external; this seeds the directory the matcher reads.
func (s *Service) CreateUser(ctx context.Context, a Actor, u model.User) (model.User, error) {
	if err := requireRole(a, model.RoleAdmin); err != nil {
		return model.User{}, err
	}
	switch u.Role {
	case model.RoleClient, model.RoleTechnician, model.RoleAdmin:
	default:
		return model.User{}, validation("role must be client, technician or admin")
	}
	if u.Coordinates != nil && !geo.ValidPoint(u.Coordinates) {
		return model.User{}, validation("coordinates out of range")
	}
	u.Specialization = geo.NormalizeTags(u.Specialization)
	if u.Role == model.RoleTechnician {
		if len(u.Specialization) == 0 {
			return model.User{}, validation("technicians need at least one specialization")
		}
		u.Availability = true
	}
	u.Location = strings.TrimSpace(u.Location)
	created, err := s.Store.CreateUser(ctx, u)
	if errors.Is(err, store.ErrDuplicate) {
		return model.User{}, conflict("user already exists")
	}
	if err != nil {
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}
