package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"fieldserve/internal/geo"
	"fieldserve/internal/integrations"
	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
	"fieldserve/internal/realtime"
	"fieldserve/internal/store"
)

// ETAUnavailable is reported when no route could be computed.
const ETAUnavailable = "ETA not available"

type LocationResult struct {
	WorkID      string           `json:"workId"`
	WorkStatus  lifecycle.Status `json:"workStatus"`
	Coordinates model.GeoPoint   `json:"coordinates"`
	Broadcast   bool             `json:"broadcast"`
}

// UpdateLocation records a technician's position against their active work.
// The first update after approval or booking moves the work to dispatch.
func (s *Service) UpdateLocation(ctx context.Context, a Actor, p model.GeoPoint) (res LocationResult, err error) {
	defer func() { observe(string(lifecycle.EventDispatch), err) }()
	if err := requireRole(a, model.RoleTechnician); err != nil {
		return res, err
	}
	if !geo.ValidPoint(&p) {
		return res, validation("valid lat and lng are required")
	}
	active, err := s.Store.ListWorks(ctx, store.WorkFilter{Technician: a.UserID, Statuses: lifecycle.Trackable, Limit: 1})
	if err != nil {
		return res, fmt.Errorf("active work: %w", err)
	}
	if len(active) == 0 {
		return res, unauthorized("no active work found for this technician")
	}
	w := active[0]

	if to, terr := lifecycle.Next(w.Status, lifecycle.EventDispatch, ""); terr == nil {
		g := store.Guard{From: []lifecycle.Status{w.Status}, Technician: a.UserID}
		updated, err := s.Store.TransitionWork(ctx, w.ID, g, store.WorkUpdate{Status: to})
		switch {
		case err == nil:
			w = updated
			s.publish(ctx, "work.dispatched", w, nil)
			s.notify(w.Client, model.RoleClient, "Technician On The Way",
				fmt.Sprintf("Your technician is on the way for %s.", w.Token), "info", "/client/work/"+w.ID+"/track")
		case errors.Is(err, store.ErrConflict):
			// Another update or a start won the race; the position still counts.
			if cur, gerr := s.Store.GetWork(ctx, w.ID); gerr == nil {
				w = cur
			}
		default:
			return res, fmt.Errorf("dispatch work: %w", err)
		}
	}

	now := s.Now()
	if _, err := s.Store.UpdateUserLocation(ctx, a.UserID, p, "", now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return res, notFound("technician not found")
		}
		return res, fmt.Errorf("update location: %w", err)
	}
	s.setFlags(ctx, a.UserID, "", boolp(true), nil)

	res = LocationResult{WorkID: w.ID, WorkStatus: w.Status, Coordinates: p}
	if s.Throttle.Allow(a.UserID) {
		res.Broadcast = true
		data := map[string]any{
			"workId": w.ID, "technicianId": a.UserID, "lat": p.Lat, "lng": p.Lng, "status": w.Status, "updatedAt": now,
		}
		if s.Broker != nil {
			s.Broker.Publish(realtime.WorkChannel(w.ID), realtime.Event{Type: "location.updated", Data: data})
		}
		if s.Events != nil {
			s.Events.Emit(ctx, "location.updated", data)
		}
	}
	return res, nil
}

type Party struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Phone       string          `json:"phone,omitempty"`
	Coordinates *model.GeoPoint `json:"coordinates,omitempty"`
}

type TrackResult struct {
	WorkID             string              `json:"workId"`
	Status             lifecycle.Status    `json:"status"`
	Technician         Party               `json:"technician"`
	Client             Party               `json:"client"`
	LastUpdate         *time.Time          `json:"lastLocationUpdate,omitempty"`
	DistanceKm         *float64            `json:"distanceKm,omitempty"`
	Distance           string              `json:"distance,omitempty"`
	ETA                string              `json:"eta"`
	Routes             []model.RouteOption `json:"routes"`
	SelectedRouteIndex int                 `json:"selectedRouteIndex"`
	RoutePolyline      string              `json:"routePolyline,omitempty"`
	NavigateURL        string              `json:"navigateUrl,omitempty"`
}

// Track is the live tracking snapshot of a work: both parties' positions, the
// alternative routes between them and a navigation link. Routing failures
// degrade to a snapshot without routes.
func (s *Service) Track(ctx context.Context, a Actor, workID string) (res TrackResult, err error) {
	w, err := s.loadWork(ctx, workID)
	if err != nil {
		return res, err
	}
	if err := canView(a, w); err != nil {
		return res, err
	}
	if w.AssignedTechnician == "" {
		return res, notFound("technician not assigned yet")
	}
	tech, err := s.loadUser(ctx, w.AssignedTechnician, "technician")
	if err != nil {
		return res, err
	}
	client, err := s.loadUser(ctx, w.Client, "client")
	if err != nil {
		return res, err
	}
	dest := w.Coordinates
	if dest == nil {
		dest = client.Coordinates
	}

	res = TrackResult{
		WorkID:     w.ID,
		Status:     w.Status,
		Technician: Party{ID: tech.ID, Name: tech.FullName(), Phone: tech.Phone, Coordinates: tech.Coordinates},
		Client:     Party{ID: client.ID, Name: client.FullName(), Phone: client.Phone, Coordinates: dest},
		ETA:        ETAUnavailable,
		Routes:     []model.RouteOption{},
		LastUpdate: tech.LastLocationUpdate,
	}
	if w.SelectedRouteIndex != nil {
		res.SelectedRouteIndex = *w.SelectedRouteIndex
	}
	if tech.Coordinates == nil || dest == nil {
		return res, nil
	}
	d := geo.Round2(geo.HaversineKm(*tech.Coordinates, *dest))
	res.DistanceKm = &d
	res.NavigateURL = integrations.NavigationURL(*tech.Coordinates, *dest)

	routes, err := s.routes(ctx, *tech.Coordinates, *dest)
	if err != nil {
		log.Printf("[track] work %s: %v", w.ID, err)
		return res, nil
	}
	res.Routes = routes
	if r, ok := pickRoute(routes, res.SelectedRouteIndex); ok {
		res.ETA = etaText(r)
		res.Distance = r.DistanceText
		res.RoutePolyline = r.Polyline
	}
	return res, nil
}

// Routes returns alternative routes between two points.
func (s *Service) Routes(ctx context.Context, from, to model.GeoPoint) ([]model.RouteOption, error) {
	if !geo.ValidPoint(&from) || !geo.ValidPoint(&to) {
		return nil, validation("valid origin and destination are required")
	}
	routes, err := s.routes(ctx, from, to)
	if err != nil {
		return nil, upstream("routing failed", err)
	}
	return routes, nil
}

func (s *Service) routes(ctx context.Context, from, to model.GeoPoint) ([]model.RouteOption, error) {
	if s.Router == nil {
		return nil, integrations.ErrNotConfigured
	}
	return s.Router.Routes(ctx, from, to)
}

// SelectRoute stores the route alternative the technician is following.
func (s *Service) SelectRoute(ctx context.Context, a Actor, workID string, index int) (model.WorkRequest, error) {
	if index < 0 {
		return model.WorkRequest{}, validation("route index must not be negative")
	}
	w, err := s.loadWork(ctx, workID)
	if err != nil {
		return model.WorkRequest{}, err
	}
	var g store.Guard
	switch {
	case assigned(a, w) == nil:
		g.Technician = a.UserID
	case owns(a, w) == nil:
		g.Client = a.UserID
	default:
		return model.WorkRequest{}, unauthorized("not your work request")
	}
	updated, err := s.Store.TransitionWork(ctx, w.ID, g, store.WorkUpdate{SelectedRouteIndex: &index})
	if err != nil {
		return model.WorkRequest{}, s.guardFailure(ctx, w.ID, g, "select route", err)
	}
	s.publish(ctx, "work.route_selected", updated, map[string]any{"selectedRouteIndex": index})
	return updated, nil
}

type WorkStatusView struct {
	Work       model.WorkRequest `json:"work"`
	Technician *Party            `json:"technician,omitempty"`
	ETA        string            `json:"eta"`
}

// WorkStatus is the client's view of a request with an ETA when the
// technician's position is known.
func (s *Service) WorkStatus(ctx context.Context, a Actor, workID string) (WorkStatusView, error) {
	w, err := s.loadWork(ctx, workID)
	if err != nil {
		return WorkStatusView{}, err
	}
	if a.Role != model.RoleAdmin {
		if err := owns(a, w); err != nil {
			return WorkStatusView{}, err
		}
	}
	v := WorkStatusView{Work: w, ETA: ETAUnavailable}
	if w.AssignedTechnician == "" {
		return v, nil
	}
	tech, err := s.Store.GetUser(ctx, w.AssignedTechnician)
	if err != nil {
		return v, nil
	}
	v.Technician = &Party{ID: tech.ID, Name: tech.FullName(), Phone: tech.Phone, Coordinates: tech.Coordinates}
	if tech.Coordinates == nil || w.Coordinates == nil || !w.Status.In(lifecycle.Trackable) {
		return v, nil
	}
	routes, err := s.routes(ctx, *tech.Coordinates, *w.Coordinates)
	if err != nil {
		log.Printf("[status] work %s eta: %v", w.ID, err)
		return v, nil
	}
	idx := 0
	if w.SelectedRouteIndex != nil {
		idx = *w.SelectedRouteIndex
	}
	if r, ok := pickRoute(routes, idx); ok {
		v.ETA = etaText(r)
	}
	return v, nil
}

// SaveLocation stores any user's current position.
func (s *Service) SaveLocation(ctx context.Context, a Actor, p model.GeoPoint, text string) (model.User, error) {
	if !geo.ValidPoint(&p) {
		return model.User{}, validation("valid lat and lng are required")
	}
	u, err := s.Store.UpdateUserLocation(ctx, a.UserID, p, text, s.Now())
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, notFound("user not found")
	}
	if err != nil {
		return model.User{}, fmt.Errorf("save location: %w", err)
	}
	return u, nil
}

// GetLocation returns the caller's saved position.
func (s *Service) GetLocation(ctx context.Context, a Actor) (model.User, error) {
	u, err := s.loadUser(ctx, a.UserID, "user")
	if err != nil {
		return model.User{}, err
	}
	if u.Coordinates == nil {
		return model.User{}, notFound("location not found")
	}
	return u, nil
}

// pickRoute returns the selected alternative, falling back to the first.
func pickRoute(routes []model.RouteOption, idx int) (model.RouteOption, bool) {
	if len(routes) == 0 {
		return model.RouteOption{}, false
	}
	if idx < 0 || idx >= len(routes) {
		idx = 0
	}
	return routes[idx], true
}

func etaText(r model.RouteOption) string {
	if r.DurationSeconds <= 0 {
		if r.DurationText != "" {
			return r.DurationText
		}
		return ETAUnavailable
	}
	return fmt.Sprintf("%d minutes", int(math.Ceil(float64(r.DurationSeconds)/60)))
}
