package geo

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
)

// DefaultRadiusKm applies when a query does not carry its own radius.
const DefaultRadiusKm = 70.0

// Employee status labels derived from the live active set.
const (
	StatusInWork    = "in work"
	StatusAvailable = "available"
)

// Directory is the read side the matcher needs from storage.
type Directory interface {
	// ListTechnicians returns technicians having at least one of the tags.
	// An empty tag list returns every technician.
	ListTechnicians(ctx context.Context, tags []string) ([]model.User, error)
	// BusyTechnicians reports which of ids have a work request in the active set.
	BusyTechnicians(ctx context.Context, ids []string) (map[string]bool, error)
	// ListWorksByStatus returns work requests in status, narrowed to tags when given.
	ListWorksByStatus(ctx context.Context, status lifecycle.Status, tags []string) ([]model.WorkRequest, error)
}

// Criteria describes a matching query.
type Criteria struct {
	Specializations []string
	Origin          *model.GeoPoint
	RadiusKm        float64
	LocationText    string
}

// Candidate is one technician proposed for a request.
type Candidate struct {
	Technician     model.User `json:"technician"`
	DistanceKm     *float64   `json:"distance,omitempty"`
	EmployeeStatus string     `json:"employeeStatus"`
}

// Matcher proposes technicians for a request. It never mutates state.
type Matcher struct {
	Dir           Directory
	DefaultRadius float64
}

func NewMatcher(dir Directory, radiusKm float64) *Matcher {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &Matcher{Dir: dir, DefaultRadius: radiusKm}
}

// Match returns candidates ordered by ascending distance in distance mode, or
// in directory order in text mode.
func (m *Matcher) Match(ctx context.Context, c Criteria) ([]Candidate, error) {
	tags := NormalizeTags(c.Specializations)
	techs, err := m.Dir.ListTechnicians(ctx, tags)
	if err != nil {
		return nil, fmt.Errorf("list technicians: %w", err)
	}
	techs = filterBySkill(techs, tags)

	var out []Candidate
	if c.Origin != nil {
		radius := c.RadiusKm
		if radius <= 0 {
			radius = m.DefaultRadius
		}
		for _, t := range techs {
			if !ValidPoint(t.Coordinates) {
				continue
			}
			d := Round2(HaversineKm(*c.Origin, *t.Coordinates))
			if d > radius {
				continue
			}
			out = append(out, Candidate{Technician: t, DistanceKm: &d})
		}
		sort.SliceStable(out, func(i, j int) bool { return *out[i].DistanceKm < *out[j].DistanceKm })
	} else {
		re, err := LocationPattern(c.LocationText)
		if err != nil {
			return nil, err
		}
		for _, t := range techs {
			if re.MatchString(t.Location) {
				out = append(out, Candidate{Technician: t})
			}
		}
	}
	if len(out) == 0 {
		return []Candidate{}, nil
	}

	ids := make([]string, len(out))
	for i, c := range out {
		ids[i] = c.Technician.ID
	}
	busy, err := m.Dir.BusyTechnicians(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("busy technicians: %w", err)
	}
	for i := range out {
		out[i].EmployeeStatus = StatusAvailable
		if busy[out[i].Technician.ID] {
			out[i].EmployeeStatus = StatusInWork
		}
	}
	return out, nil
}

// JobsFor lists open requests the technician could take: tags intersect and the
// request location matches the technician's free-text location.
func (m *Matcher) JobsFor(ctx context.Context, tech model.User) ([]model.WorkRequest, error) {
	tags := NormalizeTags(tech.Specialization)
	works, err := m.Dir.ListWorksByStatus(ctx, lifecycle.Open, tags)
	if err != nil {
		return nil, fmt.Errorf("list open works: %w", err)
	}
	re, err := LocationPattern(tech.Location)
	if err != nil {
		return nil, err
	}
	out := []model.WorkRequest{}
	for _, w := range works {
		if len(tags) > 0 && !intersects(tags, w.Specialization) {
			continue
		}
		if re.MatchString(w.Location) {
			out = append(out, w)
		}
	}
	return out, nil
}

// LocationPattern builds a case-insensitive substring matcher for user supplied
// text. Regex metacharacters are matched literally.
func LocationPattern(text string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + regexp.QuoteMeta(strings.TrimSpace(text)))
}

// NormalizeTags trims, lower-cases and de-duplicates tags, dropping empties.
func NormalizeTags(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func filterBySkill(techs []model.User, tags []string) []model.User {
	if len(tags) == 0 {
		return techs
	}
	out := techs[:0:0]
	for _, t := range techs {
		if intersects(tags, t.Specialization) {
			out = append(out, t)
		}
	}
	return out
}

func intersects(normalized []string, other []string) bool {
	for _, o := range other {
		o = strings.ToLower(strings.TrimSpace(o))
		for _, n := range normalized {
			if n == o {
				return true
			}
		}
	}
	return false
}
