package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fieldserve/internal/model"
)

// GoogleDirections asks the Google Directions API for driving alternatives.
type GoogleDirections struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

func NewGoogleDirections(apiKey, baseURL string) *GoogleDirections {
	return &GoogleDirections{APIKey: apiKey, BaseURL: baseURL, HTTP: &http.Client{Timeout: 8 * time.Second}}
}

type directionsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Routes       []struct {
		Summary string `json:"summary"`
		Legs    []struct {
			Distance textValue `json:"distance"`
			Duration textValue `json:"duration"`
		} `json:"legs"`
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
	} `json:"routes"`
}

type textValue struct {
	Text  string `json:"text"`
	Value int    `json:"value"`
}

func (g *GoogleDirections) Routes(ctx context.Context, from, to model.GeoPoint) ([]model.RouteOption, error) {
	if g.APIKey == "" {
		return nil, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("origin", LatLng(from))
	q.Set("destination", LatLng(to))
	q.Set("mode", "driving")
	q.Set("alternatives", "true")
	q.Set("key", g.APIKey)
	endpoint := g.BaseURL + "?" + q.Encode()

	var dr directionsResponse
	err := Retry(ctx, 2, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := g.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("directions: status %d", resp.StatusCode)
			if permanentStatus(resp.StatusCode) {
				return backoff.Permanent(err)
			}
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&dr)
	})
	if err != nil {
		return nil, err
	}
	if dr.Status != "OK" {
		return nil, fmt.Errorf("directions: %s %s", dr.Status, dr.ErrorMessage)
	}
	out := make([]model.RouteOption, 0, len(dr.Routes))
	for i, r := range dr.Routes {
		opt := model.RouteOption{Index: i, Summary: r.Summary, Polyline: r.OverviewPolyline.Points}
		if len(r.Legs) > 0 {
			opt.DistanceMeters, opt.DistanceText = r.Legs[0].Distance.Value, r.Legs[0].Distance.Text
			opt.DurationSeconds, opt.DurationText = r.Legs[0].Duration.Value, r.Legs[0].Duration.Text
		}
		out = append(out, opt)
	}
	return out, nil
}

// LatLng renders "lat,lng" as map URLs expect.
func LatLng(p model.GeoPoint) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}

// NavigationURL is a Google Maps turn-by-turn link for the driver app.
func NavigationURL(from, to model.GeoPoint) string {
	q := url.Values{}
	q.Set("api", "1")
	q.Set("origin", LatLng(from))
	q.Set("destination", LatLng(to))
	q.Set("travelmode", "driving")
	return "https://www.google.com/maps/dir/?" + q.Encode()
}
