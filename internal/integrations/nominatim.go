package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"fieldserve/internal/model"
)

// Nominatim reverse-geocodes through an OpenStreetMap Nominatim server. The
// public server allows one request per second, enforced by the limiter.
type Nominatim struct {
	BaseURL   string
	UserAgent string
	HTTP      *http.Client
	limiter   *rate.Limiter
}

func NewNominatim(baseURL, userAgent string, rps float64) *Nominatim {
	if rps <= 0 {
		rps = 1
	}
	return &Nominatim{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		UserAgent: userAgent,
		HTTP:      &http.Client{Timeout: 5 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (n *Nominatim) Reverse(ctx context.Context, p model.GeoPoint) (string, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(p.Lng, 'f', -1, 64))
	q.Set("format", "json")
	endpoint := n.BaseURL + "/reverse?" + q.Encode()

	var out struct {
		DisplayName string `json:"display_name"`
		Error       string `json:"error"`
	}
	err := Retry(ctx, 2, func() error {
		if err := n.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", n.UserAgent)
		resp, err := n.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("nominatim: status %d", resp.StatusCode)
			if permanentStatus(resp.StatusCode) {
				return backoff.Permanent(err)
			}
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("nominatim: %s", out.Error)
	}
	return out.DisplayName, nil
}
