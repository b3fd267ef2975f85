// Package integrations holds the thin adapters for external collaborators:
// geocoding, routing, object storage and email.
package integrations

import (
	"context"
	"errors"
	"io"

	"fieldserve/internal/model"
)

// ErrNotConfigured is returned by adapters whose credentials are missing.
var ErrNotConfigured = errors.New("integration not configured")

// Geocoder turns coordinates into a human readable address.
type Geocoder interface {
	Reverse(ctx context.Context, p model.GeoPoint) (string, error)
}

// Router returns alternative driving routes between two points, fastest first.
type Router interface {
	Routes(ctx context.Context, from, to model.GeoPoint) ([]model.RouteOption, error)
}

// Storage persists uploaded files and returns a URL they can be fetched from.
// Delete of a missing key is not an error.
type Storage interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	Delete(ctx context.Context, key string) error
}

// Mailer sends one email.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

type Mail struct {
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Attachment is a file carried by a Mail. Inline attachments are referenced
// from the HTML body as cid:<ContentID>.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
	Inline      bool
	ContentID   string
}
