package api

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/spf13/cast"

	"fieldserve/internal/dispatch"
	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
)

// Mobile clients send coordinates and amounts as numbers or strings; the
// request types below keep those fields loose and convert them with cast.

type pointIn struct {
	Lat any `json:"lat"`
	Lng any `json:"lng"`
}

// point returns nil when both fields are absent.
func (p *pointIn) point() (*model.GeoPoint, error) {
	if p == nil || (p.Lat == nil && p.Lng == nil) {
		return nil, nil
	}
	lat, err := cast.ToFloat64E(p.Lat)
	if err != nil {
		return nil, fmt.Errorf("lat: %w", err)
	}
	lng, err := cast.ToFloat64E(p.Lng)
	if err != nil {
		return nil, fmt.Errorf("lng: %w", err)
	}
	return &model.GeoPoint{Lat: lat, Lng: lng}, nil
}

func optFloat(v any, field string) (*float64, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &f, nil
}

// tags accepts ["a","b"] or "a, b".
func tags(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return strings.Split(s, ","), nil
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, fmt.Errorf("specialization: %w", err)
	}
	return out, nil
}

func invalid(w http.ResponseWriter, r *http.Request, err error) {
	writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error(), r.URL.Path)
}

type createWorkReq struct {
	ServiceType    string   `json:"serviceType"`
	Specialization any      `json:"specialization"`
	Description    string   `json:"description"`
	Coordinates    *pointIn `json:"coordinates"`
	Location       string   `json:"location"`
	Date           string   `json:"date"`
	Time           string   `json:"time"`
	ServiceCharge  any      `json:"serviceCharge"`
	TechnicianID   string   `json:"technicianId"`
	RadiusKm       any      `json:"radiusKm"`
}

func (q createWorkReq) input() (dispatch.CreateInput, error) {
	in := dispatch.CreateInput{
		ServiceType:  q.ServiceType,
		Description:  q.Description,
		LocationText: q.Location,
		Date:         q.Date,
		Time:         q.Time,
		TechnicianID: q.TechnicianID,
	}
	var err error
	if in.Specialization, err = tags(q.Specialization); err != nil {
		return in, err
	}
	if in.Coordinates, err = q.Coordinates.point(); err != nil {
		return in, err
	}
	charge, err := optFloat(q.ServiceCharge, "serviceCharge")
	if err != nil {
		return in, err
	}
	if charge != nil {
		in.ServiceCharge = *charge
	}
	radius, err := optFloat(q.RadiusKm, "radiusKm")
	if err != nil {
		return in, err
	}
	if radius != nil {
		in.RadiusKm = *radius
	}
	return in, nil
}

type bookReq struct {
	TechnicianID  string   `json:"technicianId"`
	Coordinates   *pointIn `json:"coordinates"`
	Date          string   `json:"date"`
	Time          string   `json:"time"`
	ServiceType   string   `json:"serviceType"`
	ServiceCharge any      `json:"serviceCharge"`
	Description   string   `json:"description"`
}

func (q bookReq) input(workID string) (dispatch.BookInput, error) {
	in := dispatch.BookInput{
		WorkID:       workID,
		TechnicianID: q.TechnicianID,
		Date:         q.Date,
		Time:         q.Time,
		ServiceType:  q.ServiceType,
		Description:  q.Description,
	}
	var err error
	if in.Coordinates, err = q.Coordinates.point(); err != nil {
		return in, err
	}
	in.ServiceCharge, err = optFloat(q.ServiceCharge, "serviceCharge")
	return in, err
}

type itemIn struct {
	Name  string `json:"name"`
	Price any    `json:"price"`
	Qty   any    `json:"qty"`
}

func lineItems(in []itemIn) ([]model.LineItem, error) {
	out := make([]model.LineItem, 0, len(in))
	for i, it := range in {
		price, err := cast.ToFloat64E(it.Price)
		if err != nil {
			return nil, fmt.Errorf("items[%d].price: %w", i, err)
		}
		qty := 1.0
		if it.Qty != nil {
			if qty, err = cast.ToFloat64E(it.Qty); err != nil {
				return nil, fmt.Errorf("items[%d].qty: %w", i, err)
			}
		}
		out = append(out, model.LineItem{Name: it.Name, Price: price, Qty: qty})
	}
	return out, nil
}

type completeReq struct {
	Items         []itemIn `json:"items"`
	ServiceCharge any      `json:"serviceCharge"`
	PaymentMethod string   `json:"paymentMethod"`
}

func (q completeReq) input(workID string) (dispatch.CompleteInput, error) {
	in := dispatch.CompleteInput{WorkID: workID, PaymentMethod: q.PaymentMethod}
	var err error
	if in.Items, err = lineItems(q.Items); err != nil {
		return in, err
	}
	in.ServiceCharge, err = optFloat(q.ServiceCharge, "serviceCharge")
	return in, err
}

// completeForm reads the multipart variant: items is a JSON array field.
func completeForm(r *http.Request, workID string) (dispatch.CompleteInput, error) {
	q := completeReq{
		PaymentMethod: r.FormValue("paymentMethod"),
		ServiceCharge: r.FormValue("serviceCharge"),
	}
	if raw := r.FormValue("items"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Items); err != nil {
			return dispatch.CompleteInput{}, fmt.Errorf("items: %w", err)
		}
	}
	return q.input(workID)
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// formUpload returns the named file part, or nil when absent.
func formUpload(r *http.Request, field string) (*dispatch.Upload, func(), error) {
	f, hdr, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, func() {}, fmt.Errorf("%s: %w", field, err)
	}
	return uploadFrom(f, hdr), func() { _ = f.Close() }, nil
}

func uploadFrom(f multipart.File, hdr *multipart.FileHeader) *dispatch.Upload {
	return &dispatch.Upload{
		Filename:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Body:        f,
		Size:        hdr.Size,
	}
}

type userReq struct {
	ID             string   `json:"id"`
	Role           string   `json:"role"`
	FirstName      string   `json:"firstName"`
	LastName       string   `json:"lastName"`
	Email          string   `json:"email"`
	Phone          string   `json:"phone"`
	Specialization any      `json:"specialization"`
	Location       string   `json:"location"`
	Coordinates    *pointIn `json:"coordinates"`
	FCMToken       string   `json:"fcmToken"`
}

func (q userReq) user() (model.User, error) {
	u := model.User{
		ID:        q.ID,
		Role:      strings.ToLower(strings.TrimSpace(q.Role)),
		FirstName: q.FirstName,
		LastName:  q.LastName,
		Email:     q.Email,
		Phone:     q.Phone,
		Location:  q.Location,
		FCMToken:  q.FCMToken,
	}
	var err error
	if u.Specialization, err = tags(q.Specialization); err != nil {
		return u, err
	}
	u.Coordinates, err = q.Coordinates.point()
	return u, err
}

// statuses parses ?status=a,b and rejects unknown values.
func statuses(raw string) ([]lifecycle.Status, error) {
	if raw == "" {
		return nil, nil
	}
	var out []lifecycle.Status
	for _, p := range strings.Split(raw, ",") {
		st := lifecycle.Status(strings.TrimSpace(p))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", p)
		}
		out = append(out, st)
	}
	return out, nil
}

func limitParam(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n := cast.ToInt(v)
	if n <= 0 || n > 500 {
		return def
	}
	return n
}
