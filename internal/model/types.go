package model

import (
	"strings"
	"time"

	"fieldserve/internal/lifecycle"
)

// Core domain types shared by the store, dispatch service and API.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Roles
const (
	RoleClient     = "client"
	RoleTechnician = "technician"
	RoleAdmin      = "admin"
)

type User struct {
	ID                 string     `json:"id"`
	Role               string     `json:"role"`
	FirstName          string     `json:"firstName,omitempty"`
	LastName           string     `json:"lastName,omitempty"`
	Email              string     `json:"email,omitempty"`
	Phone              string     `json:"phone,omitempty"`
	Specialization     []string   `json:"specialization,omitempty"`
	Location           string     `json:"location,omitempty"`
	Coordinates        *GeoPoint  `json:"coordinates,omitempty"`
	LastLocationUpdate *time.Time `json:"lastLocationUpdate,omitempty"`
	TechnicianStatus   string     `json:"technicianStatus,omitempty"`
	OnDuty             bool       `json:"onDuty"`
	Availability       bool       `json:"availability"`
	FCMToken           string     `json:"fcmToken,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// TechnicianFlags is the informational part of a technician record that
// transitions flip. Nil fields are left untouched.
type TechnicianFlags struct {
	TechnicianStatus *string
	OnDuty           *bool
	Availability     *bool
}

type Payment struct {
	Method      string     `json:"method,omitempty"`
	Status      string     `json:"status,omitempty"`
	ConfirmedBy string     `json:"confirmedBy,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
}

// Payment methods and statuses
const (
	PaymentCash      = "cash"
	PaymentUPI       = "upi"
	PaymentPending   = "pending"
	PaymentPaid      = "paid"
	PaymentConfirmed = "confirmed"
)

type WorkRequest struct {
	ID                 string           `json:"id"`
	Token              string           `json:"token"`
	Client             string           `json:"client"`
	AssignedTechnician string           `json:"assignedTechnician,omitempty"`
	ServiceType        string           `json:"serviceType"`
	Specialization     []string         `json:"specialization,omitempty"`
	Description        string           `json:"description,omitempty"`
	Location           string           `json:"location,omitempty"`
	Coordinates        *GeoPoint        `json:"coordinates,omitempty"`
	Date               *time.Time       `json:"date,omitempty"`
	FormattedDate      string           `json:"formattedDate,omitempty"`
	Time               string           `json:"time,omitempty"`
	Status             lifecycle.Status `json:"status"`
	ServiceCharge      float64          `json:"serviceCharge"`
	Payment            *Payment         `json:"payment,omitempty"`
	BeforePhoto        string           `json:"beforePhoto,omitempty"`
	AfterPhoto         string           `json:"afterPhoto,omitempty"`
	BillID             string           `json:"billId,omitempty"`
	BookingID          string           `json:"bookingId,omitempty"`
	SelectedRouteIndex *int             `json:"selectedRouteIndex,omitempty"`
	IssueType          string           `json:"issueType,omitempty"`
	Remarks            string           `json:"remarks,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	StartedAt          *time.Time       `json:"startedAt,omitempty"`
	CompletedAt        *time.Time       `json:"completedAt,omitempty"`
}

type Booking struct {
	ID            string           `json:"id"`
	WorkID        string           `json:"workId"`
	Client        string           `json:"client"`
	Technician    string           `json:"technician"`
	ServiceType   string           `json:"serviceType"`
	ServiceCharge float64          `json:"serviceCharge"`
	Description   string           `json:"description,omitempty"`
	Location      string           `json:"location,omitempty"`
	Coordinates   *GeoPoint        `json:"coordinates,omitempty"`
	Date          *time.Time       `json:"date,omitempty"`
	FormattedDate string           `json:"formattedDate,omitempty"`
	Time          string           `json:"time,omitempty"`
	Status        lifecycle.Status `json:"status"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

type LineItem struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

type Bill struct {
	ID            string     `json:"id"`
	InvoiceNumber string     `json:"invoiceNumber"`
	WorkID        string     `json:"workId"`
	TechnicianID  string     `json:"technicianId"`
	ClientID      string     `json:"clientId"`
	Items         []LineItem `json:"items"`
	ServiceCharge float64    `json:"serviceCharge"`
	TotalAmount   float64    `json:"totalAmount"`
	PaymentMethod string     `json:"paymentMethod"`
	PaymentStatus string     `json:"paymentStatus"`
	UPIURI        string     `json:"upiUri,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
}

type AdminNotification struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	WorkID       string    `json:"workId"`
	TechnicianID string    `json:"technicianId"`
	IssueType    string    `json:"issueType"`
	Remarks      string    `json:"remarks"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RouteOption is one alternative returned by the routing collaborator.
type RouteOption struct {
	Index           int    `json:"index"`
	Summary         string `json:"summary"`
	DistanceMeters  int    `json:"distanceMeters"`
	DistanceText    string `json:"distance"`
	DurationSeconds int    `json:"durationSeconds"`
	DurationText    string `json:"duration"`
	Polyline        string `json:"polyline,omitempty"`
}

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
