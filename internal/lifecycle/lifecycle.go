// Package lifecycle defines the work request status machine.
//
// Every mutation of a work request's status goes through Next, which is the
// only place the legal transitions are written down.
package lifecycle

import (
	"fmt"
	"strings"
)

// Status is the closed set of states a work request can be in.
type Status string

const (
	Open        Status = "open"
	Taken       Status = "taken"
	Approved    Status = "approved"
	Unavailable Status = "unavailable"
	Dispatch    Status = "dispatch"
	InProgress  Status = "inprogress"
	OnHoldParts Status = "onhold_parts"
	Escalated   Status = "escalated"
	Rescheduled Status = "rescheduled"
	Completed   Status = "completed"
	Confirm     Status = "confirm"
)

var allStatuses = []Status{Open, Taken, Approved, Unavailable, Dispatch, InProgress, OnHoldParts, Escalated, Rescheduled, Completed, Confirm}

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// Event names an action that may move a work request between statuses.
type Event string

const (
	EventApprove        Event = "approve"
	EventBook           Event = "book"
	EventSweep          Event = "sweep"
	EventDispatch       Event = "dispatch"
	EventStart          Event = "start"
	EventReportIssue    Event = "report_issue"
	EventResume         Event = "resume"
	EventComplete       Event = "complete"
	EventConfirmPayment Event = "confirm_payment"
)

// IssueType is the reason a technician reports when work cannot continue.
type IssueType string

const (
	IssueNeedParts           IssueType = "need_parts"
	IssueNeedSpecialist      IssueType = "need_specialist"
	IssueCustomerUnavailable IssueType = "customer_unavailable"
)

// ParseIssueType validates a raw issue type.
func ParseIssueType(s string) (IssueType, error) {
	switch t := IssueType(strings.TrimSpace(s)); t {
	case IssueNeedParts, IssueNeedSpecialist, IssueCustomerUnavailable:
		return t, nil
	}
	return "", fmt.Errorf("invalid issue type %q", s)
}

// HoldStatus is the side state an issue parks the work in.
func (t IssueType) HoldStatus() Status {
	switch t {
	case IssueNeedParts:
		return OnHoldParts
	case IssueNeedSpecialist:
		return Escalated
	case IssueCustomerUnavailable:
		return Rescheduled
	}
	return ""
}

// DefaultRemarks is stored when the technician reports an issue without remarks.
func (t IssueType) DefaultRemarks() string {
	switch t {
	case IssueNeedParts:
		return "Parts required for repair"
	case IssueNeedSpecialist:
		return "Requires senior technician"
	case IssueCustomerUnavailable:
		return "Customer not available at site"
	}
	return ""
}

// Status groups used by guards and queries.
var (
	// Active marks a technician as busy.
	Active = []Status{Dispatch, InProgress, Taken, Approved}
	// Trackable is the set in which a technician's location updates are accepted.
	Trackable = []Status{Approved, Taken, Dispatch, InProgress}
	// OnHold are the side states reachable from inprogress.
	OnHold = []Status{OnHoldParts, Escalated, Rescheduled}
	// Settled means the work has been completed.
	Settled = []Status{Completed, Confirm}
	// ActiveBooking is the booking status set that blocks a duplicate booking.
	ActiveBooking = []Status{Dispatch, InProgress}
)

// In reports whether s is a member of set.
func (s Status) In(set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// RequiresTechnician reports whether a work request in status s must have an
// assigned technician.
func (s Status) RequiresTechnician() bool { return s != Open && s != Unavailable }

type edge struct {
	from  Status
	event Event
}

var table = map[edge]Status{
	{Open, EventApprove}: Approved,
	{Open, EventBook}:    Taken,
	{Open, EventSweep}:   Unavailable,

	{Approved, EventDispatch}: Dispatch,
	{Taken, EventDispatch}:    Dispatch,

	{Approved, EventStart}: InProgress,
	{Taken, EventStart}:    InProgress,
	{Dispatch, EventStart}: InProgress,

	{OnHoldParts, EventResume}: InProgress,
	{Escalated, EventResume}:   InProgress,
	{Rescheduled, EventResume}: InProgress,

	{InProgress, EventComplete}: Completed,

	{Completed, EventConfirmPayment}: Confirm,
	{Confirm, EventConfirmPayment}:   Confirm,
}

// TransitionError reports an event that is not legal from the current status.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s work in status %s", e.Event, e.From)
}

// Next returns the status that event moves a work request to from status from.
// issue is only consulted for EventReportIssue.
func Next(from Status, event Event, issue IssueType) (Status, error) {
	if event == EventReportIssue {
		to := issue.HoldStatus()
		if to == "" || !(from == InProgress || from.In(OnHold)) {
			return "", &TransitionError{From: from, Event: event}
		}
		return to, nil
	}
	to, ok := table[edge{from, event}]
	if !ok {
		return "", &TransitionError{From: from, Event: event}
	}
	return to, nil
}

// Sources lists every status from which event is legal. Guarded store updates
// use it as the status precondition of their conditional write.
func Sources(event Event) []Status {
	var out []Status
	if event == EventReportIssue {
		return append([]Status{InProgress}, OnHold...)
	}
	for _, s := range allStatuses {
		if _, ok := table[edge{s, event}]; ok {
			out = append(out, s)
		}
	}
	return out
}
