package lifecycle

import (
	"errors"
	"testing"
)

func TestNextLegalTransitions(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
		issue IssueType
		want  Status
	}{
		{Open, EventApprove, "", Approved},
		{Open, EventBook, "", Taken},
		{Open, EventSweep, "", Unavailable},
		{Approved, EventDispatch, "", Dispatch},
		{Taken, EventDispatch, "", Dispatch},
		{Dispatch, EventStart, "", InProgress},
		{Approved, EventStart, "", InProgress},
		{InProgress, EventReportIssue, IssueNeedParts, OnHoldParts},
		{InProgress, EventReportIssue, IssueNeedSpecialist, Escalated},
		{InProgress, EventReportIssue, IssueCustomerUnavailable, Rescheduled},
		{OnHoldParts, EventReportIssue, IssueNeedSpecialist, Escalated},
		{Escalated, EventResume, "", InProgress},
		{InProgress, EventComplete, "", Completed},
		{Completed, EventConfirmPayment, "", Confirm},
	}
	for _, c := range cases {
		got, err := Next(c.from, c.event, c.issue)
		if err != nil {
			t.Fatalf("%s --%s--> unexpected error: %v", c.from, c.event, err)
		}
		if got != c.want {
			t.Fatalf("%s --%s--> got %s, want %s", c.from, c.event, got, c.want)
		}
	}
}

func TestNextRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
		issue IssueType
	}{
		{Approved, EventApprove, ""},
		{Taken, EventBook, ""},
		{Dispatch, EventComplete, ""},
		{Approved, EventComplete, ""},
		{Open, EventStart, ""},
		{Completed, EventStart, ""},
		{Open, EventReportIssue, IssueNeedParts},
		{InProgress, EventReportIssue, "bogus"},
		{InProgress, EventConfirmPayment, ""},
		{Unavailable, EventApprove, ""},
		{InProgress, EventResume, ""},
	}
	for _, c := range cases {
		_, err := Next(c.from, c.event, c.issue)
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("%s --%s--> expected TransitionError, got %v", c.from, c.event, err)
		}
		if te.From != c.from {
			t.Fatalf("error should echo current status %s, got %s", c.from, te.From)
		}
	}
}

func TestNoTransitionReturnsToOpen(t *testing.T) {
	events := []Event{EventApprove, EventBook, EventSweep, EventDispatch, EventStart, EventResume, EventComplete, EventConfirmPayment}
	for _, from := range allStatuses {
		for _, ev := range events {
			if to, err := Next(from, ev, ""); err == nil && to == Open {
				t.Fatalf("%s --%s--> open must not be possible", from, ev)
			}
		}
	}
}

func TestCompletedOnlyReachableFromInProgress(t *testing.T) {
	src := Sources(EventComplete)
	if len(src) != 1 || src[0] != InProgress {
		t.Fatalf("complete sources = %v", src)
	}
	if !Completed.RequiresTechnician() || Open.RequiresTechnician() || Unavailable.RequiresTechnician() {
		t.Fatal("RequiresTechnician mismatch")
	}
}

func TestParseStatusAndIssue(t *testing.T) {
	if s, err := ParseStatus(" InProgress "); err != nil || s != InProgress {
		t.Fatalf("ParseStatus: %v %v", s, err)
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if _, err := ParseIssueType("need_parts"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseIssueType("lunch"); err == nil {
		t.Fatal("expected error for unknown issue type")
	}
	if IssueNeedParts.DefaultRemarks() == "" {
		t.Fatal("default remarks empty")
	}
}
