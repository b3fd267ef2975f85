package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"

	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
	"fieldserve/internal/store"
)

type ApproveResult struct {
	Work  model.WorkRequest `json:"work"`
	Swept int               `json:"swept"`
}

// ApproveWork lets a free technician claim an open request. Concurrent approvals
// of the same request have exactly one winner; the others see InvalidState.
func (s *Service) ApproveWork(ctx context.Context, a Actor, workID string) (res ApproveResult, err error) {
	defer func() { observe(string(lifecycle.EventApprove), err) }()
	if err := requireRole(a, model.RoleTechnician); err != nil {
		return res, err
	}
	w, err := s.loadWork(ctx, workID)
	if err != nil {
		return res, err
	}
	to, err := lifecycle.Next(w.Status, lifecycle.EventApprove, "")
	if err != nil {
		return res, fromTransition(err)
	}
	busy, err := s.Store.BusyTechnicians(ctx, []string{a.UserID})
	if err != nil {
		return res, fmt.Errorf("busy technicians: %w", err)
	}
	if busy[a.UserID] {
		return res, conflict("you already have active work")
	}

	tech := a.UserID
	g := store.Guard{From: []lifecycle.Status{w.Status}, TechnicianFree: tech}
	updated, err := s.Store.TransitionWork(ctx, w.ID, g, store.WorkUpdate{Status: to, AssignedTechnician: &tech})
	if err != nil {
		return res, s.guardFailure(ctx, w.ID, g, lifecycle.EventApprove, err)
	}
	res.Work = updated

	// Sibling requests for the same service are no longer offered.
	res.Swept, err = s.Store.SweepUnavailable(ctx, updated.ServiceType, updated.ID)
	if err != nil {
		log.Printf("[dispatch] sweep after approving %s: %v", updated.ID, err)
		res.Swept = 0
	}
	s.setFlags(ctx, tech, string(lifecycle.Approved), boolp(true), nil)

	s.publish(ctx, "work.approved", updated, map[string]any{"swept": res.Swept})
	s.notify(tech, model.RoleTechnician, "Work Approved",
		fmt.Sprintf("You have been assigned %s (%s).", updated.Token, updated.ServiceType), "success", "/technician/work/"+updated.ID)
	s.notify(updated.Client, model.RoleClient, "Technician Assigned",
		fmt.Sprintf("A technician has accepted your request %s.", updated.Token), "info", "/client/work/"+updated.ID)
	return res, nil
}

// StartWork records arrival: the before photo is stored and the work moves to
// inprogress.
func (s *Service) StartWork(ctx context.Context, a Actor, workID string, photo *Upload) (res model.WorkRequest, err error) {
	defer func() { observe(string(lifecycle.EventStart), err) }()
	w, err := s.loadWork(ctx, workID)
	if err != nil {
		return res, err
	}
	if err := assigned(a, w); err != nil {
		return res, err
	}
	to, err := lifecycle.Next(w.Status, lifecycle.EventStart, "")
	if err != nil {
		return res, fromTransition(err)
	}

	now := s.Now()
	upd := store.WorkUpdate{Status: to, StartedAt: &now}
	url, key := s.upload(ctx, w.ID, "before", photo)
	if url != "" {
		upd.BeforePhoto = &url
	}
	g := store.Guard{From: []lifecycle.Status{w.Status}, Technician: a.UserID}
	res, err = s.Store.TransitionWork(ctx, w.ID, g, upd)
	if err != nil {
		s.discard(ctx, key)
		return res, s.guardFailure(ctx, w.ID, g, lifecycle.EventStart, err)
	}
	s.setFlags(ctx, a.UserID, string(lifecycle.InProgress), boolp(true), boolp(false))

	s.publish(ctx, "work.started", res, map[string]any{"beforePhoto": res.BeforePhoto})
	s.notify(res.Client, model.RoleClient, "Work Started",
		fmt.Sprintf("The technician has started work on %s.", res.Token), "info", "/client/work/"+res.ID)
	return res, nil
}

// IssueInput reports why work cannot continue.
type IssueInput struct {
	WorkID    string
	IssueType string
	Remarks   string
}

// ReportIssue parks the work in the side state for the issue and files an
// admin notification.
func (s *Service) ReportIssue(ctx context.Context, a Actor, in IssueInput) (res model.WorkRequest, err error) {
	defer func() { observe(string(lifecycle.EventReportIssue), err) }()
	if in.WorkID == "" || in.IssueType == "" {
		return res, validation("workId and issueType are required")
	}
	issue, err := lifecycle.ParseIssueType(in.IssueType)
	if err != nil {
		return res, validation("invalid issue type")
	}
	w, err := s.loadWork(ctx, in.WorkID)
	if err != nil {
		return res, err
	}
	if err := assigned(a, w); err != nil {
		return res, err
	}
	to, err := lifecycle.Next(w.Status, lifecycle.EventReportIssue, issue)
	if err != nil {
		return res, fromTransition(err)
	}

	remarks := in.Remarks
	if strings.TrimSpace(remarks) == "" {
		remarks = issue.DefaultRemarks()
	}
	issueText := string(issue)
	g := store.Guard{From: []lifecycle.Status{w.Status}, Technician: a.UserID}
	res, err = s.Store.TransitionWork(ctx, w.ID, g, store.WorkUpdate{Status: to, IssueType: &issueText, Remarks: &remarks})
	if err != nil {
		return res, s.guardFailure(ctx, w.ID, g, lifecycle.EventReportIssue, err)
	}

	name := a.UserID
	if u, err := s.Store.GetUser(ctx, a.UserID); err == nil && u.FullName() != "" {
		name = u.FullName()
	}
	_, err = s.Store.CreateAdminNotification(ctx, model.AdminNotification{
		Type:         "work_issue",
		Message:      fmt.Sprintf("Technician %s reported an issue (%s) for work %s", name, issue, res.Token),
		WorkID:       res.ID,
		TechnicianID: a.UserID,
		IssueType:    issueText,
		Remarks:      remarks,
	})
	if err != nil {
		log.Printf("[dispatch] admin notification for work %s: %v", res.ID, err)
	}
	s.setFlags(ctx, a.UserID, "pending", nil, boolp(true))

	s.publish(ctx, "work.issue_reported", res, map[string]any{"issueType": issueText, "remarks": remarks})
	s.notify(res.Client, model.RoleClient, "Work On Hold", remarks, "warning", "/client/work/"+res.ID)
	return res, nil
}

// ResumeWork returns a parked work to inprogress.
func (s *Service) ResumeWork(ctx context.Context, a Actor, workID string) (res model.WorkRequest, err error) {
	defer func() { observe(string(lifecycle.EventResume), err) }()
	w, err := s.loadWork(ctx, workID)
	if err != nil {
		return res, err
	}
	if err := assigned(a, w); err != nil {
		return res, err
	}
	to, err := lifecycle.Next(w.Status, lifecycle.EventResume, "")
	if err != nil {
		return res, fromTransition(err)
	}
	g := store.Guard{From: []lifecycle.Status{w.Status}, Technician: a.UserID}
	res, err = s.Store.TransitionWork(ctx, w.ID, g, store.WorkUpdate{Status: to})
	if err != nil {
		return res, s.guardFailure(ctx, w.ID, g, lifecycle.EventResume, err)
	}
	s.setFlags(ctx, a.UserID, string(lifecycle.InProgress), boolp(true), boolp(false))

	s.publish(ctx, "work.resumed", res, nil)
	s.notify(res.Client, model.RoleClient, "Work Resumed",
		fmt.Sprintf("Work on %s has resumed.", res.Token), "info", "/client/work/"+res.ID)
	return res, nil
}
