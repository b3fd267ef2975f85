package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"fieldserve/internal/billing"
	"fieldserve/internal/integrations"
	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
	"fieldserve/internal/store"
)

// PaymentInput settles a completed work. Status is only read from clients and
// defaults to pending when they report a payment not yet cleared.
type PaymentInput struct {
	WorkID string
	Method string
	Status string
}

// PayBill records the client's payment of a completed work.
func (s *Service) PayBill(ctx context.Context, a Actor, in PaymentInput) (res model.WorkRequest, err error) {
	defer func() { observe("pay", err) }()
	method, err := billing.ParseMethod(in.Method)
	if err != nil || in.Method == "" {
		return res, validation("payment method must be cash or upi")
	}
	w, err := s.loadWork(ctx, in.WorkID)
	if err != nil {
		return res, err
	}
	if err := owns(a, w); err != nil {
		return res, err
	}
	to, err := lifecycle.Next(w.Status, lifecycle.EventConfirmPayment, "")
	if err != nil {
		return res, fromTransition(err)
	}

	status := model.PaymentPaid
	switch in.Status {
	case model.PaymentPending:
		status = model.PaymentPending
	case "", model.PaymentPaid:
	default:
		return res, validation("payment status must be paid or pending")
	}
	now := s.Now()
	p := mergePayment(w.Payment)
	p.Method, p.PaidAt = method, &now
	if p.Status != model.PaymentConfirmed {
		p.Status = status
	}

	g := store.Guard{From: []lifecycle.Status{w.Status}, Client: a.UserID}
	res, err = s.Store.SettlePayment(ctx, w.ID, g, store.WorkUpdate{Status: to, Payment: &p}, p.Status, &now)
	if err != nil {
		return res, s.guardFailure(ctx, w.ID, g, lifecycle.EventConfirmPayment, err)
	}

	s.publish(ctx, "work.payment_confirmed", res, map[string]any{"method": method, "paymentStatus": p.Status, "by": "client"})
	s.notify(res.AssignedTechnician, model.RoleTechnician, "Payment Received",
		fmt.Sprintf("The client paid for %s by %s.", res.Token, method), "success", "/technician/work/"+res.ID)
	work := res
	s.Go(func() { s.mailPaymentReceipt(work) })
	return res, nil
}

// ConfirmPayment is the technician's confirmation that payment was collected.
func (s *Service) ConfirmPayment(ctx context.Context, a Actor, in PaymentInput) (res model.WorkRequest, err error) {
	defer func() { observe(string(lifecycle.EventConfirmPayment), err) }()
	if in.Method == "" {
		return res, validation("payment method must be cash or upi")
	}
	method, err := billing.ParseMethod(in.Method)
	if err != nil {
		return res, validation(err.Error())
	}
	w, err := s.loadWork(ctx, in.WorkID)
	if err != nil {
		return res, err
	}
	if err := assigned(a, w); err != nil {
		return res, err
	}
	to, err := lifecycle.Next(w.Status, lifecycle.EventConfirmPayment, "")
	if err != nil {
		return res, fromTransition(err)
	}

	now := s.Now()
	p := mergePayment(w.Payment)
	p.Method, p.Status, p.ConfirmedBy, p.ConfirmedAt = method, model.PaymentConfirmed, a.UserID, &now
	paidAt := p.PaidAt
	if paidAt == nil {
		paidAt = &now
	}

	g := store.Guard{From: []lifecycle.Status{w.Status}, Technician: a.UserID}
	res, err = s.Store.SettlePayment(ctx, w.ID, g, store.WorkUpdate{Status: to, Payment: &p}, model.PaymentConfirmed, paidAt)
	if err != nil {
		return res, s.guardFailure(ctx, w.ID, g, lifecycle.EventConfirmPayment, err)
	}

	s.publish(ctx, "work.payment_confirmed", res, map[string]any{"method": method, "paymentStatus": p.Status, "by": "technician"})
	s.notify(res.Client, model.RoleClient, "Payment Confirmed",
		fmt.Sprintf("Your %s payment for %s was confirmed.", method, res.Token), "success", "/client/work/"+res.ID)
	return res, nil
}

func mergePayment(p *model.Payment) model.Payment {
	if p == nil {
		return model.Payment{}
	}
	return *p
}

func (s *Service) mailPaymentReceipt(w model.WorkRequest) {
	if s.Mailer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := s.Store.GetUser(ctx, w.Client)
	if err != nil || client.Email == "" {
		return
	}
	amount := ""
	if w.BillID != "" {
		if b, err := s.Store.GetBill(ctx, w.BillID); err == nil {
			amount = " of " + billing.Money(b.TotalAmount)
		}
	}
	method := ""
	if w.Payment != nil {
		method = w.Payment.Method
	}
	err = s.Mailer.Send(ctx, integrations.Mail{
		To:      client.Email,
		Subject: "Payment received for " + w.Token,
		HTML:    fmt.Sprintf("<p>We received your %s payment%s for %s (%s). Thank you.</p>", method, amount, w.ServiceType, w.Token),
	})
	if err != nil {
		log.Printf("[payment] receipt for work %s: %v", w.ID, err)
	}
}
