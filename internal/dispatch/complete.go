package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"fieldserve/internal/billing"
	"fieldserve/internal/integrations"
	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
	"fieldserve/internal/store"
)

// CompleteInput closes a work request. A nil ServiceCharge keeps the work's.
type CompleteInput struct {
	WorkID        string
	Items         []model.LineItem
	ServiceCharge *float64
	PaymentMethod string
	AfterPhoto    *Upload
}

type CompleteResult struct {
	Work model.WorkRequest `json:"work"`
	Bill model.Bill        `json:"bill"`
	// QRPNG is the UPI QR code; empty for cash or when rendering failed.
	QRPNG []byte `json:"-"`
}

// CompleteWork moves inprogress work to completed and creates its bill in one
// store write. Invoice rendering, email and notifications follow asynchronously.
func (s *Service) CompleteWork(ctx context.Context, a Actor, in CompleteInput) (res CompleteResult, err error) {
	defer func() { observe(string(lifecycle.EventComplete), err) }()
	method, err := billing.ParseMethod(in.PaymentMethod)
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
	to, err := lifecycle.Next(w.Status, lifecycle.EventComplete, "")
	if err != nil {
		return res, fromTransition(err)
	}
	charge := w.ServiceCharge
	if in.ServiceCharge != nil {
		charge = *in.ServiceCharge
	}
	if err := billing.ValidateItems(in.Items, charge); err != nil {
		return res, validation(err.Error())
	}
	if method == model.PaymentUPI && s.UPIVPA == "" {
		return res, validation("upi payments are not configured")
	}

	total := billing.Total(in.Items, charge)
	bill := model.Bill{
		InvoiceNumber: billing.NewInvoiceNumber(),
		TechnicianID:  a.UserID,
		ClientID:      w.Client,
		Items:         in.Items,
		ServiceCharge: charge,
		TotalAmount:   total,
		PaymentMethod: method,
		PaymentStatus: model.PaymentPending,
		CreatedAt:     s.Now(),
	}
	if bill.Items == nil {
		bill.Items = []model.LineItem{}
	}
	if method == model.PaymentUPI {
		payee := "Technician"
		if tech, err := s.Store.GetUser(ctx, a.UserID); err == nil && tech.FirstName != "" {
			payee = tech.FirstName
		}
		bill.UPIURI = billing.BuildUPIURI(s.UPIVPA, payee, total, billing.PaymentNote(w.ServiceType))
		if res.QRPNG, err = billing.RenderQR(bill.UPIURI); err != nil {
			log.Printf("[dispatch] qr for work %s: %v", w.ID, err)
			res.QRPNG = nil
		}
	}

	now := s.Now()
	upd := store.WorkUpdate{
		Status:      to,
		CompletedAt: &now,
		Payment:     &model.Payment{Method: method, Status: model.PaymentPending},
	}
	url, key := s.upload(ctx, w.ID, "after", in.AfterPhoto)
	if url != "" {
		upd.AfterPhoto = &url
	}
	g := store.Guard{From: []lifecycle.Status{w.Status}, Technician: a.UserID}
	res.Work, res.Bill, err = s.Store.CompleteWork(ctx, w.ID, g, upd, bill)
	if err != nil {
		s.discard(ctx, key)
		return CompleteResult{}, s.guardFailure(ctx, w.ID, g, lifecycle.EventComplete, err)
	}
	s.setFlags(ctx, a.UserID, string(lifecycle.Completed), nil, boolp(true))

	s.publish(ctx, "work.completed", res.Work, map[string]any{
		"billId": res.Bill.ID, "totalAmount": res.Bill.TotalAmount, "paymentMethod": method,
	})
	work, b, qr := res.Work, res.Bill, res.QRPNG
	s.Go(func() { s.handoff(work, b, qr) })
	return res, nil
}

// handoff renders the invoice and mails it to the client. It runs after the
// completion has committed; failures are logged only.
func (s *Service) handoff(w model.WorkRequest, bill model.Bill, qr []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client, err := s.Store.GetUser(ctx, w.Client)
	if err != nil {
		log.Printf("[handoff] work %s: client %s: %v", w.ID, w.Client, err)
		return
	}
	tech, err := s.Store.GetUser(ctx, w.AssignedTechnician)
	if err != nil {
		log.Printf("[handoff] work %s: technician: %v", w.ID, err)
	}

	s.notify(client.ID, model.RoleClient, "Work Completed",
		fmt.Sprintf("%s is complete. Amount due %s.", w.Token, billing.Money(bill.TotalAmount)), "success", "/client/work/"+w.ID)

	var pdf []byte
	if s.Invoices != nil {
		pdf, err = s.Invoices.Render(ctx, billing.Invoice{Bill: bill, Work: w, Technician: tech, Client: client, QRPNG: qr})
		if err != nil {
			log.Printf("[handoff] work %s: invoice: %v", w.ID, err)
			pdf = nil
		}
	}
	if s.Mailer == nil || client.Email == "" {
		return
	}
	mail := integrations.Mail{
		To:      client.Email,
		Subject: "Your bill for " + w.ServiceType + " (" + w.Token + ")",
		HTML:    billEmail(s.CompanyName, client, w, bill, len(qr) > 0),
	}
	if len(qr) > 0 {
		mail.Attachments = append(mail.Attachments, integrations.Attachment{
			Filename: "upi-qr.png", ContentType: "image/png", Data: qr, Inline: true, ContentID: "upiqr",
		})
	}
	if len(pdf) > 0 {
		mail.Attachments = append(mail.Attachments, integrations.Attachment{
			Filename: "bill.pdf", ContentType: "application/pdf", Data: pdf,
		})
	}
	if err := s.Mailer.Send(ctx, mail); err != nil {
		log.Printf("[handoff] work %s: email: %v", w.ID, err)
		return
	}
	log.Printf("[handoff] work %s: bill %s mailed to %s", w.ID, bill.InvoiceNumber, client.Email)
}

func billEmail(company string, client model.User, w model.WorkRequest, bill model.Bill, withQR bool) string {
	if company == "" {
		company = "Field Service"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(company))
	fmt.Fprintf(&b, "<p>Hello %s,</p>", html.EscapeString(strings.TrimSpace(client.FirstName)))
	fmt.Fprintf(&b, "<p>Your %s request %s has been completed.</p>", html.EscapeString(w.ServiceType), html.EscapeString(w.Token))
	b.WriteString("<table>")
	for _, it := range bill.Items {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%v</td><td>%s</td></tr>", html.EscapeString(it.Name), it.Qty, billing.Money(it.Price*it.Qty))
	}
	fmt.Fprintf(&b, "<tr><td>Service charge</td><td></td><td>%s</td></tr>", billing.Money(bill.ServiceCharge))
	fmt.Fprintf(&b, "<tr><th>Total</th><th></th><th>%s</th></tr>", billing.Money(bill.TotalAmount))
	b.WriteString("</table>")
	fmt.Fprintf(&b, "<p>Invoice %s, payment method %s.</p>", bill.InvoiceNumber, strings.ToUpper(bill.PaymentMethod))
	if withQR {
		b.WriteString(`<p>Scan to pay with any UPI app:</p><img src="cid:upiqr" alt="UPI QR" width="220"/>`)
	}
	return b.String()
}
