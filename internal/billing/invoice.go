package billing

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"fieldserve/internal/model"
)

// Invoice groups what a rendered invoice shows.
type Invoice struct {
	Bill       model.Bill
	Work       model.WorkRequest
	Technician model.User
	Client     model.User
	QRPNG      []byte
}

// InvoiceRenderer produces the invoice document attached to the completion email.
type InvoiceRenderer interface {
	Render(ctx context.Context, inv Invoice) ([]byte, error)
}

// PDFRenderer renders A4 invoices with fpdf.
type PDFRenderer struct {
	CompanyName string
}

func NewPDFRenderer(company string) *PDFRenderer {
	if company == "" {
		company = "Field Service"
	}
	return &PDFRenderer{CompanyName: company}
}

func (r *PDFRenderer) Render(ctx context.Context, inv Invoice) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Invoice "+inv.Bill.InvoiceNumber, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, r.CompanyName, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 6, "Invoice: "+inv.Bill.InvoiceNumber, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Date: "+inv.Bill.CreatedAt.Format("02 Jan 2006"), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Request: "+inv.Work.Token, "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(95, 6, "Billed to", "", 0, "L", false, 0, "")
	pdf.CellFormat(95, 6, "Technician", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(95, 6, orDash(inv.Client.FullName()), "", 0, "L", false, 0, "")
	pdf.CellFormat(95, 6, orDash(inv.Technician.FullName()), "", 1, "L", false, 0, "")
	pdf.CellFormat(95, 6, orDash(inv.Work.Location), "", 0, "L", false, 0, "")
	pdf.CellFormat(95, 6, orDash(inv.Technician.Phone), "", 1, "L", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(90, 8, "Item", "1", 0, "L", true, 0, "")
	pdf.CellFormat(30, 8, "Qty", "1", 0, "R", true, 0, "")
	pdf.CellFormat(35, 8, "Price", "1", 0, "R", true, 0, "")
	pdf.CellFormat(35, 8, "Amount", "1", 1, "R", true, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	for _, it := range inv.Bill.Items {
		pdf.CellFormat(90, 7, it.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 7, trimQty(it.Qty), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 7, FormatAmount(it.Price), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 7, FormatAmount(it.Price*it.Qty), "1", 1, "R", false, 0, "")
	}
	pdf.CellFormat(155, 7, "Service charge", "1", 0, "R", false, 0, "")
	pdf.CellFormat(35, 7, FormatAmount(inv.Bill.ServiceCharge), "1", 1, "R", false, 0, "")
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(155, 8, "Total", "1", 0, "R", false, 0, "")
	pdf.CellFormat(35, 8, Money(inv.Bill.TotalAmount), "1", 1, "R", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 6, "Payment method: "+strings.ToUpper(inv.Bill.PaymentMethod), "", 1, "L", false, 0, "")
	if len(inv.QRPNG) > 0 {
		opts := fpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
		pdf.RegisterImageOptionsReader("upi-qr", opts, bytes.NewReader(inv.QRPNG))
		pdf.CellFormat(0, 6, "Scan to pay with any UPI app", "", 1, "L", false, 0, "")
		pdf.ImageOptions("upi-qr", pdf.GetX(), pdf.GetY()+2, 45, 45, false, opts, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render invoice: %w", err)
	}
	return buf.Bytes(), nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func trimQty(q float64) string {
	s := fmt.Sprintf("%.2f", q)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s
}
