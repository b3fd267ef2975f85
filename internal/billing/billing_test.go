package billing

import (
	"bytes"
	"context"
	"regexp"
	"testing"
	"time"

	"fieldserve/internal/model"
)

func TestTotal(t *testing.T) {
	items := []model.LineItem{{Name: "capacitor", Price: 250, Qty: 2}, {Name: "gas", Price: 1200.5, Qty: 1}}
	if got := Total(items, 300); got != 2000.5 {
		t.Fatalf("Total = %v, want 2000.5", got)
	}
	if got := Total(nil, 499); got != 499 {
		t.Fatalf("flat charge total = %v", got)
	}
}

func TestParseMethod(t *testing.T) {
	cases := map[string]string{"": "cash", "CASH": "cash", " upi ": "upi"}
	for in, want := range cases {
		got, err := ParseMethod(in)
		if err != nil || got != want {
			t.Fatalf("ParseMethod(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMethod("card"); err != ErrInvalidMethod {
		t.Fatalf("card should be rejected, got %v", err)
	}
}

func TestValidateItems(t *testing.T) {
	if err := ValidateItems([]model.LineItem{{Name: "x", Price: -1, Qty: 1}}, 0); err == nil {
		t.Fatal("negative price accepted")
	}
	if err := ValidateItems([]model.LineItem{{Name: " ", Price: 1, Qty: 1}}, 0); err == nil {
		t.Fatal("unnamed item accepted")
	}
	if err := ValidateItems(nil, -5); err == nil {
		t.Fatal("negative service charge accepted")
	}
	if err := ValidateItems([]model.LineItem{{Name: "x", Price: 1, Qty: 2}}, 10); err != nil {
		t.Fatal(err)
	}
}

func TestBuildUPIURI(t *testing.T) {
	uri := BuildUPIURI("shop@upi", "Ravi Kumar", 1500, PaymentNote("AC Repair"))
	pattern := regexp.MustCompile(`^upi://pay\?pa=[^&]+&pn=[^&]+&am=[0-9.]+&cu=INR&tn=.+$`)
	if !pattern.MatchString(uri) {
		t.Fatalf("uri %q does not match UPI pattern", uri)
	}
	want := "upi://pay?pa=shop@upi&pn=Ravi%20Kumar&am=1500.00&cu=INR&tn=Payment%20for%20AC%20Repair"
	if uri != want {
		t.Fatalf("uri = %q\nwant %q", uri, want)
	}
	if got := BuildUPIURI("v@upi", "", 1, "n&x"); !regexp.MustCompile(`pn=Technician&.*tn=n%26x$`).MatchString(got) {
		t.Fatalf("defaults/escaping wrong: %q", got)
	}
}

func TestMoney(t *testing.T) {
	if got := Money(1250.5); got != "INR 1,250.5" && got != "INR 1,250.50" {
		t.Fatalf("Money = %q", got)
	}
}

func TestRenderQRIsPNG(t *testing.T) {
	png, err := RenderQR("upi://pay?pa=a@b&pn=x&am=1.00&cu=INR&tn=y")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatalf("not a PNG: % x", png[:8])
	}
}

func TestPDFRenderer(t *testing.T) {
	qr, err := RenderQR("upi://pay?pa=a@b")
	if err != nil {
		t.Fatal(err)
	}
	inv := Invoice{
		Bill: model.Bill{InvoiceNumber: NewInvoiceNumber(), Items: []model.LineItem{{Name: "filter", Price: 100, Qty: 1.5}},
			ServiceCharge: 200, TotalAmount: 350, PaymentMethod: "upi", CreatedAt: time.Now()},
		Work:       model.WorkRequest{Token: "REQ-2026-00001", Location: "Bangalore"},
		Technician: model.User{FirstName: "Ravi"},
		Client:     model.User{FirstName: "Asha"},
		QRPNG:      qr,
	}
	pdf, err := NewPDFRenderer("").Render(context.Background(), inv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		t.Fatalf("not a PDF")
	}
}

func TestInvoiceNumbersUnique(t *testing.T) {
	a, b := NewInvoiceNumber(), NewInvoiceNumber()
	if a == b || len(a) != len("INV-")+26 {
		t.Fatalf("invoice numbers %q %q", a, b)
	}
}
