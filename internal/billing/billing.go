// Package billing computes bill totals and renders the payment artefacts that
// accompany a completed work request: the UPI payment URI, its QR code and the
// PDF invoice.
package billing

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	qrcode "github.com/skip2/go-qrcode"

	"fieldserve/internal/model"
)

// Currency is the only currency bills are issued in.
const Currency = "INR"

var ErrInvalidMethod = errors.New("payment method must be cash or upi")

// ParseMethod normalises a payment method; empty means cash.
func ParseMethod(s string) (string, error) {
	switch m := strings.ToLower(strings.TrimSpace(s)); m {
	case "":
		return model.PaymentCash, nil
	case model.PaymentCash, model.PaymentUPI:
		return m, nil
	}
	return "", ErrInvalidMethod
}

// Total is the sum of price*qty over items plus the flat service charge,
// rounded to paise.
func Total(items []model.LineItem, serviceCharge float64) float64 {
	sum := serviceCharge
	for _, it := range items {
		sum += it.Price * it.Qty
	}
	return math.Round(sum*100) / 100
}

// ValidateItems rejects negative prices or quantities and unnamed items.
func ValidateItems(items []model.LineItem, serviceCharge float64) error {
	if serviceCharge < 0 || math.IsNaN(serviceCharge) {
		return fmt.Errorf("serviceCharge must be >= 0")
	}
	for i, it := range items {
		if strings.TrimSpace(it.Name) == "" {
			return fmt.Errorf("items[%d]: name required", i)
		}
		if it.Price < 0 || it.Qty < 0 || math.IsNaN(it.Price) || math.IsNaN(it.Qty) {
			return fmt.Errorf("items[%d]: price and qty must be >= 0", i)
		}
	}
	return nil
}

// BuildUPIURI returns a upi://pay deep link. Payee and note are escaped the way
// UPI apps expect (spaces as %20).
func BuildUPIURI(vpa, payee string, amount float64, note string) string {
	if strings.TrimSpace(payee) == "" {
		payee = "Technician"
	}
	return "upi://pay?pa=" + vpa +
		"&pn=" + escape(payee) +
		"&am=" + FormatAmount(amount) +
		"&cu=" + Currency +
		"&tn=" + escape(note)
}

// PaymentNote is the transaction note carried in the UPI link.
func PaymentNote(serviceType string) string {
	if strings.TrimSpace(serviceType) == "" {
		serviceType = "Service"
	}
	return "Payment for " + serviceType
}

func escape(s string) string { return strings.ReplaceAll(url.QueryEscape(s), "+", "%20") }

// FormatAmount renders an amount with two decimals and no grouping.
func FormatAmount(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

// Money renders an amount for humans, e.g. "INR 1,250.50".
func Money(v float64) string { return Currency + " " + humanize.CommafWithDigits(v, 2) }

// RenderQR encodes content as a PNG QR code.
func RenderQR(content string) ([]byte, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}
	return png, nil
}

// NewInvoiceNumber returns a sortable unique invoice number.
func NewInvoiceNumber() string { return "INV-" + ulid.Make().String() }
