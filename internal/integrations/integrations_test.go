package integrations

import (
	"context"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"fieldserve/internal/model"
)

func TestNominatimReverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse" || r.URL.Query().Get("lat") != "12.97" || r.URL.Query().Get("lon") != "77.59" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("User-Agent") != "fieldserve-test" {
			t.Errorf("missing user agent")
		}
		_, _ = w.Write([]byte(`{"display_name":"MG Road, Bengaluru"}`))
	}))
	defer srv.Close()
	n := NewNominatim(srv.URL, "fieldserve-test", 100)
	got, err := n.Reverse(context.Background(), model.GeoPoint{Lat: 12.97, Lng: 77.59})
	if err != nil || got != "MG Road, Bengaluru" {
		t.Fatalf("Reverse = %q, %v", got, err)
	}
}

func TestNominatimDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	n := NewNominatim(srv.URL, "x", 100)
	if _, err := n.Reverse(context.Background(), model.GeoPoint{}); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx retried %d times", calls)
	}
}

func TestGoogleDirectionsRoutes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alternatives") != "true" || r.URL.Query().Get("key") != "k" {
			t.Errorf("bad query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"status":"OK","routes":[
			{"summary":"NH44","legs":[{"distance":{"text":"12 km","value":12000},"duration":{"text":"25 mins","value":1500}}],"overview_polyline":{"points":"abc"}},
			{"summary":"ORR","legs":[{"distance":{"text":"15 km","value":15000},"duration":{"text":"31 mins","value":1860}}],"overview_polyline":{"points":"def"}}]}`))
	}))
	defer srv.Close()
	g := NewGoogleDirections("k", srv.URL)
	routes, err := g.Routes(context.Background(), model.GeoPoint{Lat: 1, Lng: 2}, model.GeoPoint{Lat: 3, Lng: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 || routes[1].Index != 1 || routes[0].DurationSeconds != 1500 || routes[0].DistanceText != "12 km" || routes[1].Polyline != "def" {
		t.Fatalf("routes = %+v", routes)
	}
}

func TestGoogleDirectionsRequiresKey(t *testing.T) {
	if _, err := NewGoogleDirections("", "http://unused").Routes(context.Background(), model.GeoPoint{}, model.GeoPoint{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}

func TestNavigationURL(t *testing.T) {
	got := NavigationURL(model.GeoPoint{Lat: 12.5, Lng: 77}, model.GeoPoint{Lat: 13, Lng: 77.25})
	if !strings.HasPrefix(got, "https://www.google.com/maps/dir/?") || !strings.Contains(got, "origin=12.5%2C77") || !strings.Contains(got, "travelmode=driving") {
		t.Fatalf("NavigationURL = %s", got)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	n := 0
	err := Retry(context.Background(), 5, func() error {
		n++
		return backoff.Permanent(errors.New("bad request"))
	})
	if err == nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	n = 0
	err = Retry(context.Background(), 3, func() error {
		n++
		if n < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("transient retry n=%d err=%v", n, err)
	}
}

func TestLocalStorage(t *testing.T) {
	dir := t.TempDir()
	ls := &LocalStorage{Dir: dir, BaseURL: "/uploads"}
	key := PhotoKey("w1", "before", "IMG_1.PNG")
	url, err := ls.Put(context.Background(), key, "image/png", strings.NewReader("png"), 3)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "/uploads/works/w1/before-") || !strings.HasSuffix(url, ".png") {
		t.Fatalf("url = %s", url)
	}
	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(url, "/uploads")))
	if err != nil || string(data) != "png" {
		t.Fatalf("stored %q %v", data, err)
	}
	if err := ls.Delete(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, strings.TrimPrefix(url, "/uploads"))); !os.IsNotExist(err) {
		t.Fatalf("deleted file still present: %v", err)
	}
	if err := ls.Delete(context.Background(), key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	// keys cannot escape the upload dir
	if _, err := ls.Put(context.Background(), "../../etc/x", "text/plain", strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "etc", "x")); err != nil {
		t.Fatalf("escaped key not contained: %v", err)
	}
}

func TestBuildMessageAttachments(t *testing.T) {
	raw, err := buildMessage("billing@example.com", Mail{
		To: "asha@example.com", Subject: "Invoice INV-1", HTML: `<img src="cid:upi-qr">`,
		Attachments: []Attachment{
			{Filename: "invoice.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.3")},
			{Filename: "qr.png", ContentType: "image/png", Data: []byte{0x89, 'P'}, Inline: true, ContentID: "upi-qr"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatal(err)
	}
	mt, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/related" {
		t.Fatalf("content type %s %v", mt, err)
	}
	r := multipart.NewReader(msg.Body, params["boundary"])
	var parts []string
	for {
		p, err := r.NextPart()
		if err != nil {
			break
		}
		parts = append(parts, p.Header.Get("Content-Type")+"|"+p.Header.Get("Content-ID"))
	}
	want := []string{"text/html; charset=utf-8|", "application/pdf|", "image/png|<upi-qr>"}
	if strings.Join(parts, ",") != strings.Join(want, ",") {
		t.Fatalf("parts = %v", parts)
	}
}
