package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fieldserve/internal/auth"
	"fieldserve/internal/billing"
	"fieldserve/internal/dispatch"
	"fieldserve/internal/integrations"
	"fieldserve/internal/model"
	"fieldserve/internal/notify"
	"fieldserve/internal/realtime"
	"fieldserve/internal/store"
	"fieldserve/internal/webhooks"
)

type stubGeocoder struct{}

func (stubGeocoder) Reverse(ctx context.Context, p model.GeoPoint) (string, error) {
	return "MG Road, Bengaluru", nil
}

type testEnv struct {
	s   *Server
	st  *store.Memory
	mux *http.ServeMux
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	broker := realtime.NewBroker()
	notes := notify.NewDispatcher(16, 1, notify.BrokerSink{Broker: broker})
	t.Cleanup(notes.Close)
	svc := dispatch.New(dispatch.Deps{
		Store:       st,
		Geocoder:    stubGeocoder{},
		Storage:     &integrations.LocalStorage{Dir: t.TempDir(), BaseURL: "/uploads"},
		Mailer:      integrations.LogMailer{},
		Invoices:    billing.NewPDFRenderer("Acme Services"),
		Notifier:    notes,
		Broker:      broker,
		Events:      webhooks.NewPublisher(st),
		UPIVPA:      "acme@upi",
		CompanyName: "Acme Services",
	})
	svc.Go = func(fn func()) { fn() }
	s := NewServer(svc, auth.NewVerifier(auth.Options{Mode: "dev"}), true)
	mux := http.NewServeMux()
	s.Register(mux)
	env := &testEnv{s: s, st: st, mux: mux}
	env.seed(t)
	return env
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	users := []model.User{
		{ID: "c1", Role: model.RoleClient, FirstName: "Asha", Email: "asha@example.com"},
		{ID: "t1", Role: model.RoleTechnician, FirstName: "Ravi", Specialization: []string{"ac"}, Coordinates: &model.GeoPoint{Lat: 12.98, Lng: 77.60}, Location: "bengaluru", Availability: true},
		{ID: "a1", Role: model.RoleAdmin},
	}
	for _, u := range users {
		if _, err := e.st.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("seed %s: %v", u.ID, err)
		}
	}
}

// do sends a request as "user:role" (empty for anonymous).
func (e *testEnv) do(method, path, as string, body any) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+as)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

const (
	client = "c1:client"
	tech   = "t1:technician"
	admin  = "a1:admin"
)

func (e *testEnv) createWork(t *testing.T) string {
	t.Helper()
	rr := e.do(http.MethodPost, "/v1/works", client, map[string]any{
		"serviceType":    "AC Repair",
		"specialization": "AC, cooling",
		"coordinates":    map[string]any{"lat": "12.97", "lng": 77.59},
		"date":           "14/03/2026",
		"serviceCharge":  "300",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	res := decode[struct {
		Work       model.WorkRequest `json:"work"`
		Candidates []map[string]any  `json:"matchingTechnicians"`
	}](t, rr)
	if res.Work.Status != "open" || res.Work.ServiceCharge != 300 || res.Work.FormattedDate != "14-03-2026" {
		t.Fatalf("unexpected work %+v", res.Work)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("candidates: %+v", res.Candidates)
	}
	return res.Work.ID
}

func TestHealthReady(t *testing.T) {
	e := newTestServer(t)
	if rr := e.do(http.MethodGet, "/healthz", "", nil); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := e.do(http.MethodGet, "/readyz", "", nil); rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodGet, "/v1/works", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("missing WWW-Authenticate")
	}

	// header fallback
	req := httptest.NewRequest(http.MethodGet, "/v1/works", nil)
	req.Header.Set("X-User-Id", "c1")
	req.Header.Set("X-Role", "client")
	rr = httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("header auth: %d", rr.Code)
	}
}

func TestWorkLifecycleCash(t *testing.T) {
	e := newTestServer(t)
	id := e.createWork(t)

	rr := e.do(http.MethodPost, "/v1/works/"+id+"/approve", tech, nil)
	if rr.Code != 200 {
		t.Fatalf("approve: %d %s", rr.Code, rr.Body.String())
	}

	// start with a before photo
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("beforePhoto", "before.jpg")
	_, _ = fw.Write([]byte("jpeg"))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/works/"+id+"/start", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tech)
	rr = httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("start: %d %s", rr.Code, rr.Body.String())
	}
	started := decode[model.WorkRequest](t, rr)
	if started.Status != "inprogress" || !strings.HasPrefix(started.BeforePhoto, "/uploads/") {
		t.Fatalf("unexpected started work %+v", started)
	}

	rr = e.do(http.MethodPost, "/v1/works/"+id+"/complete", tech, map[string]any{
		"items":         []map[string]any{{"name": "Gas refill", "price": "1200", "qty": 1}},
		"paymentMethod": "cash",
	})
	if rr.Code != 200 {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}
	done := decode[struct {
		Work model.WorkRequest `json:"work"`
		Bill model.Bill        `json:"bill"`
	}](t, rr)
	if done.Bill.TotalAmount != 1500 || done.Work.Status != "completed" || done.Bill.UPIURI != "" {
		t.Fatalf("unexpected completion %+v", done)
	}

	rr = e.do(http.MethodPost, "/v1/works/"+id+"/payment", client, map[string]any{"paymentMethod": "cash", "paymentStatus": "paid"})
	if rr.Code != 200 {
		t.Fatalf("pay: %d %s", rr.Code, rr.Body.String())
	}
	if w := decode[model.WorkRequest](t, rr); w.Status != "confirm" {
		t.Fatalf("status %s", w.Status)
	}

	rr = e.do(http.MethodGet, "/v1/bills/"+done.Bill.ID, client, nil)
	if rr.Code != 200 {
		t.Fatalf("bill: %d", rr.Code)
	}
	if b := decode[model.Bill](t, rr); b.PaymentStatus != "paid" {
		t.Fatalf("bill status %q", b.PaymentStatus)
	}

	rr = e.do(http.MethodGet, "/v1/technician/summary", tech, nil)
	if rr.Code != 200 {
		t.Fatalf("summary: %d", rr.Code)
	}
	if sum := decode[dispatch.Summary](t, rr); sum.TotalEarnings != 1500 || len(sum.Completed) != 1 {
		t.Fatalf("summary %+v", sum)
	}
}

func TestApproveTwiceReportsCurrentStatus(t *testing.T) {
	e := newTestServer(t)
	id := e.createWork(t)
	if rr := e.do(http.MethodPost, "/v1/works/"+id+"/approve", tech, nil); rr.Code != 200 {
		t.Fatalf("approve: %d", rr.Code)
	}
	rr := e.do(http.MethodPost, "/v1/works/"+id+"/approve", tech, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("second approve: %d %s", rr.Code, rr.Body.String())
	}
	p := decode[Problem](t, rr)
	if p.CurrentStatus != "approved" || p.Title != "Invalid State" {
		t.Fatalf("problem %+v", p)
	}

	// client cannot approve
	rr = e.do(http.MethodPost, "/v1/works/"+id+"/approve", client, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("client approve: %d", rr.Code)
	}
}

func TestUnknownActionAndMethod(t *testing.T) {
	e := newTestServer(t)
	id := e.createWork(t)
	if rr := e.do(http.MethodPost, "/v1/works/"+id+"/explode", tech, nil); rr.Code != 404 {
		t.Fatalf("unknown action: %d", rr.Code)
	}
	if rr := e.do(http.MethodGet, "/v1/works/"+id+"/approve", tech, nil); rr.Code != 405 {
		t.Fatalf("wrong method: %d", rr.Code)
	}
	if rr := e.do(http.MethodGet, "/v1/works/missing", client, nil); rr.Code != 404 {
		t.Fatalf("missing work: %d", rr.Code)
	}
}

func TestCreateWorkRejectsBadCoordinates(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodPost, "/v1/works", client, map[string]any{
		"serviceType": "AC Repair", "specialization": []string{"ac"},
		"coordinates": map[string]any{"lat": "north", "lng": 77.59},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestCompleteMultipartUPIAndPayRedirect(t *testing.T) {
	e := newTestServer(t)
	id := e.createWork(t)
	if rr := e.do(http.MethodPost, "/v1/works/"+id+"/approve", tech, nil); rr.Code != 200 {
		t.Fatalf("approve: %d", rr.Code)
	}
	if rr := e.do(http.MethodPost, "/v1/works/"+id+"/start", tech, nil); rr.Code != 200 {
		t.Fatalf("start: %d %s", rr.Code, rr.Body.String())
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("items", `[{"name":"Filter","price":250,"qty":2}]`)
	_ = mw.WriteField("paymentMethod", "upi")
	_ = mw.WriteField("serviceCharge", "100")
	fw, _ := mw.CreateFormFile("afterPhoto", "after.png")
	_, _ = fw.Write([]byte("png"))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/works/"+id+"/complete", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tech)
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}
	done := decode[struct {
		Work model.WorkRequest `json:"work"`
		Bill model.Bill        `json:"bill"`
	}](t, rr)
	if done.Bill.TotalAmount != 600 || done.Work.AfterPhoto == "" || !strings.HasPrefix(done.Bill.UPIURI, "upi://pay?") {
		t.Fatalf("unexpected completion %+v", done)
	}

	rr = e.do(http.MethodGet, "/pay/"+done.Bill.ID, "", nil)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != done.Bill.UPIURI {
		t.Fatalf("redirect: %d %q", rr.Code, rr.Header().Get("Location"))
	}

	rr = e.do(http.MethodGet, "/v1/bills/"+done.Bill.ID+"/qr", client, nil)
	if rr.Code != 200 || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr: %d", rr.Code)
	}

	rr = e.do(http.MethodPost, "/v1/works/"+id+"/payment/confirm", tech, map[string]any{"paymentMethod": "upi"})
	if rr.Code != 200 {
		t.Fatalf("confirm: %d %s", rr.Code, rr.Body.String())
	}
	w := decode[model.WorkRequest](t, rr)
	if w.Status != "confirm" || w.Payment == nil || w.Payment.Status != "confirmed" {
		t.Fatalf("confirm: %+v", w)
	}
}

func TestTechnicianLocationWithoutActiveWork(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodPost, "/v1/technician/location", tech, map[string]any{"lat": 12.9, "lng": 77.5})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMatchAndJobs(t *testing.T) {
	e := newTestServer(t)
	e.createWork(t)
	rr := e.do(http.MethodPost, "/v1/technicians/match", client, map[string]any{
		"specialization": []string{"AC"}, "coordinates": map[string]any{"lat": 12.97, "lng": 77.59}, "radiusKm": 5,
	})
	if rr.Code != 200 {
		t.Fatalf("match: %d %s", rr.Code, rr.Body.String())
	}
	if res := decode[struct{ Count int `json:"count"` }](t, rr); res.Count != 1 {
		t.Fatalf("count %d", res.Count)
	}

	rr = e.do(http.MethodGet, "/v1/technician/jobs", tech, nil)
	if rr.Code != 200 {
		t.Fatalf("jobs: %d", rr.Code)
	}
	if res := decode[struct{ Items []model.WorkRequest `json:"items"` }](t, rr); len(res.Items) != 1 {
		t.Fatalf("jobs %+v", res.Items)
	}

	rr = e.do(http.MethodGet, "/v1/technician/jobs", client, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("client jobs: %d", rr.Code)
	}
}

func TestRoutesWithoutRouter(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodPost, "/v1/routes", client, map[string]any{
		"origin": map[string]any{"lat": 12.97, "lng": 77.59}, "destination": map[string]any{"lat": 12.98, "lng": 77.60},
	})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSavedLocation(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodPut, "/v1/me/location", client, map[string]any{"coordinates": map[string]any{"lat": 12.97, "lng": 77.59}, "location": "Indiranagar"})
	if rr.Code != 200 {
		t.Fatalf("put: %d %s", rr.Code, rr.Body.String())
	}
	rr = e.do(http.MethodGet, "/v1/me/location", client, nil)
	if rr.Code != 200 {
		t.Fatalf("get: %d", rr.Code)
	}
	if res := decode[struct{ Location string `json:"location"` }](t, rr); res.Location != "Indiranagar" {
		t.Fatalf("location %q", res.Location)
	}
}

func TestAdminEndpoints(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodPost, "/v1/admin/users", admin, map[string]any{"id": "t2", "role": "technician", "specialization": "plumbing", "coordinates": map[string]any{"lat": "12.9", "lng": "77.5"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rr.Code, rr.Body.String())
	}
	if u := decode[model.User](t, rr); !u.Availability || len(u.Specialization) != 1 {
		t.Fatalf("user %+v", u)
	}

	if rr := e.do(http.MethodPost, "/v1/admin/users", client, map[string]any{"id": "x", "role": "client"}); rr.Code != http.StatusForbidden {
		t.Fatalf("client create user: %d", rr.Code)
	}
	if rr := e.do(http.MethodGet, "/v1/admin/notifications", tech, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("tech notifications: %d", rr.Code)
	}

	id := e.createWork(t)
	e.do(http.MethodPost, "/v1/works/"+id+"/approve", tech, nil)
	e.do(http.MethodPost, "/v1/works/"+id+"/start", tech, nil)
	rr = e.do(http.MethodPost, "/v1/works/"+id+"/issues", tech, map[string]any{"issueType": "need_parts"})
	if rr.Code != 200 {
		t.Fatalf("issue: %d %s", rr.Code, rr.Body.String())
	}
	rr = e.do(http.MethodGet, "/v1/admin/notifications", admin, nil)
	if res := decode[struct{ Items []model.AdminNotification `json:"items"` }](t, rr); len(res.Items) != 1 || res.Items[0].WorkID != id {
		t.Fatalf("notifications %+v", res.Items)
	}
}

func TestSubscriptionEnqueuesDelivery(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodPost, "/v1/subscriptions", admin, map[string]any{"url": "https://example.invalid/hook", "events": []string{"work.created"}, "secret": "shh"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create sub: %d %s", rr.Code, rr.Body.String())
	}
	sub := decode[model.Subscription](t, rr)

	if rr := e.do(http.MethodPost, "/v1/subscriptions", client, map[string]any{"url": "https://x", "events": []string{"*"}}); rr.Code != http.StatusForbidden {
		t.Fatalf("client sub: %d", rr.Code)
	}
	if rr := e.do(http.MethodPost, "/v1/subscriptions", admin, map[string]any{"url": "ftp://x", "events": []string{"*"}}); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad url: %d", rr.Code)
	}

	e.createWork(t)
	rr = e.do(http.MethodGet, "/v1/admin/webhook-deliveries?limit=5", admin, nil)
	if rr.Code != 200 {
		t.Fatalf("deliveries: %d", rr.Code)
	}
	res := decode[struct{ Items []map[string]any `json:"items"` }](t, rr)
	if len(res.Items) != 1 || res.Items[0]["eventType"] != "work.created" {
		t.Fatalf("deliveries %+v", res.Items)
	}

	if rr := e.do(http.MethodDelete, "/v1/subscriptions/"+sub.ID, admin, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := e.do(http.MethodDelete, "/v1/subscriptions/"+sub.ID, admin, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("delete again: %d", rr.Code)
	}
}

// sseRecorder is a ResponseRecorder safe to read while the handler writes.
type sseRecorder struct {
	mu sync.Mutex
	*httptest.ResponseRecorder
}

func (r *sseRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(b)
}

func (r *sseRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResponseRecorder.Flush()
}

func (r *sseRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Body.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkEventsStream(t *testing.T) {
	e := newTestServer(t)
	id := e.createWork(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/works/"+id+"/events/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+client)
	rec := &sseRecorder{ResponseRecorder: httptest.NewRecorder()}
	finished := make(chan struct{})
	go func() {
		e.mux.ServeHTTP(rec, req)
		close(finished)
	}()

	waitFor(t, "heartbeat", func() bool { return strings.Contains(rec.body(), "event: heartbeat") })
	if rr := e.do(http.MethodPost, "/v1/works/"+id+"/approve", tech, nil); rr.Code != 200 {
		t.Fatalf("approve: %d", rr.Code)
	}
	waitFor(t, "approved event", func() bool { return strings.Contains(rec.body(), "event: work.approved") })

	cancel()
	<-finished
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
}

func TestMyEventsStreamDeliversNotifications(t *testing.T) {
	e := newTestServer(t)
	id := e.createWork(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/me/events/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+client)
	rec := &sseRecorder{ResponseRecorder: httptest.NewRecorder()}
	finished := make(chan struct{})
	go func() {
		e.mux.ServeHTTP(rec, req)
		close(finished)
	}()

	waitFor(t, "heartbeat", func() bool { return strings.Contains(rec.body(), "event: heartbeat") })
	e.do(http.MethodPost, "/v1/works/"+id+"/approve", tech, nil)
	waitFor(t, "notification", func() bool { return strings.Contains(rec.body(), "event: notification") })
	cancel()
	<-finished
}

func TestWorkWebsocketLocation(t *testing.T) {
	e := newTestServer(t)
	id := e.createWork(t)
	if rr := e.do(http.MethodPost, "/v1/works/"+id+"/approve", tech, nil); rr.Code != 200 {
		t.Fatalf("approve: %d", rr.Code)
	}

	srv := httptest.NewServer(e.mux)
	defer srv.Close()
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tech)
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/works/"+id+"/ws", hdr)
	if err != nil {
		t.Fatalf("dial: %v (%v)", err, resp)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "location", "payload": map[string]any{"lat": 12.975, "lng": 77.595}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawDispatch, sawAck bool
	for !sawAck || !sawDispatch {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch msg.Type {
		case "event":
			if msg.Event == "work.dispatched" {
				sawDispatch = true
			}
		case "ack":
			sawAck = true
			var res dispatch.LocationResult
			_ = json.Unmarshal(msg.Payload, &res)
			if res.WorkStatus != "dispatch" {
				t.Fatalf("ack %+v", res)
			}
		case "error":
			t.Fatalf("error frame: %s", msg.Payload)
		}
	}
	w, _ := e.st.GetWork(context.Background(), id)
	if w.Status != "dispatch" {
		t.Fatalf("status %s", w.Status)
	}
}
