package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldserve/internal/model"
	"fieldserve/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []MarkRec
	fails []FailRec
}
type MarkRec struct {
	ID            string
	Success       bool
	Code, Latency int
	LastErr       string
}
type FailRec struct {
	ID            string
	Code, Latency int
	LastErr       string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, MarkRec{ID: id, Success: success, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}
func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, FailRec{ID: id, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "", "work.completed", srv.URL, "secret", []byte(`{"id":"evt1"}`))
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotType != "work.completed" || !Verify("secret", body, gotSig, time.Now()) {
		t.Fatalf("bad signature/type headers: sig=%q type=%q", gotSig, gotType)
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
}

func TestWorkerProcessOnce_RetryThenFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 2}
	id, _ := rs.Memory.EnqueueWebhook(context.Background(), "", "work.started", srv.URL, "", []byte(`{}`))

	w.processOnce()
	if len(rs.marks) != 1 || rs.marks[0].Success || rs.marks[0].Code != 500 {
		t.Fatalf("expected one retry mark, got %+v", rs.marks)
	}
	// make it due again without waiting for the backoff
	_ = rs.Memory.RetryWebhookDelivery(context.Background(), id)
	w.processOnce()
	if len(rs.fails) != 1 || rs.fails[0].ID != id {
		t.Fatalf("expected dead-letter after max attempts, got %+v", rs.fails)
	}
}

func TestPublisherEnqueuesPerSubscription(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_, _ = m.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://a.invalid", Events: []string{"work.approved"}})
	_, _ = m.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://b.invalid", Events: []string{"*"}})
	_, _ = m.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://c.invalid", Events: []string{"work.started"}})

	NewPublisher(m).Emit(ctx, "work.approved", map[string]any{"workId": "w1"})

	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 2 {
		t.Fatalf("want 2 deliveries, got %d", len(due))
	}
	var env map[string]any
	if err := json.Unmarshal(due[0].Payload, &env); err != nil {
		t.Fatal(err)
	}
	if env["type"] != "work.approved" || env["id"] == "" {
		t.Fatalf("envelope = %v", env)
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if nextBackoff(0) != time.Second || nextBackoff(3) != 8*time.Second {
		t.Fatal("backoff doubling")
	}
	if nextBackoff(50) > time.Hour {
		t.Fatal("backoff not capped")
	}
}

func TestSignatureRejectsTamperingAndReplay(t *testing.T) {
	now := time.Unix(1_773_000_000, 0)
	body := []byte(`{"type":"work.created"}`)
	h := Sign("secret", body, now)
	if !strings.HasPrefix(h, "t=1773000000,v1=") {
		t.Fatalf("unexpected header %q", h)
	}
	if !Verify("secret", body, h, now.Add(time.Minute)) {
		t.Fatalf("fresh signature rejected")
	}
	if Verify("other", body, h, now) {
		t.Fatalf("wrong secret accepted")
	}
	if Verify("secret", []byte(`{"type":"work.deleted"}`), h, now) {
		t.Fatalf("tampered body accepted")
	}
	if Verify("secret", body, h, now.Add(MaxSignatureAge+time.Second)) {
		t.Fatalf("stale signature accepted")
	}
	if Verify("secret", body, "v1=abcd", now) {
		t.Fatalf("header without timestamp accepted")
	}
}
