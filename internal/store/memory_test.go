package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestMemoryWebhookLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.EnqueueWebhook(ctx, "sub1", "work.approved", "http://example.invalid/hook", "s", []byte(`{"id":"evt_1"}`))
	if err != nil {
		t.Fatal(err)
	}
	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("due = %+v", due)
	}
	later := time.Now().Add(time.Hour)
	if err := m.MarkWebhookDelivery(ctx, id, false, &later, "500", 500, 3); err != nil {
		t.Fatal(err)
	}
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
		t.Fatalf("retry scheduled in the future was returned: %+v", due)
	}
	if err := m.RetryWebhookDelivery(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := m.FailWebhookDelivery(ctx, id, "gave up", 500, 3); err != nil {
		t.Fatal(err)
	}
	failed, _ := m.ListWebhookDeliveries(ctx, "failed", 10)
	if len(failed) != 1 || failed[0]["attempts"].(int) != 2 {
		t.Fatalf("failed = %+v", failed)
	}
}
