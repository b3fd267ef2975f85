package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"

	"fieldserve/internal/realtime"
)

type captureSink struct {
	mu    sync.Mutex
	got   []Notification
	block chan struct{}
	err   error
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Notify(ctx context.Context, n Notification) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.got = append(c.got, n)
	c.mu.Unlock()
	return c.err
}
func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestDispatcherDeliversToAllSinks(t *testing.T) {
	a, b := &captureSink{}, &captureSink{err: errors.New("push down")}
	d := NewDispatcher(8, 1, a, b)
	d.Send(Notification{RecipientID: "c1", Title: "Technician on the way"})
	d.Close()
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("deliveries a=%d b=%d", a.count(), b.count())
	}
	// sends after close are ignored
	d.Send(Notification{RecipientID: "c1"})
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	s := &captureSink{block: make(chan struct{})}
	d := NewDispatcher(1, 1, s)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			d.Send(Notification{RecipientID: "t1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
	close(s.block)
	d.Close()
	if n := s.count(); n < 1 || n > 2 {
		t.Fatalf("expected queue-bounded delivery, got %d", n)
	}
}

func TestBrokerSinkPublishesOnUserChannel(t *testing.T) {
	b := realtime.NewBroker()
	ch := b.Subscribe(realtime.UserChannel("c1"))
	defer b.Unsubscribe(realtime.UserChannel("c1"), ch)
	if err := (BrokerSink{Broker: b}).Notify(context.Background(), Notification{RecipientID: "c1", Title: "Work completed"}); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.Type != "notification" || evt.Data["title"] != "Work completed" {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("no event")
	}
}

type fakeMessenger struct{ sent []*messaging.Message }

func (f *fakeMessenger) Send(ctx context.Context, m *messaging.Message) (string, error) {
	f.sent = append(f.sent, m)
	return "projects/x/messages/1", nil
}

func TestFCMSinkSkipsUsersWithoutToken(t *testing.T) {
	fm := &fakeMessenger{}
	tokens := map[string]string{"t1": "tok-1"}
	s := &FCMSink{client: fm, tokens: func(ctx context.Context, id string) (string, error) { return tokens[id], nil }}
	_ = s.Notify(context.Background(), Notification{RecipientID: "c9", Title: "x"})
	_ = s.Notify(context.Background(), Notification{RecipientID: "t1", Title: "New job", Severity: "warning", DeepLink: "/works/w1"})
	if len(fm.sent) != 1 {
		t.Fatalf("sent %d messages", len(fm.sent))
	}
	m := fm.sent[0]
	if m.Token != "tok-1" || m.Android.Priority != "high" || m.Data["link"] != "/works/w1" || m.Webpush == nil {
		t.Fatalf("message = %+v", m)
	}
}
