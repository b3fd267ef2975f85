// Package realtime fans live events out to SSE and websocket subscribers.
package realtime

import (
	"sync"
)

// Event is one message on a channel. Channels are named by WorkChannel and
// UserChannel.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// EventBroker is implemented by the in-process Broker and by RedisBroker.
type EventBroker interface {
	Subscribe(channel string) chan Event
	Unsubscribe(channel string, ch chan Event)
	Publish(channel string, evt Event)
}

func WorkChannel(workID string) string { return "work:" + workID }
func UserChannel(userID string) string { return "user:" + userID }

// Broker is the single-instance broker. Slow subscribers miss events rather
// than block publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(channel string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = map[chan Event]struct{}{}
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(channel string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[channel]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, channel)
	}
	close(ch)
}

func (b *Broker) Publish(channel string, evt Event) {
	b.mu.Lock()
	for ch := range b.subs[channel] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribers reports the number of live subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}
