package realtime

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle admits at most one event per key per interval. Location broadcasts
// use it per technician; the stored position is written regardless.
//
// A key idle for a whole interval has a full bucket again, so it is dropped
// and recreated on its next event.
type Throttle struct {
	mu        sync.Mutex
	every     time.Duration
	limiters  map[string]*throttleEntry
	lastSweep time.Time
	now       func() time.Time
}

type throttleEntry struct {
	l    *rate.Limiter
	seen time.Time
}

func NewThrottle(every time.Duration) *Throttle {
	return &Throttle{every: every, limiters: map[string]*throttleEntry{}, now: time.Now}
}

func (t *Throttle) Allow(key string) bool {
	if t == nil || t.every <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Sub(t.lastSweep) >= t.every {
		t.sweepLocked(now)
		t.lastSweep = now
	}
	e := t.limiters[key]
	if e == nil {
		e = &throttleEntry{l: rate.NewLimiter(rate.Every(t.every), 1)}
		t.limiters[key] = e
	}
	e.seen = now
	return e.l.AllowN(now, 1)
}

// Len reports how many keys are tracked.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

func (t *Throttle) sweepLocked(now time.Time) {
	for k, e := range t.limiters {
		if now.Sub(e.seen) >= t.every {
			delete(t.limiters, k)
		}
	}
}
