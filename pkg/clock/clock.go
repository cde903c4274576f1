// Package clock abstracts wall-clock time so the protocol state machine in
// pkg/tcponudp and pkg/pqistreamer never reads time.Now() for protocol
// timing (TcpStream only seeds its sequence-number generator from it). Tests
// drive a Virtual clock to exercise RTT estimation, retransmission backoff
// and EWMA rate convergence without sleeping.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the narrow time source the networking core depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer behaves like time.NewTimer but is driven by this clock.
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of time.Timer the core needs.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// Real is the production Clock backed by the operating system clock.
var Real Clock = realClock{}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	t := time.NewTimer(d)
	return &realTimer{t: t}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time     { return r.t.C }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }

// Virtual is a manually advanced Clock for deterministic tests. It never
// fires timers spontaneously; call Advance to move time and signal timers.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*virtualTimer
}

// NewVirtual returns a Virtual clock starting at the given time.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves the clock forward by d, firing any timers whose deadline
// has been reached, in deadline order.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	now := v.now
	due := make([]*virtualTimer, 0, len(v.timers))
	live := v.timers[:0]
	for _, t := range v.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			live = append(live, t)
		}
	}
	v.timers = live
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	v.mu.Unlock()

	for _, t := range due {
		select {
		case t.ch <- now:
		default:
		}
	}
}

func (v *Virtual) NewTimer(d time.Duration) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := &virtualTimer{v: v, ch: make(chan time.Time, 1), deadline: v.now.Add(d)}
	v.timers = append(v.timers, t)
	return t
}

type virtualTimer struct {
	v        *Virtual
	ch       chan time.Time
	deadline time.Time
}

func (t *virtualTimer) C() <-chan time.Time { return t.ch }

func (t *virtualTimer) Reset(d time.Duration) bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	existed := false
	for _, o := range t.v.timers {
		if o == t {
			existed = true
			break
		}
	}
	t.deadline = t.v.now.Add(d)
	if !existed {
		t.v.timers = append(t.v.timers, t)
	}
	return existed
}

func (t *virtualTimer) Stop() bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	for i, o := range t.v.timers {
		if o == t {
			t.v.timers = append(t.v.timers[:i], t.v.timers[i+1:]...)
			return true
		}
	}
	return false
}
