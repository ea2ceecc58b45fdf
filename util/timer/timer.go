// Package timer keeps the named, cancellable timers of one node loop.
// Expiries are delivered on a channel so the loop handles them like any
// other event. A stopped or restarted timer never delivers its old expiry.
package timer

import (
	"time"
)

type ID int

type Expiry struct {
	ID  ID
	gen uint64
}

type entry struct {
	t      *time.Timer
	gen    uint64
	active bool
}

// Timers must only be used from the goroutine that reads C().
type Timers struct {
	expired chan Expiry
	done    chan struct{}
	timers  map[ID]*entry
	gen     uint64
}

func New() *Timers {
	return &Timers{
		expired: make(chan Expiry, 8),
		done:    make(chan struct{}),
		timers:  make(map[ID]*entry),
	}
}

func (ts *Timers) C() <-chan Expiry {
	return ts.expired
}

// Start arms id to expire after duration, replacing any running instance.
func (ts *Timers) Start(id ID, duration time.Duration) {
	ts.Stop(id)
	ts.gen++
	exp := Expiry{ID: id, gen: ts.gen}
	e := &entry{gen: ts.gen, active: true}
	e.t = time.AfterFunc(duration, func() {
		select {
		case ts.expired <- exp:
		case <-ts.done:
		}
	})
	ts.timers[id] = e
}

func (ts *Timers) Stop(id ID) {
	if e, ok := ts.timers[id]; ok {
		e.t.Stop()
		e.active = false
	}
}

// Accept reports whether exp belongs to the current instance of its
// timer, and marks that timer as no longer running.
func (ts *Timers) Accept(exp Expiry) bool {
	e, ok := ts.timers[exp.ID]
	if !ok || !e.active || e.gen != exp.gen {
		return false
	}
	e.active = false
	return true
}

// Close stops every timer. Pending expiries are dropped.
func (ts *Timers) Close() {
	for id := range ts.timers {
		ts.Stop(id)
	}
	select {
	case <-ts.done:
	default:
		close(ts.done)
	}
}
