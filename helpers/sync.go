package helpers

// Random synchronisation util stash

import (
	"sync"
	"sync/atomic"
	"time"
)

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

type AtomicError struct {
	mu  sync.Mutex
	err error
	set bool
}

func (a *AtomicError) Load() (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err, a.set
}

// StoreOnce stores e only first time, returns same as Load() before modification.
func (a *AtomicError) StoreOnce(e error) (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	berr, bset := a.err, a.set
	if !bset {
		a.err, a.set = e, true
	}
	return berr, bset
}

// Stamp is last event time readable from any goroutine. Zero value means never.
type Stamp struct{ nano atomic.Int64 }

func (s *Stamp) Touch()          { s.nano.Store(time.Now().UnixNano()) }
func (s *Stamp) Set(t time.Time) { s.nano.Store(t.UnixNano()) }
func (s *Stamp) IsZero() bool    { return s.nano.Load() == 0 }
func (s *Stamp) Time() time.Time { return time.Unix(0, s.nano.Load()) }

// Age is time passed since last Touch, measured against now.
func (s *Stamp) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixNano() - s.nano.Load())
}
