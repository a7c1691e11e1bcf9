// Package reactor is single goroutine timer loop.
// Timers are identified by integer tokens, handlers and posted functions run on loop goroutine only.
package reactor

import (
	"context"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/devhub/log2"
)

var (
	ErrNotExpired = errors.New("timer not expired")
	ErrStopped    = errors.New("reactor stopped")
)

type Handler func(token int)

type Loop struct {
	alive     *alive.Alive
	log       *log2.Log
	timers    map[int]*Timer
	lastToken int
	postCh    chan func()
	afterPoll []func()
	polls     uint64
}

func NewLoop(log *log2.Log) *Loop {
	return &Loop{
		alive:  alive.NewAlive(),
		log:    log,
		timers: make(map[int]*Timer),
		postCh: make(chan func(), 16),
	}
}

// Timer is periodic readiness source. Zero period means disarmed.
// Like timerfd: expiration stays pending until Consume.
type Timer struct {
	token    int
	period   time.Duration
	next     time.Time
	expired  bool
	overruns uint64
	handler  Handler
}

// NewTimer must be called before Run or from loop goroutine.
func (self *Loop) NewTimer(h Handler) *Timer {
	self.lastToken++
	t := &Timer{token: self.lastToken, handler: h}
	self.timers[t.token] = t
	return t
}

// Remove disarms and forgets timer. Loop goroutine only.
func (self *Loop) Remove(t *Timer) {
	t.period = 0
	delete(self.timers, t.token)
}

// AfterPoll registers f to run once per loop iteration, after all timer handlers.
func (self *Loop) AfterPoll(f func()) { self.afterPoll = append(self.afterPoll, f) }

// Post schedules f on loop goroutine. Safe for concurrent use.
func (self *Loop) Post(f func()) error {
	if !self.alive.IsRunning() {
		return ErrStopped
	}
	select {
	case self.postCh <- f:
		return nil
	case <-self.alive.StopChan():
		return ErrStopped
	}
}

func (self *Loop) Polls() uint64 { return self.polls }

func (self *Loop) Stop()                     { self.alive.Stop() }
func (self *Loop) StopChan() <-chan struct{} { return self.alive.StopChan() }
func (self *Loop) Wait()                     { self.alive.Wait() }

// Run blocks until ctx is done or Stop.
func (self *Loop) Run(ctx context.Context) error {
	if !self.alive.Add(1) {
		return ErrStopped
	}
	defer self.alive.Done()
	defer self.alive.Stop()

	wake := time.NewTimer(time.Hour)
	defer wake.Stop()
	for {
		if !wake.Stop() {
			select {
			case <-wake.C:
			default:
			}
		}
		if d, ok := self.nextDeadline(); ok {
			wake.Reset(time.Until(d))
		} else {
			wake.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			self.log.Debugf("reactor: stop by context err=%v", ctx.Err())
			return nil
		case <-self.alive.StopChan():
			return nil
		case f := <-self.postCh:
			f()
		case <-wake.C:
			self.fire(time.Now())
		}
		self.polls++
		for _, f := range self.afterPoll {
			f()
		}
	}
}

func (self *Loop) nextDeadline() (time.Time, bool) {
	var d time.Time
	found := false
	for _, t := range self.timers {
		if t.period == 0 {
			continue
		}
		if !found || t.next.Before(d) {
			d, found = t.next, true
		}
	}
	return d, found
}

func (self *Loop) fire(now time.Time) {
	ready := make([]*Timer, 0, len(self.timers))
	for _, t := range self.timers {
		if t.period == 0 || now.Before(t.next) {
			continue
		}
		if t.expired {
			t.overruns++
		}
		t.expired = true
		t.next = t.next.Add(t.period)
		if !t.next.After(now) {
			t.next = now.Add(t.period)
		}
		ready = append(ready, t)
	}
	// stable dispatch order
	sort.Slice(ready, func(i, j int) bool { return ready[i].token < ready[j].token })
	for _, t := range ready {
		if t.handler != nil {
			t.handler(t.token)
		}
	}
}

func (self *Timer) Token() int            { return self.token }
func (self *Timer) Period() time.Duration { return self.period }
func (self *Timer) Overruns() uint64      { return self.overruns }
func (self *Timer) Expired() bool         { return self.expired }

// SetPeriod rearms timer: next expiration is now+d. Zero disarms.
func (self *Timer) SetPeriod(d time.Duration) error {
	if d < 0 {
		return errors.NotValidf("timer=%d period=%s", self.token, d)
	}
	self.period = d
	self.next = time.Now().Add(d)
	return nil
}

func (self *Timer) Consume() error {
	if !self.expired {
		return errors.Annotatef(ErrNotExpired, "timer=%d", self.token)
	}
	self.expired = false
	return nil
}
