package scripting

import (
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

// timerSet records the timers a session schedules on its loop, so teardown
// can clear every one still outstanding. Handles are small integers, which is
// what scripts see.
type timerSet struct {
	mu        sync.Mutex
	loop      *eventloop.EventLoop
	next      int64
	timeouts  map[int64]*eventloop.Timer
	intervals map[int64]*eventloop.Interval
	closed    bool
}

func newTimerSet(loop *eventloop.EventLoop) *timerSet {
	return &timerSet{
		loop:      loop,
		timeouts:  make(map[int64]*eventloop.Timer),
		intervals: make(map[int64]*eventloop.Interval),
	}
}

// setTimeout schedules fn once. A fired timeout drops out of the set before
// fn runs. Returns false after clearAll.
func (t *timerSet) setTimeout(fn func(*goja.Runtime), d time.Duration) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, false
	}
	t.next++
	id := t.next
	t.timeouts[id] = t.loop.SetTimeout(func(vm *goja.Runtime) {
		t.mu.Lock()
		_, ok := t.timeouts[id]
		delete(t.timeouts, id)
		t.mu.Unlock()
		if ok {
			fn(vm)
		}
	}, d)
	return id, true
}

// setInterval schedules fn repeatedly until cleared.
func (t *timerSet) setInterval(fn func(*goja.Runtime), d time.Duration) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, false
	}
	t.next++
	id := t.next
	t.intervals[id] = t.loop.SetInterval(func(vm *goja.Runtime) {
		t.mu.Lock()
		_, ok := t.intervals[id]
		t.mu.Unlock()
		if ok {
			fn(vm)
		}
	}, d)
	return id, true
}

// clear cancels the timer with the given handle, of either kind. Unknown
// handles are ignored.
func (t *timerSet) clear(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timeouts[id]; ok {
		delete(t.timeouts, id)
		t.loop.ClearTimeout(tm)
		return true
	}
	if iv, ok := t.intervals[id]; ok {
		delete(t.intervals, id)
		t.loop.ClearInterval(iv)
		return true
	}
	return false
}

// clearAll cancels every outstanding timer, refuses new ones, and returns how
// many were cleared. Later calls return 0.
func (t *timerSet) clearAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	n := len(t.timeouts) + len(t.intervals)
	for id, tm := range t.timeouts {
		t.loop.ClearTimeout(tm)
		delete(t.timeouts, id)
	}
	for id, iv := range t.intervals {
		t.loop.ClearInterval(iv)
		delete(t.intervals, id)
	}
	return n
}

// pending returns the number of outstanding timers.
func (t *timerSet) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timeouts) + len(t.intervals)
}
