package flow

import (
	"container/heap"
	"time"
)

// Timer is a pending timeout or interval created by SetTimeout or SetInterval.
type Timer struct {
	l      *Loop
	when   time.Time
	period time.Duration
	seq    uint64
	index  int
	job    job

	// guarded by l.mu
	stopped bool
	fired   bool
}

// SetTimeout runs fn once after d, in the current flow.
func (l *Loop) SetTimeout(d time.Duration, fn func()) *Timer {
	return l.addTimer(d, 0, fn, "timeout")
}

// SetInterval runs fn every d until the returned Timer is stopped, each time
// in the flow that was current when SetInterval was called.
func (l *Loop) SetInterval(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return l.addTimer(d, d, fn, "interval")
}

func (l *Loop) addTimer(d, period time.Duration, fn func(), kind string) *Timer {
	if d < 0 {
		d = 0
	}
	t := &Timer{l: l, period: period, index: -1}
	t.job = job{
		ctx:  l.Context(),
		kind: kind,
		fn: func() {
			if !t.claim() {
				return
			}
			fn()
		},
	}

	l.mu.Lock()
	l.seq++
	t.seq = l.seq
	t.when = time.Now().Add(d)
	l.pushTimer(t)
	l.mu.Unlock()
	l.signal()
	return t
}

// claim reports whether the timer may still fire, marking one-shot timers as fired.
func (t *Timer) claim() bool {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if t.stopped {
		return false
	}
	if t.period == 0 {
		t.fired = true
	}
	return true
}

// Stop prevents the timer from firing again. It returns false if the timer
// had already been stopped or, for a timeout, had already fired.
func (t *Timer) Stop() bool {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	if t.index >= 0 {
		heap.Remove(&t.l.timers, t.index)
	}
	return true
}

// pushTimer and popTimer must be called with l.mu held.
func (l *Loop) pushTimer(t *Timer) {
	heap.Push(&l.timers, t)
}

func (l *Loop) popTimer() *Timer {
	return heap.Pop(&l.timers).(*Timer)
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
