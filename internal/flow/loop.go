// Package flow is a single-goroutine cooperative scheduler.
//
// All jobs submitted to a Loop run one at a time on the goroutine that called
// Run. Every primitive that schedules a continuation (immediates, timers,
// microtasks, promise reactions, awaits and off-loop work) captures the
// context.Context of the job that scheduled it and re-enters that context
// when the continuation runs. Values stored in that context therefore follow
// a logical flow across suspension points, and flows that interleave on the
// loop never observe each other's values.
package flow

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinoosan/cidscope/internal/metrics"
)

// Loop runs jobs cooperatively on a single goroutine.
type Loop struct {
	log *slog.Logger

	mu       sync.Mutex
	macro    []job
	micro    []job
	timers   timerHeap
	seq      uint64
	inflight int
	wake     chan struct{}

	running atomic.Bool
	cur     atomic.Pointer[frame]
	// owner is the goroutine id allowed to touch cur; see Owns.
	owner atomic.Int64
}

type job struct {
	ctx  context.Context
	fn   func()
	kind string
}

// frame is the context of the job currently running on the loop.
type frame struct {
	ctx context.Context
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used to report panics escaping plain jobs.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// New creates a Loop. It does nothing until Run or RunUntilIdle is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		log:  slog.Default(),
		wake: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Running reports whether a goroutine is currently inside Run or RunUntilIdle.
func (l *Loop) Running() bool { return l.running.Load() }

// Context returns the context of the running flow, or context.Background
// when no job is running. Goroutines that do not own the loop always get
// context.Background; they should use the context handed to them by Go.
func (l *Loop) Context() context.Context {
	if !l.Owns() {
		return context.Background()
	}
	if f := l.cur.Load(); f != nil {
		return f.ctx
	}
	return context.Background()
}

// With runs fn with ctx as the running context and restores the previous
// context when fn returns or panics.
//
// Called from a goroutine that does not own the loop, With submits fn to
// the loop and blocks until it has run there, so the flow the loop is
// running is never disturbed. It must not be called off-loop by code the
// loop is waiting for.
func (l *Loop) With(ctx context.Context, fn func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.Owns() {
		l.handoff(ctx, fn)
		return
	}
	l.enter(ctx, fn)
}

func (l *Loop) enter(ctx context.Context, fn func()) {
	prev := l.cur.Swap(&frame{ctx: ctx})
	defer l.cur.Store(prev)
	fn()
}

// Submit enqueues fn to run on the loop under ctx. It is safe to call from
// any goroutine and is how work that did not originate on the loop enters it.
func (l *Loop) Submit(ctx context.Context, fn func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.pushMacro(job{ctx: ctx, fn: fn, kind: "submit"})
}

// SetImmediate runs fn on a later loop turn, in the current flow.
func (l *Loop) SetImmediate(fn func()) {
	l.pushMacro(job{ctx: l.Context(), fn: fn, kind: "immediate"})
}

// QueueMicrotask runs fn before the loop picks its next job, in the current flow.
func (l *Loop) QueueMicrotask(fn func()) {
	l.pushMicro(job{ctx: l.Context(), fn: fn, kind: "microtask"})
}

// Run processes jobs until ctx is done. It returns ErrAlreadyRunning if the
// loop is already being run by another goroutine.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx, false)
}

// RunUntilIdle processes jobs until there is nothing queued, no pending timer
// and no off-loop operation in flight, or until ctx is done.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	return l.run(ctx, true)
}

func (l *Loop) run(ctx context.Context, untilIdle bool) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)
	l.owner.Store(goid())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.drainMicrotasks()
		if j, ok := l.nextMacro(time.Now()); ok {
			l.exec(j)
			continue
		}

		wait, idle := l.nextWait(time.Now())
		if untilIdle && idle {
			return nil
		}
		var (
			t      *time.Timer
			expire <-chan time.Time
		)
		if wait >= 0 {
			t = time.NewTimer(wait)
			expire = t.C
		}
		select {
		case <-ctx.Done():
		case <-l.wake:
		case <-expire:
		}
		if t != nil {
			t.Stop()
		}
	}
}

func (l *Loop) drainMicrotasks() {
	for {
		l.mu.Lock()
		if len(l.micro) == 0 {
			l.mu.Unlock()
			return
		}
		j := l.micro[0]
		l.micro[0] = job{}
		l.micro = l.micro[1:]
		l.updateDepth()
		l.mu.Unlock()
		l.exec(j)
	}
}

// nextMacro moves due timers to the macrotask queue and pops its head.
func (l *Loop) nextMacro(now time.Time) (job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := l.timers[0]
		l.popTimer()
		l.macro = append(l.macro, t.job)
		if t.period > 0 {
			t.when = now.Add(t.period)
			l.pushTimer(t)
		}
	}
	if len(l.macro) == 0 {
		return job{}, false
	}
	j := l.macro[0]
	l.macro[0] = job{}
	l.macro = l.macro[1:]
	l.updateDepth()
	return j, true
}

// nextWait returns how long the loop may sleep (-1 for no deadline) and
// whether it has nothing left to do at all.
func (l *Loop) nextWait(now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.macro) > 0 || len(l.micro) > 0 {
		return 0, false
	}
	if len(l.timers) > 0 {
		d := l.timers[0].when.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, false
	}
	return -1, l.inflight == 0
}

func (l *Loop) exec(j job) {
	metrics.LoopJobs.WithLabelValues(j.kind).Inc()
	defer func() {
		if r := recover(); r != nil {
			l.log.ErrorContext(j.ctx, "loop job panicked", "kind", j.kind, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	l.enter(j.ctx, j.fn)
}

func (l *Loop) pushMacro(j job) {
	l.mu.Lock()
	l.macro = append(l.macro, j)
	l.updateDepth()
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) pushMicro(j job) {
	l.mu.Lock()
	l.micro = append(l.micro, j)
	l.updateDepth()
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// hold and release bracket operations running off the loop so that
// RunUntilIdle waits for their completion.
func (l *Loop) hold() {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()
}

func (l *Loop) release() {
	l.mu.Lock()
	l.inflight--
	l.mu.Unlock()
}

// updateDepth must be called with l.mu held.
func (l *Loop) updateDepth() {
	metrics.LoopQueueDepth.Set(float64(len(l.macro) + len(l.micro)))
}
