package flow

import (
	"context"
	"time"
)

// Awaiter is the handle an Async function uses to suspend on promises.
// It must only be used by the function it was passed to.
type Awaiter struct {
	l      *Loop
	gid    int64
	resume chan struct{}
	yield  chan struct{}
}

// Async runs fn as a coroutine of the current flow and returns a promise for
// its result. fn starts immediately and runs until it first awaits; the
// caller regains control at that point. Exactly one of the loop and its
// coroutines executes at any time.
//
// Whatever context fn switches to before suspending stays private to fn: the
// code that started or resumed it continues in its own context.
func Async[T any](l *Loop, fn func(a *Awaiter) (T, error)) *Promise[T] {
	p, resolve, reject := NewPromise[T](l)
	a := &Awaiter{l: l, resume: make(chan struct{}), yield: make(chan struct{})}

	saved, owner := l.cur.Load(), l.owner.Load()
	go func() {
		defer func() { a.yield <- struct{}{} }()
		a.gid = goid()
		l.owner.Store(a.gid)
		v, err := Call(func() (T, error) { return fn(a) })
		if err != nil {
			reject(err)
			return
		}
		resolve(v)
	}()
	<-a.yield
	l.owner.Store(owner)
	l.cur.Store(saved)
	return p
}

// Await suspends the calling coroutine until p settles and returns its
// result. When the coroutine resumes, the running context is the one that
// was current when Await was called.
func Await[T any](a *Awaiter, p *Promise[T]) (T, error) {
	var (
		v   T
		err error
	)
	p.subscribe(func(rv T, rerr error) {
		v, err = rv, rerr
		saved, owner := a.l.cur.Load(), a.l.owner.Load()
		a.resume <- struct{}{}
		<-a.yield
		a.l.owner.Store(owner)
		a.l.cur.Store(saved)
	})
	a.yield <- struct{}{}
	<-a.resume
	a.l.owner.Store(a.gid)
	return v, err
}

// Delay returns a promise fulfilled after d.
func Delay(l *Loop, d time.Duration) *Promise[struct{}] {
	p, resolve, _ := NewPromise[struct{}](l)
	l.SetTimeout(d, func() { resolve(struct{}{}) })
	return p
}

// Sleep suspends the calling coroutine for d.
func Sleep(a *Awaiter, d time.Duration) {
	_, _ = Await(a, Delay(a.l, d))
}

// Context returns the running context as seen by the coroutine.
func (a *Awaiter) Context() context.Context { return a.l.Context() }

// Loop returns the loop the coroutine belongs to.
func (a *Awaiter) Loop() *Loop { return a.l }
