package flow

import (
	"context"
	"sync"
)

type promiseState int

const (
	statePending promiseState = iota
	stateFulfilled
	stateRejected
)

// Promise is a deferred value settled at most once. Reactions registered
// with Then, Chain, Catch, Finally, Observe or Await run as microtasks in the
// flow that was current when they were registered, whatever flow settles
// the promise.
type Promise[T any] struct {
	l *Loop

	mu        sync.Mutex
	state     promiseState
	val       T
	err       error
	reactions []job
	done      chan struct{}
}

// NewPromise returns a pending promise and the functions that settle it.
// Only the first call to either function has an effect. Both may be called
// from any goroutine.
func NewPromise[T any](l *Loop) (*Promise[T], func(T), func(error)) {
	p := &Promise[T]{l: l, done: make(chan struct{})}
	resolve := func(v T) { p.settle(v, nil) }
	reject := func(err error) {
		if err == nil {
			err = ErrNilRejection
		}
		var zero T
		p.settle(zero, err)
	}
	return p, resolve, reject
}

// Resolved returns a promise already fulfilled with v.
func Resolved[T any](l *Loop, v T) *Promise[T] {
	p, resolve, _ := NewPromise[T](l)
	resolve(v)
	return p
}

// Rejected returns a promise already rejected with err.
func Rejected[T any](l *Loop, err error) *Promise[T] {
	p, _, reject := NewPromise[T](l)
	reject(err)
	return p
}

func (p *Promise[T]) settle(v T, err error) {
	p.mu.Lock()
	if p.state != statePending {
		p.mu.Unlock()
		return
	}
	p.val, p.err = v, err
	if err != nil {
		p.state = stateRejected
	} else {
		p.state = stateFulfilled
	}
	rs := p.reactions
	p.reactions = nil
	close(p.done)
	p.mu.Unlock()

	for _, r := range rs {
		p.l.pushMicro(r)
	}
}

// subscribe registers fn to run once p settles, in the flow current now.
func (p *Promise[T]) subscribe(fn func(T, error)) {
	r := job{
		ctx:  p.l.Context(),
		kind: "reaction",
		fn:   func() { fn(p.val, p.err) },
	}
	p.mu.Lock()
	if p.state == statePending {
		p.reactions = append(p.reactions, r)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.l.pushMicro(r)
}

// Observe registers fn to be called with the rejection error, or nil, once p
// settles.
func (p *Promise[T]) Observe(fn func(error)) {
	p.subscribe(func(_ T, err error) { fn(err) })
}

// Result returns the settled value and error. ok is false while p is pending.
func (p *Promise[T]) Result() (v T, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == statePending {
		return v, false, nil
	}
	return p.val, true, p.err
}

// Done is closed when p settles.
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

// Catch returns a promise that recovers from a rejection of p using fn.
func (p *Promise[T]) Catch(fn func(error) (T, error)) *Promise[T] {
	next, resolve, reject := NewPromise[T](p.l)
	p.subscribe(func(v T, err error) {
		if err == nil {
			resolve(v)
			return
		}
		v, err = Call(func() (T, error) { return fn(err) })
		if err != nil {
			reject(err)
			return
		}
		resolve(v)
	})
	return next
}

// Finally returns a promise that settles like p after fn has run. A panic in
// fn rejects the returned promise.
func (p *Promise[T]) Finally(fn func()) *Promise[T] {
	next, resolve, reject := NewPromise[T](p.l)
	p.subscribe(func(v T, err error) {
		if _, ferr := Call(func() (struct{}, error) { fn(); return struct{}{}, nil }); ferr != nil {
			reject(ferr)
			return
		}
		if err != nil {
			reject(err)
			return
		}
		resolve(v)
	})
	return next
}

// Then returns a promise for fn applied to the value of p. Rejections of p
// pass through without calling fn.
func Then[T, U any](p *Promise[T], fn func(T) (U, error)) *Promise[U] {
	next, resolve, reject := NewPromise[U](p.l)
	p.subscribe(func(v T, err error) {
		if err != nil {
			reject(err)
			return
		}
		u, err := Call(func() (U, error) { return fn(v) })
		if err != nil {
			reject(err)
			return
		}
		resolve(u)
	})
	return next
}

// Chain is Then for continuations that return another promise; the result
// settles with that promise.
func Chain[T, U any](p *Promise[T], fn func(T) *Promise[U]) *Promise[U] {
	next, resolve, reject := NewPromise[U](p.l)
	p.subscribe(func(v T, err error) {
		if err != nil {
			reject(err)
			return
		}
		q, err := Call(func() (*Promise[U], error) { return fn(v), nil })
		if err != nil {
			reject(err)
			return
		}
		if q == nil {
			reject(ErrNilPromise)
			return
		}
		q.subscribe(func(u U, err error) {
			if err != nil {
				reject(err)
				return
			}
			resolve(u)
		})
	})
	return next
}

// All fulfils with the values of ps in order once all are fulfilled, or
// rejects with the first rejection.
func All[T any](l *Loop, ps ...*Promise[T]) *Promise[[]T] {
	out, resolve, reject := NewPromise[[]T](l)
	vals := make([]T, len(ps))
	if len(ps) == 0 {
		resolve(vals)
		return out
	}
	left := len(ps)
	for i, p := range ps {
		p.subscribe(func(v T, err error) {
			if err != nil {
				reject(err)
				return
			}
			vals[i] = v
			left--
			if left == 0 {
				resolve(vals)
			}
		})
	}
	return out
}

// Wait blocks until p settles or ctx is done. It must not be called on the
// loop goroutine, which would deadlock.
func Wait[T any](ctx context.Context, p *Promise[T]) (T, error) {
	select {
	case <-p.done:
		v, _, err := p.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
