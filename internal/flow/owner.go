package flow

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
)

// goid returns the id of the calling goroutine, read from the
// "goroutine N [state]:" header of its stack trace.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

// Owns reports whether the calling goroutine may run loop code: it is the
// goroutine inside Run, or the coroutine that currently holds control. When
// no goroutine is running the loop, every caller owns it.
func (l *Loop) Owns() bool {
	if !l.running.Load() {
		return true
	}
	return l.owner.Load() == goid()
}

// handoff runs fn on the loop under ctx and waits for it. A panic in fn is
// raised again in the caller.
func (l *Loop) handoff(ctx context.Context, fn func()) {
	var (
		done     = make(chan struct{})
		panicked any
	)
	l.Submit(ctx, func() {
		defer close(done)
		defer func() { panicked = recover() }()
		fn()
	})
	<-done
	if panicked != nil {
		panic(panicked)
	}
}
