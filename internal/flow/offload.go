package flow

import "context"

// Go runs fn on its own goroutine, off the loop, and returns a promise
// settled on the loop with its result. fn receives the context of the flow
// that called Go, so blocking calls made by fn carry the flow's values; the
// promise's reactions run back in that flow.
func Go[T any](l *Loop, fn func(ctx context.Context) (T, error)) *Promise[T] {
	ctx := l.Context()
	p, resolve, reject := NewPromise[T](l)
	l.hold()
	go func() {
		v, err := Call(func() (T, error) { return fn(ctx) })
		l.pushMacro(job{ctx: ctx, kind: "go", fn: func() {
			l.release()
			if err != nil {
				reject(err)
				return
			}
			resolve(v)
		}})
	}()
	return p
}
