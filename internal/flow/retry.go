package flow

import (
	"errors"

	"github.com/cenkalti/backoff/v5"
)

// Retry calls op until its promise fulfils, waiting between attempts for the
// delays produced by b. Every attempt runs in the flow that called Retry.
// It stops with the last error when b returns backoff.Stop, when maxTries
// attempts have been made (0 means no limit) or when op rejects with an
// error wrapped by backoff.Permanent, in which case the wrapped error is
// returned.
func Retry[T any](l *Loop, b backoff.BackOff, maxTries uint, op func() *Promise[T]) *Promise[T] {
	out, resolve, reject := NewPromise[T](l)
	b.Reset()

	var (
		tries   uint
		attempt func()
	)
	attempt = func() {
		tries++
		q, err := Call(func() (*Promise[T], error) { return op(), nil })
		if err == nil && q == nil {
			err = ErrNilPromise
		}
		if err != nil {
			q = Rejected[T](l, err)
		}
		q.subscribe(func(v T, err error) {
			if err == nil {
				resolve(v)
				return
			}
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				reject(perm.Err)
				return
			}
			if maxTries > 0 && tries >= maxTries {
				reject(err)
				return
			}
			d := b.NextBackOff()
			if d == backoff.Stop {
				reject(err)
				return
			}
			l.SetTimeout(d, attempt)
		})
	}
	attempt()
	return out
}
