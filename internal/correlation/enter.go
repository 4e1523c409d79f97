package correlation

import (
	"reflect"

	"github.com/tinoosan/cidscope/internal/flow"
	"github.com/tinoosan/cidscope/internal/metrics"
)

// settler is implemented by *flow.Promise of any type.
type settler interface {
	Observe(func(error))
}

// Enter runs work in a new scope for id and returns its results unchanged.
// An empty id generates one. A panic in work propagates once the previous
// scope is restored.
//
// When work returns a promise, Enter returns it still pending; continuations
// attached to it inside work stay in the scope. A rejection of that promise
// is only seen by whoever observes it.
func Enter[T any](s Store, id string, work func() (T, error)) (T, error) {
	var (
		v       T
		err     error
		pending bool
	)
	metrics.ActiveScopes.Inc()
	defer func() {
		if !pending {
			metrics.ActiveScopes.Dec()
		}
	}()

	s.Run(id, func() { v, err = work() })

	if p, ok := any(v).(settler); ok && !isNilPointer(p) {
		pending = true
		p.Observe(func(error) { metrics.ActiveScopes.Dec() })
	}
	return v, err
}

// EnterAsync runs work in a new scope for id. Unlike Enter, a panic raised
// synchronously by work rejects the returned promise instead of propagating.
func EnterAsync[T any](s Store, id string, work func() *flow.Promise[T]) *flow.Promise[T] {
	p, err := Enter(s, id, func() (*flow.Promise[T], error) {
		return flow.Call(func() (*flow.Promise[T], error) { return work(), nil })
	})
	if err != nil {
		return flow.Rejected[T](s.Loop(), err)
	}
	if p == nil {
		return flow.Rejected[T](s.Loop(), flow.ErrNilPromise)
	}
	return p
}

// Do runs work in a new scope for id.
func Do(s Store, id string, work func()) {
	_, _ = Enter(s, id, func() (struct{}, error) {
		work()
		return struct{}{}, nil
	})
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
