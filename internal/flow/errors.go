package flow

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	ErrAlreadyRunning = errors.New("loop already running")
	ErrNilRejection   = errors.New("promise rejected with a nil error")
	ErrNilPromise     = errors.New("continuation returned a nil promise")
)

// PanicError carries a panic raised inside a continuation whose value was
// not an error. Panics with error values reject with that error unchanged.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in continuation: %v", e.Value)
}

func recoverErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &PanicError{Value: r, Stack: debug.Stack()}
}

// Call runs fn and turns a panic into an error result. A panic with an
// error value returns that error unchanged; any other value is wrapped in
// *PanicError.
func Call[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, recoverErr(r)
		}
	}()
	return fn()
}
