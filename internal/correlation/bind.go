package correlation

import (
	"context"
	"reflect"

	"github.com/tinoosan/cidscope/internal/emitter"
)

// Emitter is a publish/subscribe object whose publish entry point can be
// intercepted. *emitter.Emitter implements it.
type Emitter interface {
	Patch(key string, wrap func(emitter.EmitFunc) emitter.EmitFunc) bool
	SetSlot(key string, v any)
	Slot(key string) any
}

// emitterKey marks the patch and holds the captured context on bound emitters.
const emitterKey = "cidscope/correlation.scope"

func (s *loopStore) Bind(target any) any {
	ctx := s.loop.Context()
	switch t := target.(type) {
	case nil:
		return nil
	case func():
		if t == nil {
			return t
		}
		return func() { s.loop.With(ctx, t) }
	case Emitter:
		s.bindEmitter(ctx, t)
		return t
	}

	fn := reflect.ValueOf(target)
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return target
	}
	variadic := fn.Type().IsVariadic()
	return reflect.MakeFunc(fn.Type(), func(args []reflect.Value) (out []reflect.Value) {
		s.loop.With(ctx, func() {
			if variadic {
				out = fn.CallSlice(args)
			} else {
				out = fn.Call(args)
			}
		})
		return out
	}).Interface()
}

func (s *loopStore) bindEmitter(ctx context.Context, e Emitter) {
	e.SetSlot(emitterKey, ctx)
	e.Patch(emitterKey, func(next emitter.EmitFunc) emitter.EmitFunc {
		return func(event string, args ...any) (ok bool) {
			captured, _ := e.Slot(emitterKey).(context.Context)
			s.loop.With(captured, func() { ok = next(event, args...) })
			return ok
		}
	})
}

// BindFunc is Bind for a function of a known type.
func BindFunc[F any](s Store, f F) F {
	return s.Bind(f).(F)
}
