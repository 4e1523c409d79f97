package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
)

func TestThenRunsInRegisteringFlow(t *testing.T) {
	l := New()
	rec := &recorder{}
	p, resolve, _ := NewPromise[int](l)
	l.Submit(withVal(context.Background(), "reader"), func() {
		Then(p, func(v int) (struct{}, error) {
			rec.add(fmt.Sprintf("%s:%d", val(l.Context()), v))
			return struct{}{}, nil
		})
	})
	l.Submit(withVal(context.Background(), "writer"), func() { resolve(7) })
	run(t, l)
	require.Equal(t, []string{"reader:7"}, rec.list())
}

func TestSettleOnce(t *testing.T) {
	l := New()
	p, resolve, reject := NewPromise[int](l)
	resolve(1)
	resolve(2)
	reject(errors.New("late"))
	v, ok, err := p.Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestRejectNil(t *testing.T) {
	l := New()
	p := Rejected[int](l, nil)
	_, ok, err := p.Result()
	require.True(t, ok)
	require.ErrorIs(t, err, ErrNilRejection)
}

func TestPendingResult(t *testing.T) {
	l := New()
	p, _, _ := NewPromise[int](l)
	_, ok, err := p.Result()
	require.False(t, ok)
	require.NoError(t, err)
}

func TestThenPanicRejects(t *testing.T) {
	l := New()
	boom := errors.New("boom")
	p1 := Then(Resolved(l, 1), func(int) (int, error) { panic(boom) })
	p2 := Then(Resolved(l, 1), func(int) (int, error) { panic("text") })
	run(t, l)

	_, _, err := p1.Result()
	require.Same(t, boom, err)

	_, _, err = p2.Result()
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "text", pe.Value)
}

func TestChainCatchFinally(t *testing.T) {
	l := New()
	rec := &recorder{}
	boom := errors.New("boom")
	var out *Promise[int]
	l.Submit(withVal(context.Background(), "f"), func() {
		c := Chain(Resolved(l, 2), func(v int) *Promise[int] {
			return Rejected[int](l, boom)
		})
		c = c.Catch(func(err error) (int, error) {
			rec.add("catch:" + val(l.Context()))
			require.ErrorIs(t, err, boom)
			return 10, nil
		})
		out = c.Finally(func() { rec.add("finally:" + val(l.Context())) })
	})
	run(t, l)
	v, ok, err := out.Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 10, v)
	require.Equal(t, []string{"catch:f", "finally:f"}, rec.list())
}

func TestChainNilPromise(t *testing.T) {
	l := New()
	out := Chain(Resolved(l, 1), func(int) *Promise[int] { return nil })
	run(t, l)
	_, _, err := out.Result()
	require.ErrorIs(t, err, ErrNilPromise)
}

func TestAll(t *testing.T) {
	l := New()
	ok := All(l, Resolved(l, 1), Then(Delay(l, time.Millisecond), func(struct{}) (int, error) { return 2, nil }), Resolved(l, 3))
	boom := errors.New("boom")
	bad := All(l, Resolved(l, 1), Rejected[int](l, boom))
	empty := All[int](l)
	run(t, l)

	v, _, err := ok.Result()
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, v)

	_, _, err = bad.Result()
	require.ErrorIs(t, err, boom)

	v, done, err := empty.Result()
	require.True(t, done)
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestWait(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	p, resolve, _ := NewPromise[string](l)
	l.Submit(context.Background(), func() { l.SetTimeout(time.Millisecond, func() { resolve("ok") }) })
	v, err := Wait(ctx, p)
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	never, _, _ := NewPromise[string](l)
	short, stop := context.WithTimeout(ctx, 10*time.Millisecond)
	defer stop()
	_, err = Wait(short, never)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGoCarriesContext(t *testing.T) {
	l := New()
	rec := &recorder{}
	l.Submit(withVal(context.Background(), "off"), func() {
		p := Go(l, func(ctx context.Context) (string, error) {
			time.Sleep(5 * time.Millisecond)
			return val(ctx), nil
		})
		Then(p, func(v string) (struct{}, error) {
			rec.add(v + "/" + val(l.Context()))
			return struct{}{}, nil
		})
	})
	run(t, l)
	require.Equal(t, []string{"off/off"}, rec.list())
}

func TestGoPanicRejects(t *testing.T) {
	l := New()
	p := Go(l, func(context.Context) (int, error) { panic("off-loop") })
	run(t, l)
	_, _, err := p.Result()
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
}

func TestRetry(t *testing.T) {
	l := New()
	rec := &recorder{}
	flaky := errors.New("flaky")
	var out *Promise[int]
	l.Submit(withVal(context.Background(), "retry"), func() {
		n := 0
		out = Retry(l, &backoff.ConstantBackOff{Interval: time.Millisecond}, 5, func() *Promise[int] {
			n++
			rec.add(val(l.Context()))
			if n < 3 {
				return Rejected[int](l, flaky)
			}
			return Resolved(l, n)
		})
	})
	run(t, l)
	v, _, err := out.Result()
	require.NoError(t, err)
	require.Equal(t, 3, v)
	require.Equal(t, []string{"retry", "retry", "retry"}, rec.list())
}

func TestRetryLimits(t *testing.T) {
	l := New()
	flaky := errors.New("flaky")
	fatal := errors.New("fatal")
	tries := 0
	exhausted := Retry(l, &backoff.ConstantBackOff{Interval: time.Millisecond}, 2, func() *Promise[int] {
		tries++
		return Rejected[int](l, flaky)
	})
	permanent := Retry(l, &backoff.ZeroBackOff{}, 0, func() *Promise[int] {
		return Rejected[int](l, backoff.Permanent(fatal))
	})
	stopped := Retry(l, &backoff.StopBackOff{}, 0, func() *Promise[int] {
		return Rejected[int](l, flaky)
	})
	run(t, l)

	_, _, err := exhausted.Result()
	require.ErrorIs(t, err, flaky)
	require.Equal(t, 2, tries)

	_, _, err = permanent.Result()
	require.Same(t, fatal, err)

	_, _, err = stopped.Result()
	require.ErrorIs(t, err, flaky)
}
