package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tinoosan/cidscope/internal/correlation"
	"github.com/tinoosan/cidscope/internal/flow"
	"github.com/tinoosan/cidscope/internal/metrics"
	"github.com/tinoosan/cidscope/internal/reqid"
)

type adapterConfig struct {
	header string
	filter func(*http.Request) bool
	log    *slog.Logger
}

// Option configures CorrelationID.
type Option func(*adapterConfig)

// WithHeader sets the header carrying the correlation id. The default is
// reqid.Header.
func WithHeader(name string) Option {
	return func(c *adapterConfig) {
		if name != "" {
			c.header = name
		}
	}
}

// WithFilter limits correlation handling to requests for which fn returns
// true. Other requests are served on the loop without a scope, and their
// correlation header is neither read nor written.
func WithFilter(fn func(*http.Request) bool) Option {
	return func(c *adapterConfig) { c.filter = fn }
}

// WithAdapterLogger sets the logger for failed requests.
func WithAdapterLogger(log *slog.Logger) Option {
	return func(c *adapterConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// CorrelationID serves each request on the loop of s inside a scope for
// the request's correlation id.
//
// The id is taken verbatim from the request header, or generated when the
// header is absent, and echoed in the response header unless the response
// has already been written. The net/http goroutine waits until the handler
// has returned and every promise registered with Track (as Async does) has
// settled. A handler panic or a rejected tracked promise produces a 500 if
// nothing was written yet.
func CorrelationID(s correlation.Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := adapterConfig{header: reqid.Header, log: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := s.Loop()
			if !l.Running() {
				markErr(w, ErrLoopStopped)
				http.Error(w, ErrLoopStopped.Error(), http.StatusServiceUnavailable)
				return
			}
			start := time.Now()

			ctx := r.Context()
			admitted := cfg.filter == nil || cfg.filter(r)
			source := "none"
			var id string
			if admitted {
				if id = r.Header.Get(cfg.header); id != "" {
					source = "received"
					ctx = reqid.WithReceived(ctx, id)
				} else {
					id = s.NewID()
					source = "generated"
					ctx = reqid.WithGenerated(ctx, id)
				}
				if !written(w) {
					w.Header().Set(cfg.header, id)
				}
			}
			metrics.Requests.WithLabelValues(source).Inc()

			tr := newTracker()
			ctx = context.WithValue(ctx, trackerKey{}, tr)
			lw := &loopWriter{w: w}
			defer lw.detach()

			l.Submit(ctx, func() {
				serve := func() {
					req := r.WithContext(l.Context())
					_, err := flow.Call(func() (struct{}, error) {
						next.ServeHTTP(lw, req)
						return struct{}{}, nil
					})
					tr.settle(err)
				}
				if admitted {
					correlation.Do(s, id, serve)
				} else {
					serve()
				}
			})

			logCtx := ctx
			if admitted {
				logCtx = reqid.With(ctx, id)
			}
			select {
			case <-tr.done:
			case <-r.Context().Done():
				cfg.log.WarnContext(logCtx, "request abandoned before completion", "path", r.URL.Path, "err", r.Context().Err())
				return
			}
			metrics.RequestLatency.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

			err := tr.err()
			if err == nil {
				return
			}
			if errors.Is(err, http.ErrAbortHandler) {
				panic(http.ErrAbortHandler)
			}
			cfg.log.ErrorContext(logCtx, "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
			markErr(w, err)
			if !lw.Written() {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		})
	}
}

type trackerKey struct{}

// tracker counts the units of work a request waits for: the handler itself
// plus every tracked promise.
type tracker struct {
	mu      sync.Mutex
	pending int
	first   error
	done    chan struct{}
}

func newTracker() *tracker {
	return &tracker{pending: 1, done: make(chan struct{})}
}

func (t *tracker) add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		return false
	}
	t.pending++
	return true
}

func (t *tracker) settle(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		return
	}
	if err != nil && t.first == nil {
		t.first = err
	}
	t.pending--
	if t.pending == 0 {
		close(t.done)
	}
}

func (t *tracker) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first
}

// Track makes the response of r wait for p, and fail if p rejects. It
// reports false when r is not being served by CorrelationID or has already
// completed.
func Track[T any](r *http.Request, p *flow.Promise[T]) bool {
	tr, ok := r.Context().Value(trackerKey{}).(*tracker)
	if !ok || !tr.add() {
		return false
	}
	p.Observe(tr.settle)
	return true
}

// AsyncHandlerFunc is a handler that may suspend on promises through a.
type AsyncHandlerFunc func(a *flow.Awaiter, w http.ResponseWriter, r *http.Request) error

// Async adapts fn to an http.Handler that runs it as a coroutine on l. The
// response completes when fn returns; a non-nil error becomes a 500 unless
// fn already wrote a response. It must be served behind CorrelationID.
func Async(l *flow.Loop, fn AsyncHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := flow.Async(l, func(a *flow.Awaiter) (struct{}, error) {
			return struct{}{}, fn(a, w, r)
		})
		Track(r, p)
	})
}

// CorrelationInfo returns the correlation state of the request being served.
func CorrelationInfo(s correlation.Store, r *http.Request) correlation.Info {
	return s.Info(r.Context())
}
