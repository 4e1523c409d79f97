// Package correlation keeps a correlation identifier bound to a logical flow
// of work on a flow.Loop.
//
// A scope is entered with Enter, EnterAsync or Do. Inside it, and inside
// every continuation scheduled from it through the loop, ID reports the
// scope's identifier. Leaving the scope restores whatever was active before,
// on every exit path.
//
// ID reads the running flow of the loop and reports absent to goroutines
// that do not own it. Code running elsewhere (for example work started with
// flow.Go) receives a context.Context carrying the identifier and should
// read it with reqid.From.
package correlation

import (
	"context"
	"log/slog"

	"github.com/tinoosan/cidscope/internal/cid"
	"github.com/tinoosan/cidscope/internal/flow"
	"github.com/tinoosan/cidscope/internal/metrics"
	"github.com/tinoosan/cidscope/internal/reqid"
)

// Store binds correlation identifiers to logical flows.
type Store interface {
	// NewID returns a fresh identifier.
	NewID() string
	// ID returns the identifier of the innermost active scope of the
	// running flow.
	ID() (string, bool)
	// Context returns the context of the running flow.
	Context() context.Context
	// Run runs work inside a new scope for id, generating one when id is
	// empty, and restores the previous scope when work returns or panics.
	// Off the loop, work is run on the loop and Run waits for it.
	Run(id string, work func())
	// Bind captures the scope active now for target.
	//
	// A function is returned wrapped: calling the wrapper runs the original
	// with the same arguments inside the captured scope, replacing whatever
	// scope is active at call time, and returns its results. Binding the
	// original again later yields a wrapper for the scope active then.
	//
	// An Emitter is modified in place and returned: its publish entry point
	// is intercepted once, and every Emit runs listeners inside the scope
	// captured by the most recent Bind.
	//
	// Any other value is returned unchanged.
	//
	// A wrapper or bound emitter invoked from a goroutine that does not own
	// the loop runs on the loop and blocks until it returns.
	Bind(target any) any
	// Info reports the identifiers known for the unit of work of ctx.
	Info(ctx context.Context) Info
	// Loop returns the loop the store tracks flows on.
	Loop() *flow.Loop
}

type options struct {
	loop *flow.Loop
	log  *slog.Logger
}

// Option configures New.
type Option func(*options)

// WithLoop sets the loop whose flows the store tracks.
func WithLoop(l *flow.Loop) Option {
	return func(o *options) { o.loop = l }
}

// WithLogger sets the logger used for scope diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// New returns the Store implementation suited to the configuration. The
// choice is made once here; callers only see the interface.
func New(opts ...Option) (Store, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.loop == nil {
		return nil, ErrNoScheduler
	}
	return &loopStore{loop: o.loop, log: o.log}, nil
}

// loopStore keeps the identifier in the context of the running loop job.
// The loop carries that context into every continuation it schedules.
type loopStore struct {
	loop *flow.Loop
	log  *slog.Logger
}

func (s *loopStore) NewID() string { return cid.New() }

func (s *loopStore) ID() (string, bool) { return reqid.From(s.loop.Context()) }

func (s *loopStore) Context() context.Context { return s.loop.Context() }

func (s *loopStore) Loop() *flow.Loop { return s.loop }

func (s *loopStore) Run(id string, work func()) {
	source := "supplied"
	if id == "" {
		id = s.NewID()
		source = "generated"
	}
	metrics.ScopesEntered.WithLabelValues(source).Inc()
	ctx := reqid.With(s.loop.Context(), id)
	s.log.DebugContext(ctx, "enter scope", "source", source)
	s.loop.With(ctx, work)
}

func (s *loopStore) Info(ctx context.Context) Info {
	var info Info
	if id, ok := s.ID(); ok {
		info.Current = id
	} else if id, ok := reqid.From(ctx); ok {
		info.Current = id
	}
	info.ReceivedInRequest, _ = reqid.Received(ctx)
	info.Generated, _ = reqid.Generated(ctx)
	return info
}
