// Package journal writes request journal entries in the background.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/cidscope/internal/data"
	"github.com/tinoosan/cidscope/internal/metrics"
	"github.com/tinoosan/cidscope/internal/repo"
	"github.com/tinoosan/cidscope/internal/reqid"
)

// DefaultBuffer is the number of entries Record queues before dropping.
const DefaultBuffer = 256

// Recorder consumes journal entries and writes them to the repository.
// Writes happen on one goroutine under a context carrying the entry's
// correlation id, so repository logging and query annotation see it.
type Recorder struct {
	repo    repo.EntryWriter
	entries chan *data.Entry
	log     *slog.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Recorder with room for buffer queued entries.
func New(log *slog.Logger, repo repo.EntryWriter, buffer int) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Recorder{
		repo:    repo,
		entries: make(chan *data.Entry, buffer),
		log:     log,
		timeout: 5 * time.Second,
		ctx:     context.Background(),
	}
}

// Run starts the write loop.
func (r *Recorder) Run() {
	r.stop = make(chan struct{})
	r.ctx, r.cancel = context.WithCancel(r.ctx)
	// Tag this run with a stable operation_id for easier correlation.
	r.log = r.log.With("operation_id", uuid.NewString())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stop:
				r.drain()
				return
			case e := <-r.entries:
				r.write(e)
			}
		}
	}()
}

// Stop writes what is already queued and terminates the write loop.
// Entries recorded afterwards are dropped.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped || r.stop == nil {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stop)
	r.mu.Unlock()
	r.wg.Wait()
	r.cancel()
}

// Record queues e without blocking. It reports false when the entry was
// dropped because the buffer is full or the recorder is stopped.
func (r *Recorder) Record(e *data.Entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		metrics.JournalDropped.Inc()
		return false
	}
	select {
	case r.entries <- e:
		return true
	default:
		metrics.JournalDropped.Inc()
		r.log.Warn("journal buffer full, dropping entry", "path", e.Path, "correlation_id", e.CorrelationID)
		return false
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.entries:
			r.write(e)
		default:
			return
		}
	}
}

func (r *Recorder) write(e *data.Entry) {
	ctx := r.ctx
	if e.CorrelationID != "" {
		ctx = reqid.With(ctx, e.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if _, err := r.repo.Add(ctx, e); err != nil {
		r.log.ErrorContext(ctx, "journal write", "path", e.Path, "err", err)
		return
	}
	r.log.DebugContext(ctx, "journal entry written", "path", e.Path, "status", e.Status)
}
