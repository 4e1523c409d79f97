package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinoosan/cidscope/internal/data"
	"github.com/tinoosan/cidscope/internal/metrics"
	"github.com/tinoosan/cidscope/internal/repo"
	"github.com/tinoosan/cidscope/internal/reqid"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// ctxRepo records the correlation id seen on each write.
type ctxRepo struct {
	mu   sync.Mutex
	seen []string
	err  error
	gate chan struct{}
}

func (c *ctxRepo) Add(ctx context.Context, e *data.Entry) (*data.Entry, error) {
	if c.gate != nil {
		<-c.gate
	}
	id, _ := reqid.From(ctx)
	c.mu.Lock()
	c.seen = append(c.seen, id)
	c.mu.Unlock()
	return e, c.err
}

func (c *ctxRepo) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

// TestRecorderWritesUnderEntryCorrelation ensures each write sees the
// correlation id of the entry it stores.
func TestRecorderWritesUnderEntryCorrelation(t *testing.T) {
	rpo := repo.NewInMemoryEntryRepo()
	r := New(discard(), rpo, 4)
	r.Run()
	if !r.Record(&data.Entry{CorrelationID: "c1", Source: data.SourceReceived, Path: "/a"}) {
		t.Fatalf("record dropped")
	}
	r.Record(&data.Entry{Source: data.SourceNone, Path: "/b"})
	r.Stop()

	list, _ := rpo.List(context.Background(), 0)
	if len(list) != 2 {
		t.Fatalf("expected 2 entries got %d", len(list))
	}
	if list[0].CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}

	spy := &ctxRepo{}
	r = New(discard(), spy, 4)
	r.Run()
	r.Record(&data.Entry{CorrelationID: "c1", Source: data.SourceReceived})
	r.Record(&data.Entry{Source: data.SourceNone})
	r.Stop()
	got := spy.ids()
	if len(got) != 2 || got[0] != "c1" || got[1] != "" {
		t.Fatalf("unexpected ids seen by repo: %q", got)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	spy := &ctxRepo{gate: make(chan struct{})}
	r := New(discard(), spy, 1)
	r.Run()
	before := testutil.ToFloat64(metrics.JournalDropped)

	// The first entry blocks the writer, the second fills the buffer.
	r.Record(&data.Entry{Source: data.SourceNone})
	deadline := time.Now().Add(time.Second)
	for len(r.entries) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !r.Record(&data.Entry{Source: data.SourceNone}) {
		t.Fatalf("second entry should fit in the buffer")
	}
	if r.Record(&data.Entry{Source: data.SourceNone}) {
		t.Fatalf("third entry should be dropped")
	}
	if got := testutil.ToFloat64(metrics.JournalDropped) - before; got != 1 {
		t.Fatalf("expected 1 dropped got %v", got)
	}
	close(spy.gate)
	r.Stop()
	if got := len(spy.ids()); got != 2 {
		t.Fatalf("expected 2 writes got %d", got)
	}
	if r.Record(&data.Entry{Source: data.SourceNone}) {
		t.Fatalf("record after stop should be dropped")
	}
}

func TestRecorderLogsWriteErrors(t *testing.T) {
	spy := &ctxRepo{err: errors.New("db down")}
	r := New(discard(), spy, 1)
	r.Run()
	r.Record(&data.Entry{Source: data.SourceNone})
	r.Stop()
	r.Stop()
	if got := len(spy.ids()); got != 1 {
		t.Fatalf("expected 1 attempt got %d", got)
	}
}
