package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/tinoosan/cidscope/api/v1"
	"github.com/tinoosan/cidscope/internal/correlation"
	"github.com/tinoosan/cidscope/internal/flow"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// isUUID reports whether s has the shape of a generated identifier.
func isUUID(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && len(s) == 36 && u.Version() == 4
}

// startStore returns a store whose loop runs until the test ends.
func startStore(t *testing.T) correlation.Store {
	t.Helper()
	l := flow.New(flow.WithLogger(discard))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, l.Running, time.Second, time.Millisecond)

	s, err := correlation.New(correlation.WithLoop(l), correlation.WithLogger(discard))
	require.NoError(t, err)
	return s
}

// idHandler writes the correlation id observed inside the handler.
func idHandler(s correlation.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.ID()
		if !ok {
			id = "<absent>"
		}
		fmt.Fprint(w, id)
	})
}

func TestCorrelationID_ReusesReceivedHeader(t *testing.T) {
	s := startStore(t)
	h := v1.CorrelationID(s)(idHandler(s))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "correlation-id-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "correlation-id-123", rr.Body.String())
	assert.Equal(t, "correlation-id-123", rr.Header().Get("X-Correlation-ID"))
}

func TestCorrelationID_GeneratesWhenAbsent(t *testing.T) {
	s := startStore(t)
	h := v1.CorrelationID(s)(idHandler(s))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))

	id := rr.Header().Get("X-Correlation-ID")
	require.True(t, isUUID(id), "generated id %q", id)
	assert.Equal(t, id, rr.Body.String())
}

func TestCorrelationID_CustomHeader(t *testing.T) {
	s := startStore(t)
	h := v1.CorrelationID(s, v1.WithHeader("X-Trace"))(idHandler(s))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Trace", "t-1")
	req.Header.Set("X-Correlation-ID", "ignored")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "t-1", rr.Body.String())
	assert.Equal(t, "t-1", rr.Header().Get("X-Trace"))
	assert.Empty(t, rr.Header().Get("X-Correlation-ID"))
}

func TestCorrelationID_Filter(t *testing.T) {
	s := startStore(t)
	filter := v1.WithFilter(func(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, "/ok/") })
	h := v1.CorrelationID(s, filter)(idHandler(s))

	req := httptest.NewRequest(http.MethodGet, "/notok/1", nil)
	req.Header.Set("X-Correlation-ID", "on-the-wire")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "<absent>", rr.Body.String())
	assert.Empty(t, rr.Header().Get("X-Correlation-ID"))

	req = httptest.NewRequest(http.MethodGet, "/ok/1", nil)
	req.Header.Set("X-Correlation-ID", "on-the-wire")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "on-the-wire", rr.Body.String())
}

// writtenRecorder reports its header as already sent.
type writtenRecorder struct {
	*httptest.ResponseRecorder
}

func (writtenRecorder) Written() bool { return true }

func TestCorrelationID_HeaderAlreadyWritten(t *testing.T) {
	s := startStore(t)
	h := v1.CorrelationID(s)(idHandler(s))

	rr := httptest.NewRecorder()
	h.ServeHTTP(writtenRecorder{rr}, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Empty(t, rr.Header().Get("X-Correlation-ID"))
	assert.True(t, isUUID(rr.Body.String()), "scope still entered, got %q", rr.Body.String())
}

func TestCorrelationID_PanicIs500(t *testing.T) {
	s := startStore(t)
	h := v1.CorrelationID(s, v1.WithAdapterLogger(discard))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	// The loop survives and serves the next request.
	rr = httptest.NewRecorder()
	v1.CorrelationID(s)(idHandler(s)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCorrelationID_LoopStopped(t *testing.T) {
	l := flow.New()
	s, err := correlation.New(correlation.WithLoop(l))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	v1.CorrelationID(s)(idHandler(s)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTrack_WaitsForPromise(t *testing.T) {
	s := startStore(t)
	l := s.Loop()
	var tracked bool
	h := v1.CorrelationID(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := flow.Then(flow.Delay(l, 5*time.Millisecond), func(struct{}) (struct{}, error) {
			id, _ := s.ID()
			fmt.Fprint(w, "late:"+id)
			return struct{}{}, nil
		})
		tracked = v1.Track(r, p)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "t-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.True(t, tracked)
	assert.Equal(t, "late:t-1", rr.Body.String())
}

func TestTrack_RejectionIs500(t *testing.T) {
	s := startStore(t)
	h := v1.CorrelationID(s, v1.WithAdapterLogger(discard))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v1.Track(r, flow.Rejected[int](s.Loop(), errors.New("downstream failed")))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestTrack_OutsideAdapter(t *testing.T) {
	l := flow.New()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.False(t, v1.Track(req, flow.Resolved(l, 1)))
}

func TestAsync_ErrorIs500UnlessWritten(t *testing.T) {
	s := startStore(t)
	l := s.Loop()
	fail := v1.CorrelationID(s, v1.WithAdapterLogger(discard))(v1.Async(l, func(a *flow.Awaiter, w http.ResponseWriter, r *http.Request) error {
		flow.Sleep(a, time.Millisecond)
		return errors.New("nope")
	}))
	rr := httptest.NewRecorder()
	fail.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	wrote := v1.CorrelationID(s, v1.WithAdapterLogger(discard))(v1.Async(l, func(a *flow.Awaiter, w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusAccepted)
		return errors.New("after write")
	}))
	rr = httptest.NewRecorder()
	wrote.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

// Two requests whose handlers each wait for the other must both keep their
// own id across every suspension.
func TestCorrelationID_InterleavedRequestsIsolated(t *testing.T) {
	s := startStore(t)
	l := s.Loop()
	p1, resolve1, _ := flow.NewPromise[struct{}](l)
	p2, resolve2, _ := flow.NewPromise[struct{}](l)

	h := v1.CorrelationID(s)(v1.Async(l, func(a *flow.Awaiter, w http.ResponseWriter, r *http.Request) error {
		var seen []string
		look := func() {
			id, ok := s.ID()
			if !ok {
				id = "<absent>"
			}
			seen = append(seen, id)
		}
		look()
		if id, _ := s.ID(); id == "id-1" {
			resolve2(struct{}{})
			if _, err := flow.Await(a, p1); err != nil {
				return err
			}
		} else {
			resolve1(struct{}{})
			if _, err := flow.Await(a, p2); err != nil {
				return err
			}
		}
		look()
		flow.Sleep(a, time.Millisecond)
		look()
		return json.NewEncoder(w).Encode(seen)
	}))

	var wg sync.WaitGroup
	got := make([][]string, 2)
	for i, id := range []string{"id-1", "id-2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.Header.Set("X-Correlation-ID", id)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			_ = json.Unmarshal(rr.Body.Bytes(), &got[i])
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"id-1", "id-1", "id-1"}, got[0])
	assert.Equal(t, []string{"id-2", "id-2", "id-2"}, got[1])
}

func TestCorrelationInfo(t *testing.T) {
	s := startStore(t)
	h := v1.CorrelationID(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(v1.CorrelationInfo(s, r))
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "correlation-id-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var info correlation.Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, correlation.Info{Current: "correlation-id-123", ReceivedInRequest: "correlation-id-123"}, info)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	info = correlation.Info{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	id := rr.Header().Get("X-Correlation-ID")
	require.True(t, isUUID(id))
	assert.Equal(t, correlation.Info{Current: id, Generated: id}, info)
}
