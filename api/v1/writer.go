package v1

import (
	"bufio"
	"net"
	"net/http"
	"sync"
)

// rwLogger captures what the access log needs to know about a response.
type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Written reports whether the response header has been sent.
func (w *rwLogger) Written() bool { return w.status != 0 }

func (w *rwLogger) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hj.Hijack()
	if err == nil && w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *rwLogger) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

type writtenReporter interface {
	Written() bool
}

// written reports whether w is known to have sent its header.
func written(w http.ResponseWriter) bool {
	wr, ok := w.(writtenReporter)
	return ok && wr.Written()
}

// loopWriter is handed to handlers running on the loop. Once detached,
// writes are dropped, so work that outlives its request cannot touch a
// response net/http has already finished.
type loopWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	header   http.Header
	wrote    bool
	detached bool
}

func (w *loopWriter) Header() http.Header {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached {
		if w.header == nil {
			w.header = make(http.Header)
		}
		return w.header
	}
	return w.w.Header()
}

func (w *loopWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached {
		return
	}
	w.wrote = true
	w.w.WriteHeader(code)
}

func (w *loopWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached {
		return 0, ErrDetached
	}
	w.wrote = true
	return w.w.Write(b)
}

func (w *loopWriter) Written() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wrote || written(w.w)
}

func (w *loopWriter) SetErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.detached {
		markErr(w.w, err)
	}
}

func (w *loopWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached {
		return nil, nil, ErrDetached
	}
	hj, ok := w.w.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.wrote = true
	return hj.Hijack()
}

func (w *loopWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.w.(http.Flusher); ok && !w.detached {
		f.Flush()
	}
}

func (w *loopWriter) detach() {
	w.mu.Lock()
	w.detached = true
	w.mu.Unlock()
}
