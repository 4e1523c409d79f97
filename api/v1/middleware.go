package v1

import (
	"net/http"
	"time"

	"github.com/tinoosan/cidscope/internal/data"
	"github.com/tinoosan/cidscope/internal/reqid"
)

// Log writes one access log line and one journal entry per request. It
// reads the correlation id back from the response header, so it works
// whether or not the request was admitted by CorrelationID.
func (h *Handlers) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rw := &rwLogger{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		timeElapsed := time.Since(startTime)

		id := rw.Header().Get(h.header)
		source := data.SourceNone
		switch {
		case id == "":
		case r.Header.Get(h.header) == id:
			source = data.SourceReceived
		default:
			source = data.SourceGenerated
		}
		ctx := r.Context()
		if id != "" {
			ctx = reqid.With(ctx, id)
		}

		if h.journal != nil {
			h.journal.Record(&data.Entry{
				CorrelationID: id,
				Source:        source,
				Method:        r.Method,
				Path:          r.URL.Path,
				Status:        rw.status,
				DurationMS:    timeElapsed.Milliseconds(),
				CreatedAt:     startTime,
			})
		}

		hErr := rw.err
		if hErr != nil {
			h.log.ErrorContext(ctx, hErr.Error(),
				"method", r.Method,
				"url", r.URL.Path,
				"status", rw.status,
				"remote", r.RemoteAddr,
				"ua", r.UserAgent(),
				"dur_ms", timeElapsed.Milliseconds(),
				"bytes", rw.bytes)
			return
		}

		h.log.InfoContext(ctx, "", "method", r.Method,
			"url", r.URL.Path,
			"status", rw.status,
			"remote", r.RemoteAddr,
			"ua", r.UserAgent(),
			"dur_ms", timeElapsed.Milliseconds(),
			"bytes", rw.bytes)
	})
}
