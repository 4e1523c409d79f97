// Package outbound propagates the correlation id of a flow to downstream
// HTTP and gRPC calls.
package outbound

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	labkitcorrelation "gitlab.com/gitlab-org/labkit/correlation"

	"github.com/tinoosan/cidscope/internal/correlation"
	"github.com/tinoosan/cidscope/internal/flow"
	"github.com/tinoosan/cidscope/internal/reqid"
)

// Transport sets the correlation header from the request context when the
// request does not already carry one. The delegate is wrapped by labkit's
// instrumented round tripper, which adds X-Request-ID as well.
type Transport struct {
	header string
	next   http.RoundTripper
}

// NewTransport wraps next, or http.DefaultTransport when nil. An empty
// header selects reqid.Header.
func NewTransport(next http.RoundTripper, header string) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	if header == "" {
		header = reqid.Header
	}
	return &Transport{header: header, next: labkitcorrelation.NewInstrumentedRoundTripper(next)}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(t.header) == "" {
		if id, ok := reqid.From(req.Context()); ok {
			req = req.Clone(req.Context())
			req.Header.Set(t.header, id)
		}
	}
	return t.next.RoundTrip(req)
}

type ClientConfig struct {
	Header       string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

// NewClient returns a retrying HTTP client whose requests carry the
// correlation id of their context.
func NewClient(cfg ClientConfig) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		c.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		c.RetryWaitMax = cfg.RetryWaitMax
	}
	c.Logger = nil
	if cfg.Logger != nil {
		c.Logger = cfg.Logger
	}
	c.HTTPClient.Transport = NewTransport(c.HTTPClient.Transport, cfg.Header)
	c.HTTPClient.Timeout = cfg.Timeout
	return c
}

// Fetch sends req off the loop with the context of the calling flow, so the
// correlation id of the flow goes out with it. The returned promise settles
// on the loop in that flow. Call it from code running on the loop.
func Fetch(s correlation.Store, c *retryablehttp.Client, req *http.Request) *flow.Promise[*http.Response] {
	return flow.Go(s.Loop(), func(ctx context.Context) (*http.Response, error) {
		rr, err := retryablehttp.FromRequest(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		return c.Do(rr)
	})
}
