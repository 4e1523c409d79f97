package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"nhooyr.io/websocket"

	"github.com/tinoosan/cidscope/internal/correlation"
	"github.com/tinoosan/cidscope/internal/data"
	"github.com/tinoosan/cidscope/internal/emitter"
	"github.com/tinoosan/cidscope/internal/flow"
	"github.com/tinoosan/cidscope/internal/outbound"
	"github.com/tinoosan/cidscope/internal/reqid"
	"github.com/tinoosan/cidscope/internal/service"
)

const (
	pingTries     = 3
	echoKeepalive = 30 * time.Second
)

// Handlers serves the demo API. Every handler runs on the loop of the
// store, inside the scope entered by CorrelationID.
type Handlers struct {
	log     *slog.Logger
	store   correlation.Store
	journal service.Journal
	client  *retryablehttp.Client
	health  healthpb.HealthClient
	header  string
}

// NewHandlers wires the demo handlers. journal, client and conn may be nil,
// in which case journaling is skipped, /chain uses a default client and
// /ping answers 503.
func NewHandlers(log *slog.Logger, store correlation.Store, journal service.Journal, client *retryablehttp.Client, conn grpc.ClientConnInterface, header string) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	if header == "" {
		header = reqid.Header
	}
	if client == nil {
		client = outbound.NewClient(outbound.ClientConfig{Header: header, Timeout: 10 * time.Second})
	}
	h := &Handlers{log: log, store: store, journal: journal, client: client, header: header}
	if conn != nil {
		h.health = healthpb.NewHealthClient(conn)
	}
	return h
}

func (h *Handlers) loop() *flow.Loop { return h.store.Loop() }

// GetCorrelation returns the correlation info of the request.
func (h *Handlers) GetCorrelation(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, CorrelationInfo(h.store, r)); err != nil {
		markErr(w, err)
	}
}

type delayResponse struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
	MS     int    `json:"ms"`
}

// Delay reports the correlation id before and after sleeping ms milliseconds.
func (h *Handlers) Delay(a *flow.Awaiter, w http.ResponseWriter, r *http.Request) error {
	ms := 10
	if v := r.URL.Query().Get("ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10000 {
			badRequest(w, ErrBadDelay)
			return nil
		}
		ms = n
	}
	before, _ := correlation.ID()
	flow.Sleep(a, time.Duration(ms)*time.Millisecond)
	after, _ := correlation.ID()
	return writeJSON(w, http.StatusOK, delayResponse{Before: before, After: after, MS: ms})
}

type chainResponse struct {
	Outer      string          `json:"outer,omitempty"`
	Inner      string          `json:"inner,omitempty"`
	After      string          `json:"after,omitempty"`
	Status     int             `json:"status"`
	Downstream json.RawMessage `json:"downstream,omitempty"`
}

type fetched struct {
	status int
	body   []byte
}

// Chain calls path on this server from a child scope, whose id is cid or a
// fresh one, and reports what each side saw.
func (h *Handlers) Chain(a *flow.Awaiter, w http.ResponseWriter, r *http.Request) error {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/v1/correlation"
	}
	if !strings.HasPrefix(path, "/") {
		badRequest(w, ErrBadPath)
		return nil
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	target := scheme + "://" + r.Host + path

	outer, _ := h.store.ID()
	var inner string
	p := correlation.EnterAsync(h.store, r.URL.Query().Get("cid"), func() *flow.Promise[fetched] {
		inner, _ = h.store.ID()
		req, err := http.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			return flow.Rejected[fetched](h.loop(), err)
		}
		return flow.Chain(outbound.Fetch(h.store, h.client, req), func(res *http.Response) *flow.Promise[fetched] {
			return flow.Go(h.loop(), func(context.Context) (fetched, error) {
				defer res.Body.Close()
				b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
				return fetched{status: res.StatusCode, body: b}, err
			})
		})
	})
	res, err := flow.Await(a, p)
	if err != nil {
		return err
	}
	after, _ := h.store.ID()

	out := chainResponse{Outer: outer, Inner: inner, After: after, Status: res.status}
	if body := bytes.TrimSpace(res.body); len(body) > 0 {
		if json.Valid(body) {
			out.Downstream = body
		} else {
			out.Downstream, _ = json.Marshal(string(body))
		}
	}
	return writeJSON(w, http.StatusOK, out)
}

type pingResponse struct {
	Outer    string `json:"outer,omitempty"`
	Inner    string `json:"inner,omitempty"`
	Upstream string `json:"upstream,omitempty"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

type pinged struct {
	status   string
	upstream string
}

// Ping checks the gRPC health service from a child scope, whose id is cid
// or a fresh one, retrying while the service is unavailable. Upstream is
// the id the service answered with.
func (h *Handlers) Ping(a *flow.Awaiter, w http.ResponseWriter, r *http.Request) error {
	if h.health == nil {
		markErr(w, ErrNoUpstream)
		http.Error(w, ErrNoUpstream.Error(), http.StatusServiceUnavailable)
		return nil
	}
	id := r.URL.Query().Get("cid")
	if id == "" {
		id = correlation.NewID()
	}
	l := h.loop()

	outer, _ := h.store.ID()
	var (
		inner    string
		attempts int
	)
	p := correlation.EnterAsync(h.store, id, func() *flow.Promise[pinged] {
		inner, _ = h.store.ID()
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = time.Second
		return flow.Retry(l, b, pingTries, func() *flow.Promise[pinged] {
			attempts++
			return flow.Go(l, func(ctx context.Context) (pinged, error) {
				var md metadata.MD
				res, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{}, grpc.Header(&md))
				if err != nil {
					if status.Code(err) != codes.Unavailable {
						err = backoff.Permanent(err)
					}
					return pinged{}, err
				}
				out := pinged{status: res.GetStatus().String()}
				if v := md.Get(reqid.MetadataKey); len(v) > 0 {
					out.upstream = v[0]
				}
				return out, nil
			})
		})
	})
	res, err := flow.Await(a, p)
	if err != nil {
		markErr(w, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return nil
	}
	return writeJSON(w, http.StatusOK, pingResponse{
		Outer:    outer,
		Inner:    inner,
		Upstream: res.upstream,
		Status:   res.status,
		Attempts: attempts,
	})
}

// Journal lists journal entries for cid, or the most recent ones.
func (h *Handlers) Journal(a *flow.Awaiter, w http.ResponseWriter, r *http.Request) error {
	if h.journal == nil {
		return writeJSON(w, http.StatusOK, data.Entries{})
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, ErrBadLimit)
			return nil
		}
		limit = n
	}
	cid := r.URL.Query().Get("cid")
	entries, err := flow.Await(a, flow.Go(h.loop(), func(ctx context.Context) (data.Entries, error) {
		return h.journal.List(ctx, cid, limit)
	}))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, entries)
}

type echoReply struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Echo          string `json:"echo"`
}

// Echo upgrades to a websocket and answers every text message with the
// message and the correlation id of the upgrade request. Messages are
// published on an emitter bound to the request scope, and the connection is
// pinged every echoKeepalive.
func (h *Handlers) Echo(a *flow.Awaiter, w http.ResponseWriter, r *http.Request) error {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the failure response.
		markErr(w, err)
		return nil
	}
	l := h.loop()

	em := emitter.New(emitter.WithLogger(h.log))
	em.On("message", func(args ...any) {
		msg, _ := args[0].([]byte)
		id, _ := correlation.ID()
		b, err := json.Marshal(echoReply{CorrelationID: id, Echo: string(msg)})
		if err != nil {
			return
		}
		flow.Go(l, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.Write(ctx, websocket.MessageText, b)
		}).Observe(func(err error) {
			if err != nil {
				h.log.DebugContext(h.store.Context(), "websocket write", "err", err)
			}
		})
	})
	correlation.Bind(em)
	// Called from the read goroutine; the wrapper runs it on the loop.
	deliver := correlation.BindFunc(h.store, func(msg []byte) { em.Emit("message", msg) })

	keepalive := l.SetInterval(echoKeepalive, func() {
		flow.Go(l, func(ctx context.Context) (struct{}, error) {
			ctx, cancel := context.WithTimeout(ctx, echoKeepalive)
			defer cancel()
			return struct{}{}, c.Ping(ctx)
		}).Observe(func(err error) {
			if err != nil {
				h.log.DebugContext(h.store.Context(), "websocket ping", "err", err)
			}
		})
	})
	defer keepalive.Stop()

	_, err = flow.Await(a, flow.Go(l, func(ctx context.Context) (struct{}, error) {
		defer c.Close(websocket.StatusInternalError, "")
		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				return struct{}{}, err
			}
			deliver(msg)
		}
	}))
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	h.log.WarnContext(h.store.Context(), "websocket closed", "err", err)
	return nil
}
