package router

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/tinoosan/cidscope/api/v1"
	"github.com/tinoosan/cidscope/internal/auth"
	"github.com/tinoosan/cidscope/internal/correlation"
)

// Options tunes the correlation adapter mounted on /v1.
type Options struct {
	Header string
	// Admit limits correlation handling to matching paths. Nil admits all.
	Admit func(path string) bool
	// JournalToken guards /v1/journal with a bearer token when set.
	JournalToken string
}

// New sets up the application routes and required middleware.
func New(logger *slog.Logger, store correlation.Store, h *v1.Handlers, opts Options) *mux.Router {

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")
	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !store.Loop().Running() || !correlation.IsInited() {
			http.Error(w, v1.ErrLoopStopped.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ready")); err != nil {
			logger.Error("write readyz response", "err", err)
		}
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Use(h.Log)

	adapterOpts := []v1.Option{v1.WithHeader(opts.Header), v1.WithAdapterLogger(logger)}
	if opts.Admit != nil {
		admit := opts.Admit
		adapterOpts = append(adapterOpts, v1.WithFilter(func(r *http.Request) bool { return admit(r.URL.Path) }))
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(v1.CorrelationID(store, adapterOpts...))

	l := store.Loop()
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/correlation", h.GetCorrelation)
	get.Handle("/delay", v1.Async(l, h.Delay))
	get.Handle("/chain", v1.Async(l, h.Chain))
	get.Handle("/ping", v1.Async(l, h.Ping))
	get.Handle("/journal", auth.Bearer(opts.JournalToken)(v1.Async(l, h.Journal)))
	get.Handle("/ws", v1.Async(l, h.Echo))

	return r
}
