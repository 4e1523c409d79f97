package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	v1 "github.com/tinoosan/cidscope/api/v1"
	"github.com/tinoosan/cidscope/internal/config"
	"github.com/tinoosan/cidscope/internal/correlation"
	"github.com/tinoosan/cidscope/internal/flow"
	"github.com/tinoosan/cidscope/internal/journal"
	"github.com/tinoosan/cidscope/internal/logging"
	"github.com/tinoosan/cidscope/internal/metrics"
	"github.com/tinoosan/cidscope/internal/outbound"
	"github.com/tinoosan/cidscope/internal/repo"
	"github.com/tinoosan/cidscope/internal/router"
	"github.com/tinoosan/cidscope/internal/service"
)

func newServeCmd() *cobra.Command {
	var configPath, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the config")
	return cmd
}

type journalStore interface {
	repo.EntryRepo
	Close() error
}

func openJournal(cfg *config.Config) (repo.EntryRepo, func() error, error) {
	if cfg.Journal.Backend != config.BackendPostgres {
		return repo.NewInMemoryEntryRepo(), func() error { return nil }, nil
	}
	var (
		pg  journalStore
		err error
	)
	if cfg.Journal.DSN != "" {
		pg, err = repo.NewPostgresRepo(cfg.Journal.DSN)
	} else {
		pg, err = repo.NewPostgresRepoFromEnv()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return pg, pg.Close, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	metrics.Register()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := flow.New(flow.WithLogger(logger))
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(loopCtx) }()

	store, err := correlation.New(correlation.WithLoop(loop), correlation.WithLogger(logger))
	if err != nil {
		stopLoop()
		return err
	}
	correlation.Init(store)
	defer correlation.Init(nil)

	entries, closeJournal, err := openJournal(cfg)
	if err != nil {
		stopLoop()
		return err
	}
	defer closeJournal()
	rec := journal.New(logger, entries, cfg.Journal.Buffer)
	rec.Run()
	journalSvc := service.NewJournal(entries, rec)

	client := outbound.NewClient(outbound.ClientConfig{
		Header:       cfg.Header,
		RetryMax:     cfg.Outbound.RetryMax,
		RetryWaitMin: cfg.Outbound.RetryWaitMin,
		RetryWaitMax: cfg.Outbound.RetryWaitMax,
		Timeout:      cfg.Outbound.Timeout,
		Logger:       logger,
	})
	grpcServer, conn, err := startGRPC(logger, store, cfg.GRPCAddr)
	if err != nil {
		rec.Stop()
		stopLoop()
		return err
	}
	var upstream grpc.ClientConnInterface
	if conn != nil {
		defer conn.Close()
		upstream = conn
	}
	handlers := v1.NewHandlers(logger, store, journalSvc, client, upstream, cfg.Header)
	r := router.New(logger, store, handlers, router.Options{
		Header:       cfg.Header,
		Admit:        cfg.Admit,
		JournalToken: cfg.Journal.Token,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		IdleTimeout:  120 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("starting cidscope API", "addr", server.Addr, "journal", cfg.Journal.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received terminate, graceful shutdown")
	case err = <-srvErr:
	}

	timeoutContext, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(timeoutContext); serr != nil {
		logger.Error("server shutdown", "err", serr)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	rec.Stop()
	stopLoop()
	if lerr := <-loopDone; lerr != nil && !errors.Is(lerr, context.Canceled) {
		logger.Error("loop stopped", "err", lerr)
	}
	return err
}

// startGRPC serves the health service on addr and dials it for /v1/ping.
// An empty addr disables both and returns nils.
func startGRPC(logger *slog.Logger, store correlation.Store, addr string) (*grpc.Server, *grpc.ClientConn, error) {
	if addr == "" {
		return nil, nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen grpc: %w", err)
	}
	srv := outbound.NewServer(store)
	go func() {
		logger.Info("starting cidscope gRPC", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server", "err", err)
		}
	}()
	conn, err := outbound.Dial(lis.Addr().String(), "cidscope")
	if err != nil {
		srv.Stop()
		return nil, nil, fmt.Errorf("dial grpc: %w", err)
	}
	return srv, conn, nil
}
