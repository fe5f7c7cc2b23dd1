package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/lattice/internal/cluster"
	"github.com/oriys/lattice/internal/config"
	"github.com/oriys/lattice/internal/engine"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
	"github.com/oriys/lattice/internal/observability"
	"github.com/oriys/lattice/internal/partition"
	"github.com/oriys/lattice/internal/store"
	"github.com/oriys/lattice/internal/transport"
)

func nodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Run a grid member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode()
		},
	}
}

func runNode() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.InitStructured(cfg.LogFormat, cfg.LogLevel)
	logging.Calls().SetConsole(true)

	addr, err := cluster.ParseAddress(cfg.BindAddress)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.TraceEnabled,
		Exporter:    "otlp-http",
		Endpoint:    cfg.TraceEndpoint,
		ServiceName: "lattice",
		SampleRate:  cfg.TraceSample,
	}); err != nil {
		return err
	}
	defer observability.Shutdown(context.Background())

	var pg *store.PostgresStore
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
	}

	members := cluster.NewRegistry(pg, cluster.DefaultConfig(addr.String()))
	defer members.Stop()

	partitions := partition.NewTable(cfg.PartitionCount)
	// Single-member bootstrap: own every primary until a rebalance
	// repoints the table.
	partitions.AssignAll(addr)

	tr, err := transport.Connect(transport.Config{URL: cfg.NATSURL}, addr)
	if err != nil {
		return err
	}
	defer tr.Close()

	engCfg := engine.DefaultConfig(addr)
	engCfg.DefaultCallTimeout = cfg.DefaultCallTimeout
	engCfg.Runners = cfg.Runners
	eng := engine.New(engCfg, members, partitions, tr)

	metrics.InitPrometheus("lattice", func() float64 {
		return float64(eng.PendingCalls())
	})

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Shutdown()

	go members.StartHealthChecker(ctx)
	go heartbeatLoop(ctx, members, addr)

	httpSrv := serveHTTP(cfg.HTTPAddr)
	defer httpSrv.Shutdown(context.Background())

	logging.Op().Info("lattice node running",
		"address", addr.String(), "http", cfg.HTTPAddr, "partitions", cfg.PartitionCount)

	<-ctx.Done()
	logging.Op().Info("shutting down")
	return nil
}

func heartbeatLoop(ctx context.Context, members *cluster.Registry, self cluster.Address) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := members.UpdateHeartbeat(ctx, self); err != nil {
				logging.Op().Warn("heartbeat failed", "error", err)
			}
			metrics.SetClusterSize(len(members.Members()))
		}
	}
}

func serveHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server failed", "error", err)
		}
	}()
	return srv
}
