package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aravinth/rkv/internal/metrics"
	"github.com/aravinth/rkv/internal/persistence"
	"github.com/aravinth/rkv/internal/replication"
	"github.com/aravinth/rkv/internal/server"
	"github.com/aravinth/rkv/internal/store"
	"github.com/aravinth/rkv/internal/stream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	fmt.Print(`
        __
   _____/ /____   __
  / ___/ //_/ | / /
 / /  / ,<  | |/ /
/_/  /_/|_| |___/
`)
	log.Printf("starting rkv server")
	log.Printf("  port:         %d", o.server.Port)
	log.Printf("  maxclients:   %d", o.server.MaxConnections)
	log.Printf("  dir:          %s", o.persist.Dir)
	log.Printf("  dbfilename:   %s", o.persist.DBFilename)
	if o.replicaOf != "" {
		log.Printf("  replicaof:    %s:%d", o.masterHost, o.masterPort)
	} else {
		log.Printf("  repl-backlog: %d bytes", o.backlogSize)
	}
	if o.metricsPort > 0 {
		log.Printf("  metrics-port: %d", o.metricsPort)
	}

	sm := store.NewShardedMap()
	streams := stream.NewRegistry()

	// The snapshot is loaded before the listener exists, so no client can
	// observe a partially loaded store.
	stats, err := persistence.NewLoader(sm, o.persist).Load()
	if err != nil {
		if errors.Is(err, persistence.ErrBadHeader) {
			return fmt.Errorf("refusing to start: %w", err)
		}
		log.Printf("snapshot: %v; continuing with %d keys", err, stats.Loaded)
	}

	replState := replication.NewReplState()
	var (
		master *replication.MasterState
		slave  *replication.SlaveState
	)
	if o.replicaOf == "" {
		master = replication.NewMasterState(replState, persistence.EmptySnapshot, o.backlogSize)
		master.SetPingInterval(o.pingPeriod)
		master.Start()
	} else {
		slave = replication.NewSlaveState(replState, replication.NewStoreApplier(sm), o.server.Port)
	}

	srv := server.New(o.server, sm, streams, o.persist, replState, master, slave)
	if err := srv.Listen(); err != nil {
		if master != nil {
			master.Stop()
		}
		return err
	}

	// Connect only once the announced listening port is open.
	if slave != nil {
		slave.ConnectToMaster(ctx, o.masterHost, o.masterPort)
	}

	var metricsSrv *http.Server
	if o.metricsPort > 0 {
		collector := metrics.NewCollector(metrics.Sources{
			Store:     sm,
			Streams:   streams,
			Server:    srv,
			ReplState: replState,
			Master:    master,
			Slave:     slave,
			StartTime: srv.Handler().StartTime(),
		})
		metrics.Register(prometheus.DefaultRegisterer, collector)
		srv.Handler().SetMetrics(metrics.CommandCount, metrics.CommandDuration)

		metricsSrv, err = metrics.StartHTTPServer(o.metricsPort, prometheus.DefaultGatherer)
		if err != nil {
			log.Printf("%v; continuing without metrics", err)
		}
	}

	serveErr := srv.Serve(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metrics.ShutdownHTTPServer(shutdownCtx, metricsSrv)
		cancel()
	}

	log.Println("shutdown complete")
	return serveErr
}
