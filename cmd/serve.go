package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cocoon-broker/blobstore"
	"github.com/projecteru2/cocoon-broker/broker"
	"github.com/projecteru2/cocoon-broker/gc"
)

// sweepInterval is how often the blob store's GC orchestrator runs on its
// own, independent of the per-transfer and per-job-completion triggers: a
// backstop against anything those miss, e.g. a broker restart that skipped
// a pending sweep.
const sweepInterval = 5 * time.Minute

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept client/worker/artifact connections and schedule jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(commandContext(cmd))
		},
	}
}

func runServe(ctx context.Context) error {
	logger := log.WithFunc("cmd.runServe")

	store := blobstore.New(conf.BlobsDir(), conf.BlobIndexLock(), conf.BlobIndexFile())

	pool, err := ants.NewPool(conf.PoolSize)
	if err != nil {
		return fmt.Errorf("create goroutine pool: %w", err)
	}
	defer pool.Release()

	trigger := broker.NewSweepTrigger()
	sched := broker.NewScheduler(store, trigger)
	transfer := broker.NewTransfer(store, conf.TempDir(), sched, trigger)
	mux := broker.NewMux(sched, transfer)

	ln, err := net.Listen("tcp", conf.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", conf.ListenAddr, err)
	}

	go sched.Run(ctx)
	go runSweepLoop(ctx, store, pool, trigger)

	var httpSrv *http.Server
	if conf.HTTPListenAddr != "" {
		httpSrv = newStatsServer(conf.HTTPListenAddr, sched)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warnf(ctx, "stats http server: %v", err)
			}
		}()
	}

	logger.Infof(ctx, "broker listening on %s", conf.ListenAddr)
	serveErr := mux.Serve(ctx, ln)
	sched.Stop()

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(conf.StopTimeoutSeconds)*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}

// runSweepLoop runs the blob store's GC orchestrator whenever trigger
// fires (after every completed artifact transfer and every job completion)
// or, failing that, every sweepInterval.
func runSweepLoop(ctx context.Context, store *blobstore.Store, pool *ants.Pool, trigger broker.SweepTrigger) {
	logger := log.WithFunc("cmd.runSweepLoop")
	o := gc.New()
	gc.Register(o, store.Sweep(conf.TempDir(), conf.SweepTargetBytes, pool))

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Run(ctx); err != nil {
				logger.Warnf(ctx, "sweep: %v", err)
			}
		case <-trigger:
			if err := o.Run(ctx); err != nil {
				logger.Warnf(ctx, "sweep: %v", err)
			}
		}
	}
}

// newStatsServer builds a minimal debug HTTP server exposing broker
// statistics as JSON; it exists purely for operational visibility and
// carries no part of the scheduling protocol itself, which is served only
// over the length-prefixed wire codec.
func newStatsServer(addr string, sched *broker.Scheduler) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		snap, err := sched.Stats(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
