package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/watch"
)

const badgerGCInterval = 10 * time.Minute

// runHeartbeat handles the heartbeat subcommand: a long-running process that
// advances every RUNNING crawl on the configured cron schedule
func runHeartbeat(args []string) {
	fs, cf := newFlagSet("heartbeat", "")
	schedule := fs.String("schedule", "", "Override heartbeat.schedule (cron spec or '@every 1m')")
	once := fs.Bool("once", false, "Run a single tick and exit")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *cf.logLevel == "warn" {
		*cf.logLevel = "info"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cf, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	log := a.log

	if *schedule != "" {
		a.cfg.Heartbeat.Schedule = *schedule
	}
	hb, err := watch.NewHeartbeat(a.orch, a.cfg.Heartbeat.Schedule, log.WithField("component", "main"))
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	if *once {
		hb.Tick(ctx)
		st := hb.Status()
		fmt.Printf("crawls=%d processed=%d failed=%d\n", st.Crawls, st.Processed, st.Failed)
		return
	}

	if *pprofAddr != "" {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("PANIC in pprof server: %v", r)
				}
			}()
			log.Infof("Starting pprof HTTP server on: http://%s/debug/pprof/", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Errorf("Pprof server failed to start on %s: %v", *pprofAddr, err)
			}
		}()
	}

	if bs, ok := a.store.(*storage.BadgerStore); ok {
		go bs.RunGC(ctx, badgerGCInterval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		log.Warnf("Received signal: %v. Finishing the current tick...", sig)
		cancel()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(2 * a.cfg.Crawl.LeaseTTL):
			log.Warn("Graceful shutdown period exceeded. Forcing exit.")
			os.Exit(1)
		}
	}()

	if err := hb.Run(ctx); err != nil {
		log.Errorf("Heartbeat stopped: %v", err)
		os.Exit(1)
	}
	log.Info("Heartbeat stopped.")
}
