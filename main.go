// Command llmrouter is the multi-account LLM request router: it discovers
// auth profiles, supervises one worker subprocess per profile, and fronts
// them with a single OpenAI-compatible HTTP gateway. Flag and wiring style
// follows the teacher (slimsag/http-server-stabilizer)'s main.go: package
// flags and a side Prometheus listener; fatal startup errors are logged and
// end the process with the spec §6.5 exit code. Generalized here from "N
// replicas of one command" to "one command per discovered auth profile,
// reconciled at startup and on /router/reload".
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/multiaccount/llmrouter/internal/config"
	"github.com/multiaccount/llmrouter/internal/metrics"
	"github.com/multiaccount/llmrouter/internal/registry"
	"github.com/multiaccount/llmrouter/internal/router"
	"github.com/multiaccount/llmrouter/internal/supervisor"
)

var (
	flagAuthDir           = flag.String("auth-dir", "./auth_profiles/multi", "directory of auth profile JSON files (spec 6.1)")
	flagWorkerExec        = flag.String("worker-exec", "", "path to the worker subprocess binary; required")
	flagPrometheus        = flag.String("prometheus", ":6060", "address to publish Prometheus metrics on; empty disables it")
	flagPrometheusAppName = flag.String("prometheus-app-name", "", "app name prefix for Prometheus metric names")
)

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: llmrouter [flags] <config.json>")
		flag.Usage()
		os.Exit(2)
	}
	if *flagWorkerExec == "" {
		fmt.Fprintln(os.Stderr, "llmrouter: -worker-exec is required")
		os.Exit(2)
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		log.Printf("llmrouter: configuration invalid: %v", err)
		os.Exit(2)
	}

	enabledAccounts := 0
	for _, a := range cfg.Accounts {
		if a.Enabled == nil || *a.Enabled {
			enabledAccounts++
		}
	}
	if enabledAccounts == 0 {
		log.Printf("llmrouter: no enabled accounts in configuration")
		os.Exit(4)
	}

	m := metrics.New(*flagPrometheusAppName)

	if *flagPrometheus != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*flagPrometheus, mux); err != nil {
				log.Printf("llmrouter: prometheus listener: %v", err)
			}
		}()
	}

	sup := supervisor.New(cfg, *flagAuthDir, *flagWorkerExec, m)
	reg := registry.New(cfg.CooldownDuration(), cfg.Fallbacks)
	gw := router.New(cfg, sup, reg, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.ReconcileFleet(ctx); err != nil {
		log.Printf("llmrouter: initial fleet reconcile failed: %v", err)
	}

	go sup.Run(ctx)
	go gw.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Router.Host, cfg.Router.Port)
	srv := &http.Server{Addr: addr, Handler: gw}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("llmrouter: listening on %s", addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("llmrouter: unable to bind %s: %v", addr, err)
			os.Exit(3)
		}
	case <-ctx.Done():
		log.Printf("llmrouter: shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultGraceTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		sup.Shutdown(shutdownCtx)
	}

	os.Exit(0)
}
