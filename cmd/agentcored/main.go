// Command agentcored runs the coordination core as a daemon: it owns the
// durable store, serves metrics and introspection over HTTP, monitors
// resource pressure, and periodically recovers expired leases.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"agentcore/pkg/breaker"
	"agentcore/pkg/config"
	"agentcore/pkg/coordinator"
	"agentcore/pkg/logx"
	"agentcore/pkg/metrics"
	"agentcore/pkg/proto"
	"agentcore/pkg/resource"
	"agentcore/pkg/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (JSON or YAML)")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agentcored: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := logx.NewLogger("agentcored")

	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store open at %s", cfg.Store.Path)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewRecorder(registry)

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout(),
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		StateTTL:         cfg.Breaker.StateTTL(),
		MetricsTTL:       cfg.Breaker.MetricsTTL(),
	}
	breakers := breaker.NewRegistry(breakerCfg, st, recorder)

	coord := coordinator.New(cfg.Coordinator, st, recorder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Startup scan: reclaim leases orphaned by the previous process.
	if recovered, err := coord.RecoverPending(ctx, ""); err != nil {
		logger.Error("startup lease recovery failed: %v", err)
	} else if recovered > 0 {
		logger.Info("recovered %d orphaned leases at startup", recovered)
	}

	sampler, err := resource.NewSystemSampler()
	if err != nil {
		return err
	}
	detector, err := resource.NewDetector(cfg.Detector, sampler, breakers, recorder)
	if err != nil {
		return err
	}
	detector.StartMonitoring(ctx)
	defer detector.StopMonitoring()

	scheduler := cron.New()
	recoveryEvery := fmt.Sprintf("@every %s", cfg.Coordinator.RecoveryInterval())
	if _, err := scheduler.AddFunc(recoveryEvery, func() {
		if n, err := coord.RecoverPending(ctx, ""); err != nil {
			logger.Error("lease recovery failed: %v", err)
		} else if n > 0 {
			logger.Info("recovered %d expired leases", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule lease recovery: %w", err)
	}
	if _, err := scheduler.AddFunc("@every 1m", func() {
		if n, err := st.PurgeExpired(ctx); err != nil {
			logger.Error("store purge failed: %v", err)
		} else if n > 0 {
			logger.Debug("purged %d expired keys", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule store purge: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	var querySvc *metrics.QueryService
	if cfg.Metrics.PrometheusURL != "" {
		querySvc, err = metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return fmt.Errorf("failed to create metrics query service: %w", err)
		}
		logger.Info("aggregated stats backed by %s", cfg.Metrics.PrometheusURL)
	}

	server := newHTTPServer(cfg.Metrics.ListenAddr, registry, coord, breakers, detector, querySvc)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("serving metrics and introspection on %s", cfg.Metrics.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed: %v", err)
	}
	return nil
}

func newHTTPServer(addr string, registry *prometheus.Registry, coord *coordinator.Coordinator, breakers *breaker.Registry, detector *resource.Detector, querySvc *metrics.QueryService) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/queues", func(w http.ResponseWriter, r *http.Request) {
		recipientKey := r.URL.Query().Get("recipient")
		recipient, err := proto.ParseAgentID(recipientKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stats, err := coord.Stats(r.Context(), recipient)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	})

	mux.HandleFunc("/circuits", func(w http.ResponseWriter, r *http.Request) {
		states := make(map[string]string)
		for _, name := range breakers.Names() {
			if b, ok := breakers.Lookup(name); ok {
				states[name] = b.State().String()
			}
		}
		writeJSON(w, states)
	})

	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, detector.GetCurrentStatus())
	})

	// Aggregated per-recipient delivery totals, read back from Prometheus.
	// Available only when metrics.prometheus_url is configured.
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if querySvc == nil {
			http.Error(w, "metrics.prometheus_url is not configured", http.StatusServiceUnavailable)
			return
		}
		recipient := r.URL.Query().Get("recipient")
		if _, err := proto.ParseAgentID(recipient); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stats, err := querySvc.GetDeliveryStats(r.Context(), recipient)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, stats)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
