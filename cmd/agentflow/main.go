// Command agentflow runs the orchestrator: broker, agent registry, task
// distribution engine, workflow manager, scheduler, and a thin /health
// HTTP listener (metrics are pushed over OTLP; otelinit.InitMetrics returns
// no http.Handler, so no /metrics route is mounted) — grounded on the teacher's main.go
// bootstrap sequence (init logging → init tracer → init metrics →
// construct dependent components → serve → graceful shutdown).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenforge/agentflow/internal/broker"
	"github.com/lumenforge/agentflow/internal/logging"
	"github.com/lumenforge/agentflow/internal/orchestrator"
	"github.com/lumenforge/agentflow/internal/otelinit"
	"github.com/lumenforge/agentflow/internal/scheduler"
	"github.com/lumenforge/agentflow/internal/store"
)

func main() {
	service := "agentflow-orchestrator"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	facade := orchestrator.New()
	initErr := facade.Initialize(ctx, orchestrator.Options{
		Broker: broker.Options{
			Addr:     envOr("AGENTFLOW_REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("AGENTFLOW_REDIS_PASSWORD"),
		},
	})
	if initErr != nil {
		slog.Error("orchestrator: initialize failed", "error", initErr)
		os.Exit(1)
	}

	dataDir := envOr("AGENTFLOW_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("orchestrator: create data dir failed", "error", err)
		os.Exit(1)
	}

	archive, err := store.Open(dataDir, facade.Meter())
	if err != nil {
		slog.Error("orchestrator: open store failed", "error", err)
		os.Exit(1)
	}
	facade.SetArchive(archive)

	sched, err := scheduler.Open(dataDir, facade.WorkflowManager())
	if err != nil {
		slog.Error("orchestrator: open scheduler failed", "error", err)
		os.Exit(1)
	}
	if err := sched.RestoreSchedules(ctx); err != nil {
		slog.Warn("orchestrator: restore schedules failed", "error", err)
	}
	sched.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health, err := facade.GetSystemHealth(r.Context())
		if err != nil || !health.BrokerHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if h, ok := promHandler.(http.Handler); ok {
		mux.Handle("/metrics", h)
	}

	srv := &http.Server{Addr: envOr("AGENTFLOW_HTTP_ADDR", ":8080"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("orchestrator: http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("orchestrator: service started")
	<-ctx.Done()
	slog.Info("orchestrator: shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = sched.Stop(shutdownCtx)
	_ = archive.Close()
	_ = facade.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("orchestrator: shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
