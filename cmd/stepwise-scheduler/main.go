// Stepwise Scheduler — создаёт корневые шаги по расписаниям.
//
// Лидер выбирается через pg_try_advisory_lock: запускать можно несколько
// экземпляров, тикает только один. Повторный тик за то же время запуска
// не создаёт второй шаг (ключ идемпотентности schedule:<id>:<unix>).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Stepwise/internal/api"
	"github.com/shaiso/Stepwise/internal/config"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/scheduler"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger("stepwise-scheduler")
	logger.Info("starting stepwise-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	interval, err := config.Duration("SCHED_TICK_INTERVAL", scheduler.DefaultTickInterval)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	sched := scheduler.New(scheduler.Config{
		Schedules: repo.NewScheduleRepo(pool),
		Steps:     repo.NewStepRepo(pool),
		Logger:    logger,
	})
	lock := repo.NewAdvisoryLock(pool, repo.SchedulerLockKey)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.RunAsLeader(ctx, lock, interval)
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.Handle("/healthz", api.Health(2*time.Second, api.HealthCheck{Name: "postgres", Check: pool.Ping}))
	mux.Handle("/metrics", promhttp.Handler())

	addr := config.Addr("SCHED_PORT", "8081")
	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	// RunAsLeader отпускает advisory lock перед выходом.
	<-done
	logger.Info("stepwise-scheduler stopped")
}
