// Stepwise Dispatcher — двигает шаги по жизненному циклу.
//
// Dispatcher:
//   - Раз в секунду выполняет тик каждой группы из DISPATCH_GROUPS
//   - Каскадирует skip/cancel/fail по дереву шагов, продвигает родителей
//   - Переводит готовые шаги в DISPATCHED и публикует их в RabbitMQ
//   - Обслуживает операторский API (breaker, safe-to-restart, steps, schedules)
//
// Несколько экземпляров безопасны: тики группы разделяет dispatch_locks.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Stepwise/internal/api"
	"github.com/shaiso/Stepwise/internal/breaker"
	"github.com/shaiso/Stepwise/internal/config"
	"github.com/shaiso/Stepwise/internal/dispatcher"
	"github.com/shaiso/Stepwise/internal/mq"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger("stepwise-dispatcher")
	logger.Info("starting stepwise-dispatcher")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	groups := config.Groups("DISPATCH_GROUPS")
	maxRetries, err := config.Int("MAX_RETRIES", dispatcher.DefaultMaxRetries)
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

	if err := repo.Migrate(ctx, pool, logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	steps := repo.NewStepRepo(pool)
	locks := repo.NewLockRepo(pool)
	settings := repo.NewSettingsRepo(pool)
	schedules := repo.NewScheduleRepo(pool)

	// RabbitMQ. Без него шаги остаются в DISPATCHED и забираются polling'ом воркеров.
	var publisher dispatcher.Publisher
	mqConn, err := mq.NewConnection(mq.URLFromEnv(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn, groups); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher = mq.NewPublisher(mqConn, logger)
	}

	brk := breaker.New(breaker.Config{Settings: settings, Steps: steps, Locks: locks, Logger: logger})

	d := dispatcher.New(dispatcher.Config{
		Steps:      steps,
		Locks:      locks,
		Breaker:    brk,
		Publisher:  publisher,
		MaxRetries: maxRetries,
		Logger:     logger,
	})
	runner := dispatcher.NewRunner(dispatcher.RunnerConfig{
		Dispatcher: d,
		Groups:     groups,
		Logger:     logger,
	})
	if err := runner.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	logger.Info("dispatching groups", "groups", groups, "max_retries", maxRetries)

	// HTTP: API + /healthz + /metrics
	mux := http.NewServeMux()
	checks := []api.HealthCheck{{Name: "postgres", Check: pool.Ping}}
	if mqConn != nil {
		checks = append(checks, api.HealthCheck{Name: "rabbitmq", Check: mqConn.Check})
	}
	mux.Handle("/healthz", api.Health(2*time.Second, checks...))
	mux.Handle("/metrics", promhttp.Handler())

	handler := api.NewHandler(api.Config{
		Steps:     steps,
		Schedules: schedules,
		Breaker:   brk,
		Logger:    logger,
	})
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              config.Addr("DISPATCHER_PORT", "8080"),
		Handler:           api.Stack(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	runner.Stop()
	logger.Info("stepwise-dispatcher stopped")
}
