// Stepwise Worker — выполняет DISPATCHED шаги.
//
// Worker:
//   - Получает шаги из очередей steps.<group> для групп из WORKER_GROUPS
//   - Захватывает шаг (DISPATCHED → RUNNING) и вызывает его job
//   - Переводит Outcome job'а в состояние шага
//   - Делит кэш идемпотентности и лимиты бирж с другими воркерами через Redis
//
// Workers масштабируются горизонтально. Перед перезапуском выключите
// отправку шагов и дождитесь `stepwise restart check --wait`.
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
	"github.com/shaiso/Stepwise/internal/cache"
	"github.com/shaiso/Stepwise/internal/config"
	"github.com/shaiso/Stepwise/internal/dispatcher"
	"github.com/shaiso/Stepwise/internal/idempotency"
	"github.com/shaiso/Stepwise/internal/job"
	"github.com/shaiso/Stepwise/internal/jobs"
	"github.com/shaiso/Stepwise/internal/mq"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/telemetry"
	"github.com/shaiso/Stepwise/internal/throttle"
	"github.com/shaiso/Stepwise/internal/worker"
)

func main() {
	logger := telemetry.SetupLogger("stepwise-worker")
	logger.Info("starting stepwise-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	groups := config.Groups("WORKER_GROUPS")
	maxRetries, err := config.Int("MAX_RETRIES", dispatcher.DefaultMaxRetries)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	pollInterval, err := config.Duration("WORKER_POLL_INTERVAL", 10*time.Second)
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

	steps := repo.NewStepRepo(pool)

	// Redis: кэш идемпотентности и общие окна лимитов.
	// Без него job'ы работают без кэша, а лимиты считаются только локально.
	var shared *cache.Cache
	var idem *idempotency.Store
	redisClient, err := cache.NewClient(ctx)
	if err != nil {
		logger.Warn("Redis not available, idempotency cache and shared throttling disabled", "error", err)
	} else {
		defer redisClient.Close()
		logger.Info("Redis connected")
		shared = cache.New(redisClient, cache.WithLogger(logger))
		idem = idempotency.New(shared, idempotency.WithLogger(logger))
	}

	identity := config.NetworkIdentity()
	throttles := throttle.NewRegistry()
	for system, profile := range throttle.Profiles() {
		throttles.Register(system, throttle.New(shared, identity, profile, throttle.WithLogger(logger)))
	}

	// RabbitMQ
	var mqConn *mq.Connection
	mqConn, err = mq.NewConnection(mq.URLFromEnv(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn, groups); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
	}

	registry := job.NewRegistry()
	jobs.Register(registry, &http.Client{Timeout: 60 * time.Second})

	w := worker.New(worker.Config{
		Steps: steps,
		Conn:  mqConn,
		Jobs:  registry,
		Env: &job.Env{
			Idempotency: idem,
			Throttles:   throttles,
			Logger:      logger,
		},
		Groups:       groups,
		MaxRetries:   maxRetries,
		PollInterval: pollInterval,
		Logger:       logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	logger.Info("worker started",
		"groups", groups,
		"job_classes", registry.Classes(),
		"network_identity", identity,
	)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	checks := []api.HealthCheck{{Name: "postgres", Check: pool.Ping}}
	if mqConn != nil {
		checks = append(checks, api.HealthCheck{Name: "rabbitmq", Check: mqConn.Check})
	}
	if shared != nil {
		checks = append(checks, api.HealthCheck{Name: "redis", Check: shared.Ping})
	}
	mux.Handle("/healthz", api.Health(2*time.Second, checks...))
	mux.Handle("/metrics", promhttp.Handler())

	addr := config.Addr("WORKER_PORT", "8082")
	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Stop дожидается шагов в работе
	w.Stop()
	logger.Info("stepwise-worker stopped")
}
