package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shaiso/Stepwise/internal/dispatcher"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/job"
	"github.com/shaiso/Stepwise/internal/mq"
	"github.com/shaiso/Stepwise/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 50
	defaultPrefetch     = 5
)

// Worker выполняет DISPATCHED-шаги.
//
// Worker — stateless компонент системы, который:
//   - Получает step.dispatched из очередей своих групп (event-driven)
//   - Периодически забирает DISPATCHED-шаги из БД (polling fallback)
//   - Запускает Job.Compute и применяет Outcome к шагу
//
// Несколько воркеров могут слушать одну очередь: шаг забирает тот,
// кто первым выиграл CAS DISPATCHED → RUNNING.
type Worker struct {
	steps repo.StepStore
	conn  *mq.Connection
	jobs  *job.Registry
	env   *job.Env

	consumers []*mq.Consumer

	groups       []string
	maxRetries   int
	pollInterval time.Duration
	batchSize    int
	hostname     string
	now          func() time.Time

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Steps repo.StepStore

	// Conn — соединение с RabbitMQ. nil → только polling.
	Conn *mq.Connection

	// Jobs — реестр job-классов.
	Jobs *job.Registry

	// Env — зависимости, которые получает каждый job (опционально).
	Env *job.Env

	// Groups — группы (и одноимённые очереди), которые обслуживает воркер.
	Groups []string

	// MaxRetries — после стольких retry шаг падает (default: dispatcher.DefaultMaxRetries).
	MaxRetries int

	PollInterval time.Duration // default: 10s
	BatchSize    int           // default: 50

	// Hostname пишется в шаг при захвате (default: os.Hostname).
	Hostname string

	Logger *slog.Logger
	Now    func() time.Time
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = dispatcher.DefaultMaxRetries
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = []string{domain.DefaultGroup}
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Jobs == nil {
		cfg.Jobs = job.NewRegistry()
	}

	env := cfg.Env
	if env == nil {
		env = &job.Env{}
	}
	if env.Steps == nil {
		env.Steps = cfg.Steps
	}
	if env.Logger == nil {
		env.Logger = cfg.Logger
	}

	return &Worker{
		steps:        cfg.Steps,
		conn:         cfg.Conn,
		jobs:         cfg.Jobs,
		env:          env,
		groups:       cfg.Groups,
		maxRetries:   cfg.MaxRetries,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		hostname:     cfg.Hostname,
		now:          cfg.Now,
		logger:       cfg.Logger.With("component", "worker"),
	}
}

// Start запускает consumer'ы групп (если есть RabbitMQ) и polling.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"groups", w.groups,
		"hostname", w.hostname,
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"jobs", w.jobs.Classes(),
	)

	if w.conn != nil {
		for _, group := range w.groups {
			consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
				Queue:    string(mq.StepQueue(group)),
				Handler:  w.handleStepDispatched,
				Prefetch: defaultPrefetch,
			})
			w.consumers = append(w.consumers, consumer)

			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Error("step consumer error", "group", group, "error", err)
				}
			}()
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения текущих job'ов.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	for _, c := range w.consumers {
		c.Stop()
	}

	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// pollLoop — цикл polling для fallback.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу: подхватываем шаги, отправленные пока воркер был выключен
	// или чья публикация не прошла.
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll забирает DISPATCHED-шаги всех групп воркера.
func (w *Worker) poll(ctx context.Context) {
	for _, group := range w.groups {
		steps, err := w.steps.List(ctx, repo.StepFilter{
			Group:  group,
			States: []domain.StepState{domain.StepStateDispatched},
			Limit:  w.batchSize,
		})
		if err != nil {
			w.logger.Error("failed to list dispatched steps", "group", group, "error", err)
			continue
		}
		if len(steps) == 0 {
			continue
		}

		w.logger.Debug("poll found dispatched steps", "group", group, "count", len(steps))

		for i := range steps {
			if ctx.Err() != nil {
				return
			}
			if err := w.Process(ctx, steps[i].ID); err != nil && !isSkippable(err) {
				w.logger.Error("failed to process step from poll", "step_id", steps[i].ID, "error", err)
			}
		}
	}
}
