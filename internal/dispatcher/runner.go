package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultTickSpec — частота тиков каждой группы.
const DefaultTickSpec = "@every 1s"

// RunnerConfig — конфигурация Runner.
type RunnerConfig struct {
	Dispatcher *Dispatcher
	Groups     []string

	// Spec — расписание тиков в формате robfig/cron (default: DefaultTickSpec).
	Spec string

	Logger *slog.Logger
}

// Runner запускает Tick каждой группы по расписанию.
//
// Внутри процесса тики одной группы не перекрываются (SkipIfStillRunning),
// между процессами их разделяет строка dispatch_locks.
type Runner struct {
	dispatcher *Dispatcher
	groups     []string
	spec       string
	logger     *slog.Logger

	cron       *cron.Cron
	cancelFunc context.CancelFunc
	mu         sync.Mutex
}

// NewRunner создаёт Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Spec == "" {
		cfg.Spec = DefaultTickSpec
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		dispatcher: cfg.Dispatcher,
		groups:     cfg.Groups,
		spec:       cfg.Spec,
		logger:     cfg.Logger.With("component", "dispatch_runner"),
	}
}

// Start регистрирует по одной cron-записи на группу и запускает cron.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.groups) == 0 {
		return fmt.Errorf("no dispatch groups configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(r.logger.Handler(), slog.LevelDebug))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	for _, group := range r.groups {
		if _, err := c.AddFunc(r.spec, r.tickFunc(ctx, group)); err != nil {
			cancel()
			return fmt.Errorf("schedule group %s: %w", group, err)
		}
	}

	r.cron = c
	r.cancelFunc = cancel
	c.Start()

	r.logger.Info("dispatch runner started", "groups", r.groups, "spec", r.spec)
	return nil
}

func (r *Runner) tickFunc(ctx context.Context, group string) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		_, err := r.dispatcher.Tick(ctx, group)
		if err != nil && !errors.Is(err, ErrLockHeld) && !errors.Is(err, context.Canceled) {
			r.logger.Error("dispatch tick failed", "group", group, "error", err)
		}
	}
}

// Stop останавливает cron и ждёт завершения текущих тиков.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return
	}
	r.logger.Info("stopping dispatch runner...")
	<-r.cron.Stop().Done()
	r.cancelFunc()
	r.cron = nil
	r.logger.Info("dispatch runner stopped")
}
