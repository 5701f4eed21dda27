// Package dispatcher — тик диспетчера шагов одной группы.
//
// Тик:
//
//  1. захватить строку dispatch_locks группы (занята → тик пропускается);
//  2. выполнить фазы каскадов по порядку; первая фаза, изменившая хоть один
//     шаг, завершает тик;
//  3. если ни одна фаза не сработала, прочитать circuit breaker мимо кэша и,
//     если он включён, отправить готовые шаги;
//  4. освободить блокировку.
//
// Все записи идут через compare-and-swap по предыдущему состоянию: проигранная
// гонка с воркером или другим тиком логируется и пропускается, следующий тик
// увидит актуальное состояние. Каскады по дереву сходятся за несколько тиков,
// а не за один.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stepwise/internal/breaker"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Default configuration values.
const (
	DefaultMaxRetries = 10
	defaultBatchSize  = 100
)

// ErrLockHeld — блокировка группы занята другим тиком.
var ErrLockHeld = errors.New("dispatch lock held")

// Publisher отправляет DISPATCHED-шаг в очередь воркеров.
type Publisher interface {
	PublishStepDispatched(ctx context.Context, step *domain.Step) error
}

// Config — конфигурация Dispatcher.
type Config struct {
	Steps   repo.StepStore
	Locks   repo.LockStore
	Breaker *breaker.Breaker

	// Publisher — nil: шаги только коммитятся в DISPATCHED, воркеры забирают их polling'ом.
	Publisher Publisher

	MaxRetries     int           // default: DefaultMaxRetries
	BatchSize      int           // шагов на фазу за тик (default: 100)
	StaleLockAfter time.Duration // default: 1m

	Logger *slog.Logger
	Now    func() time.Time
}

// Dispatcher выполняет тики.
type Dispatcher struct {
	steps     repo.StepStore
	locks     repo.LockStore
	breaker   *breaker.Breaker
	publisher Publisher

	maxRetries int
	batchSize  int
	staleLock  time.Duration

	logger *slog.Logger
	now    func() time.Time

	phases []phase
}

// New создаёт Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.StaleLockAfter <= 0 {
		cfg.StaleLockAfter = domain.DefaultLockTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &Dispatcher{
		steps:      cfg.Steps,
		locks:      cfg.Locks,
		breaker:    cfg.Breaker,
		publisher:  cfg.Publisher,
		maxRetries: cfg.MaxRetries,
		batchSize:  cfg.BatchSize,
		staleLock:  cfg.StaleLockAfter,
		logger:     cfg.Logger.With("component", "dispatcher"),
		now:        cfg.Now,
	}
	d.phases = []phase{
		{PhaseSkipCascade, d.skipCascade},
		{PhaseCancelCascade, d.cancelCascade},
		{PhaseRecovery, d.recoverParked},
		{PhaseFailurePromotion, d.promoteFailures},
		{PhaseFailureCascade, d.failureCascade},
		{PhaseCompletionPromotion, d.promoteCompletions},
		{PhaseRetryExhaustion, d.exhaustRetries},
	}
	return d
}

// MaxRetries возвращает настроенный максимум retries.
func (d *Dispatcher) MaxRetries() int { return d.maxRetries }

// Result — итог одного тика.
type Result struct {
	Group string

	// BreakerEnabled — значение can_dispatch_steps перед отправкой.
	// false, если тик закончился на фазе каскада.
	BreakerEnabled bool

	// Phase — фаза, завершившая тик ("" — ни одна фаза не сработала).
	Phase string

	// Changed — переходы, выполненные фазой Phase.
	Changed int

	// Dispatched — шаги, переведённые в DISPATCHED.
	Dispatched int
}

// Worked возвращает true, если тик что-то изменил.
func (r Result) Worked() bool { return r.Changed > 0 || r.Dispatched > 0 }

// Tick выполняет один тик группы. Занятая блокировка → ErrLockHeld.
// Ошибка любой фазы прерывает только текущий тик.
func (d *Dispatcher) Tick(ctx context.Context, group string) (Result, error) {
	if group == "" {
		group = domain.DefaultGroup
	}
	res := Result{Group: group}
	log := telemetry.WithGroup(d.logger, group)

	holder := uuid.NewString()
	acquired, err := d.locks.StartDispatch(ctx, group, holder, d.staleLock)
	if err != nil {
		telemetry.TicksSkipped.WithLabelValues(group, "lock_error").Inc()
		return res, fmt.Errorf("start dispatch %s: %w", group, err)
	}
	if !acquired {
		telemetry.TicksSkipped.WithLabelValues(group, "lock_held").Inc()
		log.Debug("dispatch lock held, skipping tick")
		return res, ErrLockHeld
	}

	start := time.Now()
	defer func() {
		if err := d.locks.EndDispatch(context.WithoutCancel(ctx), group, holder); err != nil {
			log.Error("failed to release dispatch lock", "error", err)
		}
		telemetry.TickDuration.WithLabelValues(group).Observe(time.Since(start).Seconds())
	}()

	for _, p := range d.phases {
		n, err := p.run(ctx, group)
		if n > 0 {
			telemetry.PhaseTransitions.WithLabelValues(group, p.name).Add(float64(n))
		}
		if err != nil {
			return res, fmt.Errorf("phase %s: %w", p.name, err)
		}
		if n > 0 {
			res.Phase, res.Changed = p.name, n
			log.Info("tick phase performed work", "phase", p.name, "transitions", n)
			return res, nil
		}
	}

	enabled := true
	if d.breaker != nil {
		enabled, err = d.breaker.Current(ctx)
	}
	if err != nil {
		log.Warn("circuit breaker unreadable, dispatch disabled for this tick", "error", err)
		enabled = false
	}
	res.BreakerEnabled = enabled

	if !enabled {
		log.Info("circuit breaker disabled, skipping dispatch")
		return res, nil
	}

	n, err := d.dispatch(ctx, group)
	res.Dispatched = n
	if err != nil {
		return res, fmt.Errorf("dispatch: %w", err)
	}
	if n > 0 {
		res.Phase = PhaseDispatch
		log.Info("steps dispatched", "count", n)
	}
	return res, nil
}

// save сохраняет step через CAS. Проигранная гонка → (false, nil).
func (d *Dispatcher) save(ctx context.Context, step *domain.Step, expected domain.StepState) (bool, error) {
	err := d.steps.CompareAndSwapState(ctx, step, expected)
	if errors.Is(err, repo.ErrStateConflict) {
		telemetry.StateConflicts.WithLabelValues("dispatcher").Inc()
		telemetry.WithStepID(d.logger, step.ID).Debug("lost state race, skipping",
			"expected", expected,
			"wanted", step.State,
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("save step %d: %w", step.ID, err)
	}
	return true, nil
}
