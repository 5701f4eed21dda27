// Package breaker — глобальный circuit breaker отправки шагов.
//
// Флаг can_dispatch_steps разрешает только новую отправку (последнюю фазу тика).
// Каскады работают и при выключенном флаге, поэтому дерево успевает прийти
// в терминальные состояния. Порядок безопасного рестарта воркеров:
//
//  1. Disable;
//  2. ждать, пока SafeToRestart не вернёт true;
//  3. останавливать процессы.
//
// Тик, прочитавший флаг до Disable, ещё может отправить шаги. Пока он держит
// dispatch_locks, SafeToRestart возвращает false.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/repo"
)

// DefaultCacheTTL — сколько процесс доверяет прочитанному значению флага.
const DefaultCacheTTL = 5 * time.Second

// Config — конфигурация Breaker.
type Config struct {
	Settings repo.SettingsStore
	Steps    repo.StepStore

	// Locks — блокировки тиков. nil → тики в полёте не учитываются.
	Locks repo.LockStore

	// StaleLockAfter — блокировка старше считается брошенной.
	// 0 → domain.DefaultLockTTL.
	StaleLockAfter time.Duration

	// CacheTTL — время жизни кэша флага. 0 → DefaultCacheTTL, <0 → без кэша.
	CacheTTL time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Breaker читает и меняет флаг can_dispatch_steps.
type Breaker struct {
	settings repo.SettingsStore
	steps    repo.StepStore
	locks    repo.LockStore
	stale    time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	cached   bool
	cachedAt time.Time
	valid    bool
}

// New создаёт Breaker.
func New(cfg Config) *Breaker {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
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
	return &Breaker{
		settings: cfg.Settings,
		steps:    cfg.Steps,
		locks:    cfg.Locks,
		stale:    cfg.StaleLockAfter,
		ttl:      cfg.CacheTTL,
		logger:   cfg.Logger.With("component", "breaker"),
		now:      cfg.Now,
	}
}

// Enabled возвращает true, если отправка шагов разрешена.
// Нет записи в settings → разрешена. Значение может отставать на CacheTTL.
func (b *Breaker) Enabled(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.valid && b.ttl > 0 && b.now().Sub(b.cachedAt) < b.ttl {
		v := b.cached
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()
	return b.Current(ctx)
}

// Current читает флаг из хранилища мимо кэша и обновляет кэш.
// Отправку шагов решает только Current: Disable в другом процессе
// должен действовать с ближайшего тика.
func (b *Breaker) Current(ctx context.Context) (bool, error) {
	v, err := b.settings.GetBool(ctx, repo.SettingCanDispatchSteps)
	if errors.Is(err, repo.ErrNotFound) {
		v, err = true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", repo.SettingCanDispatchSteps, err)
	}

	b.store(v)
	return v, nil
}

// Enable разрешает отправку.
func (b *Breaker) Enable(ctx context.Context) error {
	return b.set(ctx, true)
}

// Disable запрещает отправку новых шагов.
func (b *Breaker) Disable(ctx context.Context) error {
	return b.set(ctx, false)
}

func (b *Breaker) set(ctx context.Context, v bool) error {
	if err := b.settings.SetBool(ctx, repo.SettingCanDispatchSteps, v); err != nil {
		b.Invalidate()
		return fmt.Errorf("write %s: %w", repo.SettingCanDispatchSteps, err)
	}
	b.store(v)
	b.logger.Info("circuit breaker changed", "can_dispatch_steps", v)
	return nil
}

// Invalidate сбрасывает кэш: следующий Enabled прочитает флаг из хранилища.
func (b *Breaker) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.valid = false
}

func (b *Breaker) store(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = v
	b.cachedAt = b.now()
	b.valid = true
}

// Status — состояние для операторов.
type Status struct {
	Enabled    bool `json:"enabled"`
	Ticking    int  `json:"ticking"`
	Running    int  `json:"running"`
	Dispatched int  `json:"dispatched"`
	Safe       bool `json:"safe_to_restart"`
}

// SafeToRestart возвращает true, когда флаг выключен, ни один тик не держит
// блокировку и нет шагов в RUNNING и DISPATCHED. group == "" — по всем группам.
func (b *Breaker) SafeToRestart(ctx context.Context, group string) (bool, error) {
	st, err := b.Status(ctx, group)
	if err != nil {
		return false, err
	}
	return st.Safe, nil
}

// Status возвращает флаг и количество шагов в полёте.
// Флаг читается мимо кэша: оператор должен видеть актуальное значение.
func (b *Breaker) Status(ctx context.Context, group string) (Status, error) {
	enabled, err := b.Current(ctx)
	if err != nil {
		return Status{}, err
	}

	// Блокировки читаются до счётчиков: тик, отпустивший блокировку,
	// уже сохранил свои DISPATCHED-шаги.
	ticking, err := b.ticking(ctx, group)
	if err != nil {
		return Status{}, err
	}

	running, err := b.steps.CountByStates(ctx, group, domain.StepStateRunning)
	if err != nil {
		return Status{}, fmt.Errorf("count running: %w", err)
	}
	dispatched, err := b.steps.CountByStates(ctx, group, domain.StepStateDispatched)
	if err != nil {
		return Status{}, fmt.Errorf("count dispatched: %w", err)
	}

	return Status{
		Enabled:    enabled,
		Ticking:    ticking,
		Running:    running,
		Dispatched: dispatched,
		Safe:       !enabled && ticking == 0 && running == 0 && dispatched == 0,
	}, nil
}

func (b *Breaker) ticking(ctx context.Context, group string) (int, error) {
	if b.locks == nil {
		return 0, nil
	}
	locks, err := b.locks.ListLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list dispatch locks: %w", err)
	}
	now := b.now()
	n := 0
	for _, l := range locks {
		if (group == "" || l.Group == group) && l.IsHeld(now, b.stale) {
			n++
		}
	}
	return n, nil
}
