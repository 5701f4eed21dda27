package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shaiso/Stepwise/internal/backoff"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/idempotency"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/throttle"
	"github.com/shaiso/Stepwise/internal/tree"
)

// Env — общие зависимости job'ов одного воркера.
type Env struct {
	Steps       repo.StepStore
	Idempotency *idempotency.Store
	Throttles   *throttle.Registry
	Relatables  *Relatables
	Logger      *slog.Logger
}

// Context — шаг и зависимости, доступные job'у во время Compute.
type Context struct {
	step   *domain.Step
	env    *Env
	logger *slog.Logger
}

// NewContext создаёт Context для выполнения step. env может быть nil.
func NewContext(step *domain.Step, env *Env) *Context {
	if env == nil {
		env = &Env{}
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		step:   step,
		env:    env,
		logger: logger.With("step_id", step.ID, "job_class", step.JobClass),
	}
}

// Step возвращает выполняемый шаг. Менять его состояние напрямую нельзя.
func (c *Context) Step() *domain.Step { return c.step }

// Logger возвращает логгер с атрибутами шага.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Attempt — номер текущей попытки (1 — первая).
func (c *Context) Attempt() int { return c.step.Retries + 1 }

// --- Аргументы ---

// Arg возвращает аргумент по имени.
func (c *Context) Arg(name string) (any, bool) {
	v, ok := c.step.Arguments[name]
	return v, ok
}

// String возвращает строковый аргумент или "".
func (c *Context) String(name string) string {
	if v, ok := c.step.Arguments[name].(string); ok {
		return v
	}
	return ""
}

// RequireString возвращает непустой строковый аргумент или ErrMissingArgument.
func (c *Context) RequireString(name string) (string, error) {
	s := c.String(name)
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	return s, nil
}

// Int возвращает числовой аргумент. Аргументы из JSON приходят как float64.
func (c *Context) Int(name string) (int64, bool) {
	switch n := c.step.Arguments[name].(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		v, err := n.Int64()
		return v, err == nil
	case string:
		v, err := strconv.ParseInt(n, 10, 64)
		return v, err == nil
	}
	return 0, false
}

// Bool возвращает булев аргумент или false.
func (c *Context) Bool(name string) bool {
	b, _ := c.step.Arguments[name].(bool)
	return b
}

// Duration возвращает аргумент-длительность: строка "1m30s" или число секунд.
func (c *Context) Duration(name string) (time.Duration, bool) {
	if s, ok := c.step.Arguments[name].(string); ok {
		d, err := time.ParseDuration(s)
		return d, err == nil
	}
	if n, ok := c.Int(name); ok {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// DecodeArgs раскладывает аргументы в структуру по json-тегам.
func (c *Context) DecodeArgs(v any) error {
	raw, err := json.Marshal(c.step.Arguments)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

// --- Зависимости ---

// Relatable загружает объект, на который ссылается шаг.
func (c *Context) Relatable(ctx context.Context) (any, error) {
	if c.step.Relatable == nil {
		return nil, ErrNoRelatable
	}
	return c.env.Relatables.Load(ctx, *c.step.Relatable)
}

// RelatableAs загружает relatable и приводит его к T.
func RelatableAs[T any](ctx context.Context, c *Context) (T, error) {
	var zero T
	v, err := c.Relatable(ctx)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("relatable %s is %T, want %T", c.step.Relatable.Kind, v, zero)
	}
	return t, nil
}

// Cache возвращает кэш идемпотентности шага (ключи steps:{id}:cache:{op}).
// Без настроенного Store операции выполняются без защиты.
func (c *Context) Cache() *idempotency.Bound {
	if c.env.Idempotency == nil {
		return nil
	}
	return c.env.Idempotency.Bind(idempotency.StepScope(c.step.ID))
}

// Throttler возвращает координатор лимитов внешней системы.
func (c *Context) Throttler(system string) throttle.Throttler {
	return c.env.Throttles.Get(system)
}

// Preflight проверяет лимиты system перед запросом. wait=true — job должен
// вернуть полученный Outcome (Retry до сброса окна или конца бана).
// Недоступный кэш лимитов тоже откладывает запрос: без него процесс не видит
// чужой трафик.
func (c *Context) Preflight(ctx context.Context, system, accountID string) (Outcome, bool) {
	delay, err := c.Throttler(system).IsSafeToMakeRequest(ctx, accountID)
	if err != nil {
		c.logger.Warn("throttle preflight failed, deferring request", "system", system, "error", err)
		return RetryBecause(backoff.Default().Delay(c.Attempt()), err), true
	}
	if delay > 0 {
		c.logger.Debug("request deferred by throttle", "system", system, "delay", delay)
		return Retry(delay), true
	}
	return nil, false
}

// Observe передаёт ответ system в координатор лимитов. Ошибка записи
// логируется: ответ уже получен, и шаг не должен из-за неё падать.
func (c *Context) Observe(ctx context.Context, system string, resp *http.Response, accountID string) {
	if err := throttle.Observe(ctx, c.Throttler(system), resp, accountID); err != nil {
		c.logger.Warn("throttle observe failed", "system", system, "error", err)
	}
}

// Heartbeat сохраняет промежуточный response выполняющегося шага.
func (c *Context) Heartbeat(ctx context.Context, response map[string]any) error {
	if err := c.step.Heartbeat(response); err != nil {
		return err
	}
	if c.env.Steps == nil {
		return nil
	}
	return c.env.Steps.CompareAndSwapState(ctx, c.step, domain.StepStateRunning)
}

// Spawn прикрепляет к шагу дочерний блок. Шаг завершится только после детей.
func (c *Context) Spawn(ctx context.Context, b *tree.Block) error {
	if c.env.Steps == nil {
		return fmt.Errorf("spawn: no step store")
	}
	return tree.AttachChildren(ctx, c.env.Steps, c.step, b)
}
