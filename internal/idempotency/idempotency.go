// Package idempotency — кэш результатов неповторяемых операций job'а.
//
// Ключ: {table}:{id}:cache:{operation}. Область — шаг (steps:{id}), а не воркер:
// повтор шага может выполнить другой процесс, и он должен получить уже
// сохранённый результат вместо повторного побочного эффекта.
//
// Кэш — оптимизация, а не условие корректности одной попытки: если Redis
// недоступен, операция всё равно выполняется, с предупреждением в лог и
// метрикой stepwise_idempotency_degraded_total.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shaiso/Stepwise/internal/cache"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// DefaultTTL — время жизни записи по умолчанию.
const DefaultTTL = 300 * time.Second

// Scope — сущность, к которой привязан кэш.
type Scope struct {
	Table string
	ID    int64
}

// StepScope возвращает область шага.
func StepScope(stepID int64) Scope {
	return Scope{Table: "steps", ID: stepID}
}

// Key возвращает ключ операции в этой области.
func (s Scope) Key(operation string) cache.Key {
	return cache.NewKey(s.Table).ID(s.ID).Append("cache", operation)
}

// Store хранит результаты операций.
type Store struct {
	cache  *cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// Option настраивает Store.
type Option func(*Store)

// WithLogger задаёт логгер.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDefaultTTL меняет TTL по умолчанию.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// New создаёт Store. c может быть nil — тогда Store всегда в деградированном режиме.
func New(c *cache.Cache, opts ...Option) *Store {
	s := &Store{cache: c, ttl: DefaultTTL, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// callOptions — параметры одного вызова GetOr.
type callOptions struct {
	ttl time.Duration
}

// CallOption настраивает один вызов GetOr.
type CallOption func(*callOptions)

// WithTTL переопределяет TTL для одного вызова.
func WithTTL(d time.Duration) CallOption {
	return func(o *callOptions) { o.ttl = d }
}

// GetOr возвращает сохранённый результат операции или выполняет compute
// и сохраняет его результат. Ошибка compute не кэшируется.
func GetOr[T any](ctx context.Context, s *Store, scope Scope, operation string, compute func(context.Context) (T, error), opts ...CallOption) (T, error) {
	if s == nil || s.cache == nil {
		telemetry.IdempotencyDegraded.Inc()
		return compute(ctx)
	}

	o := callOptions{ttl: s.ttl}
	for _, opt := range opts {
		opt(&o)
	}
	key := scope.Key(operation)
	log := s.logger.With("key", key.String())

	raw, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var v T
		uerr := json.Unmarshal(raw, &v)
		if uerr == nil {
			telemetry.IdempotencyLookups.WithLabelValues("hit").Inc()
			return v, nil
		}
		log.Warn("idempotency entry is unreadable, recomputing", "error", uerr)
	case errors.Is(err, cache.ErrMiss):
		telemetry.IdempotencyLookups.WithLabelValues("miss").Inc()
	default:
		log.Warn("idempotency cache unavailable, running without protection", "error", err)
		telemetry.IdempotencyDegraded.Inc()
		return compute(ctx)
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}

	encoded, merr := json.Marshal(v)
	if merr != nil {
		log.Warn("idempotency result is not serializable, not cached", "error", merr)
		return v, nil
	}
	if serr := s.cache.Set(ctx, key, encoded, o.ttl); serr != nil {
		log.Warn("idempotency result not stored", "error", serr)
		telemetry.IdempotencyDegraded.Inc()
	}
	return v, nil
}

// Forget удаляет сохранённый результат операции.
func (s *Store) Forget(ctx context.Context, scope Scope, operation string) error {
	if s == nil || s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, scope.Key(operation))
}

// Bound — Store, привязанный к одной области (обычно к шагу).
type Bound struct {
	store *Store
	scope Scope
}

// Bind привязывает Store к области.
func (s *Store) Bind(scope Scope) *Bound {
	return &Bound{store: s, scope: scope}
}

// Scope возвращает область. У nil Bound область пустая.
func (b *Bound) Scope() Scope {
	if b == nil {
		return Scope{}
	}
	return b.scope
}

// Forget удаляет результат операции в области. Без кэша (nil) ничего не делает,
// как и Do без кэша просто вызывает compute.
func (b *Bound) Forget(ctx context.Context, operation string) error {
	if b == nil {
		return nil
	}
	return b.store.Forget(ctx, b.scope, operation)
}

// Do — GetOr в привязанной области.
func Do[T any](ctx context.Context, b *Bound, operation string, compute func(context.Context) (T, error), opts ...CallOption) (T, error) {
	if b == nil {
		return compute(ctx)
	}
	return GetOr(ctx, b.store, b.scope, operation, compute, opts...)
}
