// Package throttle координирует лимиты запросов и баны внешних систем
// между всеми процессами, которые выходят в сеть с одного адреса.
//
// Один Throttler на внешнюю систему (биржу, провайдера данных). Job обязан
// вызвать IsSafeToMakeRequest перед каждым исходящим запросом и
// RecordResponseHeaders после него. Общий Redis — единственная точка
// синхронизации: ни один процесс не видит чужой трафик напрямую.
//
// Ключи:
//
//	{system}:{networkIdentity}:banned_until
//	{system}:{networkIdentity}:{window}[:account:{id}]
package throttle

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Throttler — координатор лимитов одной внешней системы.
type Throttler interface {
	// RecordResponseHeaders разбирает заголовки лимитов из ответа и
	// записывает потребление в общий кэш. accountID — для систем с
	// лимитами на аккаунт (пустой — только лимиты на IP).
	RecordResponseHeaders(ctx context.Context, h http.Header, accountID string) error

	// IsCurrentlyBanned проверяет общий флаг бана сетевой идентичности.
	IsCurrentlyBanned(ctx context.Context) (bool, error)

	// RecordBan ставит флаг бана на retryAfter. Сразу виден всем процессам
	// с той же сетевой идентичностью.
	RecordBan(ctx context.Context, retryAfter time.Duration) error

	// IsSafeToMakeRequest возвращает 0, если запрос можно делать сейчас,
	// иначе задержку, после которой стоит повторить. Никогда не спит.
	IsSafeToMakeRequest(ctx context.Context, accountID string) (time.Duration, error)
}

// Noop — Throttler для систем без общих лимитов (простые API по ключу).
type Noop struct{}

var _ Throttler = Noop{}

func (Noop) RecordResponseHeaders(context.Context, http.Header, string) error { return nil }
func (Noop) IsCurrentlyBanned(context.Context) (bool, error)                  { return false, nil }
func (Noop) RecordBan(context.Context, time.Duration) error                   { return nil }
func (Noop) IsSafeToMakeRequest(context.Context, string) (time.Duration, error) {
	return 0, nil
}

// Registry — Throttler'ы по имени системы.
type Registry struct {
	mu        sync.RWMutex
	throttles map[string]Throttler
}

// NewRegistry создаёт пустой Registry.
func NewRegistry() *Registry {
	return &Registry{throttles: make(map[string]Throttler)}
}

// Register добавляет Throttler системы.
func (r *Registry) Register(system string, t Throttler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttles[system] = t
}

// Get возвращает Throttler системы или Noop, если система не зарегистрирована.
func (r *Registry) Get(system string) Throttler {
	if r == nil {
		return Noop{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.throttles[system]; ok {
		return t
	}
	return Noop{}
}

// Observe записывает заголовки ответа и, если система ответила
// 429 (лимит) или 418 (бан IP), ставит бан на время из Retry-After.
func Observe(ctx context.Context, t Throttler, resp *http.Response, accountID string) error {
	if err := t.RecordResponseHeaders(ctx, resp.Header, accountID); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		return t.RecordBan(ctx, ParseRetryAfter(resp.Header, time.Minute))
	}
	return nil
}

// ParseRetryAfter читает Retry-After (секунды или HTTP-дата).
// Нет заголовка или он нечитаем → fallback.
func ParseRetryAfter(h http.Header, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}
