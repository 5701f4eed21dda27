package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/shaiso/Stepwise/internal/cache"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

var _ Throttler = (*Shared)(nil)

// recordWindow сохраняет максимум потребления внутри окна.
// Ответы приходят от разных процессов не по порядку: меньшее значение
// не должно перезаписать большее.
//
// KEYS[1] — ключ окна; ARGV: used, limit, reset_at_ms, ttl_ms.
var recordWindow = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'used') or '-1')
local used = tonumber(ARGV[1])
if used > cur then
  redis.call('HSET', KEYS[1], 'used', ARGV[1], 'limit', ARGV[2], 'reset_at', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return used
`)

// pxMillis переводит TTL в миллисекунды для PX. Redis отвергает PX 0,
// поэтому TTL короче миллисекунды округляется вверх.
func pxMillis(d time.Duration) int64 {
	return max(d.Milliseconds(), 1)
}

// recordBan продлевает бан, но никогда не сокращает его.
//
// KEYS[1] — ключ бана; ARGV: until_ms, ttl_ms.
var recordBan = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
return 1
`)

// Shared — Throttler, хранящий состояние окон и банов в общем Redis.
type Shared struct {
	profile  Profile
	identity string
	client   redis.Cmdable
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *slog.Logger
}

// SharedOption настраивает Shared.
type SharedOption func(*Shared)

// WithClock подменяет часы.
func WithClock(now func() time.Time) SharedOption {
	return func(s *Shared) { s.now = now }
}

// WithLogger задаёт логгер.
func WithLogger(l *slog.Logger) SharedOption {
	return func(s *Shared) { s.logger = l }
}

// NewShared создаёт Throttler системы profile для сетевой идентичности identity
// (обычно внешний IP процесса).
func NewShared(c *cache.Cache, identity string, profile Profile, opts ...SharedOption) *Shared {
	if profile.SafetyMargin <= 0 || profile.SafetyMargin > 1 {
		profile.SafetyMargin = DefaultSafetyMargin
	}
	limit := profile.LocalRate
	if limit == 0 {
		limit = rate.Inf
	}
	burst := profile.LocalBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Shared{
		profile:  profile,
		identity: identity,
		client:   c.Client(),
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("system", profile.System, "network_identity", identity)
	return s
}

// New возвращает Shared для профиля с общими окнами и Noop для остальных.
func New(c *cache.Cache, identity string, profile Profile, opts ...SharedOption) Throttler {
	if c == nil || !profile.HasSharedLimits() {
		return Noop{}
	}
	return NewShared(c, identity, profile, opts...)
}

// BanKey — ключ флага бана.
func (s *Shared) BanKey() cache.Key {
	return cache.NewKey(s.profile.System, s.identity, "banned_until")
}

// WindowKey — ключ окна, с суффиксом аккаунта для окон на аккаунт.
func (s *Shared) WindowKey(w Window, accountID string) cache.Key {
	k := cache.NewKey(s.profile.System, s.identity, w.Name)
	if w.PerAccount {
		k = k.Field("account", accountID)
	}
	return k
}

// RecordResponseHeaders — см. Throttler.
func (s *Shared) RecordResponseHeaders(ctx context.Context, h http.Header, accountID string) error {
	now := s.now()
	var errs []error

	for _, w := range s.profile.Windows {
		if w.PerAccount && accountID == "" {
			continue
		}
		raw := strings.TrimSpace(h.Get(w.Header))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn("unparsable rate limit header", "header", w.Header, "value", raw)
			continue
		}

		limit := w.Limit
		if w.LimitHeader != "" {
			if l, err := strconv.ParseInt(strings.TrimSpace(h.Get(w.LimitHeader)), 10, 64); err == nil && l > 0 {
				limit = l
			}
		}

		used := value
		if w.Kind == Remaining {
			used = limit - value
		}

		resetAt := windowReset(now, w, h)
		ttl := resetAt.Sub(now)
		if ttl <= 0 {
			continue
		}

		key := s.WindowKey(w, accountID).String()
		err = recordWindow.Run(ctx, s.client, []string{key},
			used, limit, resetAt.UnixMilli(), pxMillis(ttl),
		).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			errs = append(errs, fmt.Errorf("record window %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// IsCurrentlyBanned — см. Throttler.
func (s *Shared) IsCurrentlyBanned(ctx context.Context) (bool, error) {
	until, err := s.bannedUntil(ctx)
	if err != nil {
		return false, err
	}
	return until.After(s.now()), nil
}

// RecordBan — см. Throttler.
func (s *Shared) RecordBan(ctx context.Context, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		return nil
	}
	until := s.now().Add(retryAfter)
	key := s.BanKey().String()
	err := recordBan.Run(ctx, s.client, []string{key}, until.UnixMilli(), pxMillis(retryAfter)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("record ban %s: %w", key, err)
	}

	telemetry.ThrottleBans.WithLabelValues(s.profile.System).Inc()
	s.logger.Warn("network identity banned", "retry_after", retryAfter, "until", until)
	return nil
}

// IsSafeToMakeRequest — см. Throttler.
//
// Порядок: бан → окна (сверх SafetyMargin от лимита) → локальный limiter.
// Задержка — время до сброса самого «тяжёлого» ограничения.
func (s *Shared) IsSafeToMakeRequest(ctx context.Context, accountID string) (time.Duration, error) {
	now := s.now()

	until, err := s.bannedUntil(ctx)
	if err != nil {
		return 0, err
	}
	if d := until.Sub(now); d > 0 {
		telemetry.ThrottleDelays.WithLabelValues(s.profile.System, "ban").Inc()
		return d, nil
	}

	var delay time.Duration
	for _, w := range s.profile.Windows {
		if w.PerAccount && accountID == "" {
			continue
		}
		d, err := s.windowDelay(ctx, w, accountID, now)
		if err != nil {
			return 0, err
		}
		if d > delay {
			delay = d
		}
	}
	if delay > 0 {
		telemetry.ThrottleDelays.WithLabelValues(s.profile.System, "window").Inc()
		return delay, nil
	}

	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		telemetry.ThrottleDelays.WithLabelValues(s.profile.System, "local").Inc()
		return d, nil
	}
	return 0, nil
}

func (s *Shared) bannedUntil(ctx context.Context) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.BanKey().String()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read ban: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ban %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}

func (s *Shared) windowDelay(ctx context.Context, w Window, accountID string, now time.Time) (time.Duration, error) {
	key := s.WindowKey(w, accountID).String()
	vals, err := s.client.HMGet(ctx, key, "used", "limit", "reset_at").Result()
	if err != nil {
		return 0, fmt.Errorf("read window %s: %w", key, err)
	}
	used, ok1 := asInt(vals[0])
	limit, ok2 := asInt(vals[1])
	resetMs, ok3 := asInt(vals[2])
	if !ok1 || !ok2 || !ok3 || limit <= 0 {
		return 0, nil
	}

	if float64(used) < s.profile.SafetyMargin*float64(limit) {
		return 0, nil
	}
	d := time.UnixMilli(resetMs).Sub(now)
	if d <= 0 {
		return 0, nil
	}
	return d, nil
}

// windowReset — момент сброса окна: из заголовка или по выравниванию на Period.
func windowReset(now time.Time, w Window, h http.Header) time.Time {
	if w.ResetHeader != "" {
		if ms, err := strconv.ParseInt(strings.TrimSpace(h.Get(w.ResetHeader)), 10, 64); err == nil && ms > 0 {
			if ms < 1e12 {
				ms *= 1000
			}
			return time.UnixMilli(ms)
		}
	}
	period := w.Period
	if period <= 0 {
		period = time.Minute
	}
	return now.Truncate(period).Add(period)
}

func asInt(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
