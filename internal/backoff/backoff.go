// Package backoff — стратегии задержки перед повторной отправкой шага.
//
// Стратегию выбирает job (или классификатор ошибок): результат передаётся
// ядру как dispatch_after. Сами стратегии не хранят состояния.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy вычисляет задержку перед попыткой attempt (1 — первый retry).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant — фиксированная задержка.
type Constant struct {
	Interval time.Duration
}

// NewConstant создаёт Constant.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay возвращает Interval.
func (c *Constant) Delay(int) time.Duration {
	return c.Interval
}

// Exponential — Initial * 2^(attempt-1), не больше Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential создаёт Exponential.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay возвращает экспоненциальную задержку.
func (e *Exponential) Delay(attempt int) time.Duration {
	return time.Duration(exponential(e.Initial, e.Max, attempt))
}

// ExponentialWithJitter — «equal jitter»: половина экспоненциальной задержки
// фиксирована, вторая половина случайна. Разносит повторы воркеров,
// упёршихся в один и тот же лимит.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter создаёт ExponentialWithJitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay возвращает значение из [base/2, base].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := exponential(e.Initial, e.Max, attempt)
	half := base / 2
	return time.Duration(half + rand.Float64()*half) //nolint:gosec
}

// UntilReset — задержка до момента сброса окна лимита, который сообщила
// внешняя система (заголовок ответа). Не угадывает: без ResetAt падает на Fallback.
type UntilReset struct {
	ResetAt  time.Time
	Now      func() time.Time
	Min      time.Duration
	Fallback Strategy
}

// NewUntilReset создаёт UntilReset с минимальной задержкой 1s.
func NewUntilReset(resetAt time.Time) *UntilReset {
	return &UntilReset{ResetAt: resetAt, Min: time.Second, Fallback: Default()}
}

// Delay возвращает время до ResetAt (не меньше Min).
func (u *UntilReset) Delay(attempt int) time.Duration {
	if u.ResetAt.IsZero() {
		if u.Fallback != nil {
			return u.Fallback.Delay(attempt)
		}
		return u.Min
	}
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	d := u.ResetAt.Sub(now())
	if d < u.Min {
		return u.Min
	}
	return d
}

// Default — стратегия по умолчанию для транзиентных ошибок: 2s..5m с jitter.
func Default() Strategy {
	return NewExponentialWithJitter(2*time.Second, 5*time.Minute)
}

func exponential(initial, maxDelay time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return d
}
