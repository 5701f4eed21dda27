package job

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/shaiso/Stepwise/internal/backoff"
)

// Ошибки пакета.
var (
	// ErrUnknownJob — job class не зарегистрирован.
	ErrUnknownJob = stderrors.New("unknown job class")

	// ErrUnknownRelatable — для Kind нет загрузчика.
	ErrUnknownRelatable = stderrors.New("unknown relatable kind")

	// ErrNoRelatable — у шага нет relatable.
	ErrNoRelatable = stderrors.New("step has no relatable")

	// ErrMissingArgument — обязательного аргумента нет.
	ErrMissingArgument = stderrors.New("missing argument")
)

// ClockSkewDelay — задержка после ошибки расхождения часов.
const ClockSkewDelay = 2 * time.Second

// --- Классификация ошибок ---
//
// Классификатор конкретной биржи оборачивает ошибку в один из типов ниже,
// FromError переводит классифицированную ошибку в Outcome.

// Ignorable — условие уже выполнено, эскалировать нечего.
type Ignorable struct {
	Err  error
	Skip bool
}

func (e *Ignorable) Error() string { return "ignorable: " + e.Err.Error() }
func (e *Ignorable) Unwrap() error { return e.Err }

// Retryable — транзиентная ошибка (сеть, 5xx). Delay == 0 — задержку выбирает стратегия.
type Retryable struct {
	Err   error
	Delay time.Duration
}

func (e *Retryable) Error() string { return "retryable: " + e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }

// RateLimited — внешняя система сообщила о лимите. ResetAt — момент сброса
// окна из заголовков ответа; без него задержку выбирает стратегия.
type RateLimited struct {
	Err     error
	ResetAt time.Time
}

func (e *RateLimited) Error() string { return "rate limited: " + e.Err.Error() }
func (e *RateLimited) Unwrap() error { return e.Err }

// Permanent — неверные ключи, нет прав и т.п. Повтор не поможет.
type Permanent struct {
	Err error
}

func (e *Permanent) Error() string { return "permanent: " + e.Err.Error() }
func (e *Permanent) Unwrap() error { return e.Err }

// ClockSkew — внешняя система отвергла timestamp запроса.
// Job должен пересинхронизировать смещение часов до повтора.
type ClockSkew struct {
	Err    error
	Offset time.Duration
}

func (e *ClockSkew) Error() string {
	return fmt.Sprintf("clock skew (offset %s): %s", e.Offset, e.Err)
}
func (e *ClockSkew) Unwrap() error { return e.Err }

// NewPermanent создаёт Permanent со стеком вызова.
func NewPermanent(msg string) error {
	return &Permanent{Err: errors.New(msg)}
}

// Wrap добавляет к err сообщение и стек вызова.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// FromError переводит ошибку в Outcome.
//
//	nil          → Completed
//	Ignorable    → Ignored
//	Permanent    → Failed
//	RateLimited  → Retry до ResetAt
//	ClockSkew    → Retry через ClockSkewDelay
//	Retryable    → Retry через Delay или strategy
//	остальное    → Retry через strategy
//
// Неклассифицированная ошибка повторяется: ядро само переведёт шаг в FAILED,
// когда retries достигнет максимума.
func FromError(err error, strategy backoff.Strategy, attempt int) Outcome {
	if err == nil {
		return Completed(nil)
	}
	if strategy == nil {
		strategy = backoff.Default()
	}

	var (
		ign  *Ignorable
		perm *Permanent
		rl   *RateLimited
		skew *ClockSkew
		re   *Retryable
	)
	switch {
	case stderrors.As(err, &ign):
		return IgnoredOutcome{Err: err, Skip: ign.Skip}
	case stderrors.As(err, &perm):
		return Failed(err)
	case stderrors.As(err, &rl):
		u := backoff.NewUntilReset(rl.ResetAt)
		u.Fallback = strategy
		return RetryBecause(u.Delay(attempt), err)
	case stderrors.As(err, &skew):
		return RetryBecause(ClockSkewDelay, err)
	case stderrors.As(err, &re):
		if re.Delay > 0 {
			return RetryBecause(re.Delay, err)
		}
		return RetryBecause(strategy.Delay(attempt), err)
	default:
		return RetryBecause(strategy.Delay(attempt), err)
	}
}

// stackTracer — ошибка pkg/errors со стеком.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// StackTrace возвращает стек самой глубокой ошибки цепочки, у которой он есть.
// Пустая строка — стека нет.
func StackTrace(err error) string {
	var deepest stackTracer
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			deepest = st
		}
	}
	if deepest == nil {
		return ""
	}
	return fmt.Sprintf("%+v", deepest.StackTrace())
}
