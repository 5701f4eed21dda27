package job

import (
	"fmt"
	"time"
)

// Outcome — результат Compute. Закрытый набор вариантов: обработчик воркера
// разбирает его через type switch по всем типам ниже.
type Outcome interface {
	// Kind — имя варианта для логов и метрик.
	Kind() string
	outcome()
}

// CompletedOutcome — job выполнен, Payload сохраняется в response.
type CompletedOutcome struct {
	Payload map[string]any
}

// RetryOutcome — повторить через Delay. Cause — причина (для логов).
type RetryOutcome struct {
	Delay time.Duration
	Cause error
}

// IgnoredOutcome — ошибка, которую можно не эскалировать (уже выполнено,
// условие уже удовлетворено). Skip=true — шаг завершается SKIPPED, иначе COMPLETED.
type IgnoredOutcome struct {
	Err  error
	Skip bool
}

// FailedOutcome — постоянная ошибка, шаг FAILED.
type FailedOutcome struct {
	Err error
}

// StoppedOutcome — job намеренно остановлен (не ошибка), шаг STOPPED.
type StoppedOutcome struct {
	Reason string
}

// SkippedOutcome — предусловие не выполнено, шаг SKIPPED.
type SkippedOutcome struct {
	Reason string
}

// NotRunnableOutcome — не хватает зависимости. RecheckAt (опционально) —
// когда диспетчер сам вернёт шаг в PENDING.
type NotRunnableOutcome struct {
	Reason    string
	RecheckAt *time.Time
}

func (CompletedOutcome) Kind() string   { return "completed" }
func (RetryOutcome) Kind() string       { return "retry" }
func (IgnoredOutcome) Kind() string     { return "ignored" }
func (FailedOutcome) Kind() string      { return "failed" }
func (StoppedOutcome) Kind() string     { return "stopped" }
func (SkippedOutcome) Kind() string     { return "skipped" }
func (NotRunnableOutcome) Kind() string { return "not_runnable" }

func (CompletedOutcome) outcome()   {}
func (RetryOutcome) outcome()       {}
func (IgnoredOutcome) outcome()     {}
func (FailedOutcome) outcome()      {}
func (StoppedOutcome) outcome()     {}
func (SkippedOutcome) outcome()     {}
func (NotRunnableOutcome) outcome() {}

// Completed — успешное завершение.
func Completed(payload map[string]any) Outcome {
	return CompletedOutcome{Payload: payload}
}

// Retry — повтор через delay.
func Retry(delay time.Duration) Outcome {
	return RetryOutcome{Delay: delay}
}

// RetryBecause — повтор через delay с причиной.
func RetryBecause(delay time.Duration, cause error) Outcome {
	return RetryOutcome{Delay: delay, Cause: cause}
}

// Ignored — ошибка без эскалации, шаг COMPLETED.
func Ignored(err error) Outcome {
	return IgnoredOutcome{Err: err}
}

// IgnoredAsSkipped — ошибка без эскалации, шаг SKIPPED.
func IgnoredAsSkipped(err error) Outcome {
	return IgnoredOutcome{Err: err, Skip: true}
}

// Failed — постоянная ошибка.
func Failed(err error) Outcome {
	return FailedOutcome{Err: err}
}

// Failedf — Failed со стеком вызова в месте создания ошибки.
func Failedf(format string, args ...any) Outcome {
	return FailedOutcome{Err: NewPermanent(fmt.Sprintf(format, args...))}
}

// Stopped — намеренная остановка.
func Stopped(reason string) Outcome {
	return StoppedOutcome{Reason: reason}
}

// Skipped — пропуск шага.
func Skipped(reason string) Outcome {
	return SkippedOutcome{Reason: reason}
}

// NotRunnable — шаг паркуется до разрешения зависимости.
func NotRunnable(reason string, recheckAt *time.Time) Outcome {
	return NotRunnableOutcome{Reason: reason, RecheckAt: recheckAt}
}
