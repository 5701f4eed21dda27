package domain

// StepState — состояние шага.
//
// Жизненный цикл:
//
//	PENDING → DISPATCHED → RUNNING → COMPLETED
//	   ↑                      │    ↘ FAILED / STOPPED / SKIPPED
//	   └──── retry ───────────┘
//	PENDING / DISPATCHED → CANCELLED (только каскадом)
//	PENDING / DISPATCHED / RUNNING → NOT_RUNNABLE → PENDING
//
// Полная таблица переходов — в transitions.go.
type StepState string

const (
	// StepStatePending — шаг создан и ждёт отправки в очередь.
	StepStatePending StepState = "PENDING"

	// StepStateDispatched — шаг отправлен в очередь, но ещё не взят воркером.
	StepStateDispatched StepState = "DISPATCHED"

	// StepStateRunning — шаг выполняется воркером.
	StepStateRunning StepState = "RUNNING"

	// StepStateCompleted — шаг успешно выполнен.
	StepStateCompleted StepState = "COMPLETED"

	// StepStateFailed — шаг выполнялся и завершился ошибкой (или получил ошибку каскадом).
	StepStateFailed StepState = "FAILED"

	// StepStateCancelled — шаг не выполнялся: отменён каскадом от предка или соседа.
	StepStateCancelled StepState = "CANCELLED"

	// StepStateSkipped — шаг сознательно пропущен (условие не выполнено, повтор не нужен).
	StepStateSkipped StepState = "SKIPPED"

	// StepStateStopped — шаг остановлен во время выполнения намеренно, без ошибки.
	StepStateStopped StepState = "STOPPED"

	// StepStateNotRunnable — шаг временно заблокирован отсутствующей зависимостью.
	// Возвращается в PENDING после разрешения.
	StepStateNotRunnable StepState = "NOT_RUNNABLE"
)

// AllStepStates — все состояния, в порядке жизненного цикла.
var AllStepStates = []StepState{
	StepStatePending,
	StepStateDispatched,
	StepStateRunning,
	StepStateCompleted,
	StepStateFailed,
	StepStateCancelled,
	StepStateSkipped,
	StepStateStopped,
	StepStateNotRunnable,
}

// IsTerminal возвращает true, если из состояния больше нет переходов.
//
// NOT_RUNNABLE не терминальное: это парковка до разрешения зависимости.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepStateCompleted, StepStateFailed, StepStateCancelled, StepStateSkipped, StepStateStopped:
		return true
	default:
		return false
	}
}

// IsConcluded возвращает true для состояний, которые открывают следующий индекс
// в блоке и позволяют завершить родителя: COMPLETED и SKIPPED.
func (s StepState) IsConcluded() bool {
	return s == StepStateCompleted || s == StepStateSkipped
}

// IsFailedClass возвращает true для FAILED и STOPPED.
func (s StepState) IsFailedClass() bool {
	return s == StepStateFailed || s == StepStateStopped
}

// IsOpen возвращает true, если шаг ещё может выполниться или изменить состояние.
func (s StepState) IsOpen() bool {
	return !s.IsTerminal()
}

// IsValid проверяет, что строка — известное состояние.
func (s StepState) IsValid() bool {
	for _, st := range AllStepStates {
		if st == s {
			return true
		}
	}
	return false
}

// String возвращает строковое представление StepState.
func (s StepState) String() string {
	return string(s)
}
