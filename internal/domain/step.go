package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultGroup — группа диспетчеризации по умолчанию.
const DefaultGroup = "default"

// Relatable — полиморфная ссылка на доменный объект, к которому относится шаг
// (позиция, ордер, аккаунт биржи и т.д.). Разрешается через job.Relatables.
type Relatable struct {
	// Kind — тип объекта, например "position" или "account".
	Kind string `json:"kind"`

	// ID — идентификатор объекта в его таблице.
	ID int64 `json:"id"`
}

// Step — единица работы с собственной машиной состояний.
//
// Step создаётся продюсером (другим job'ом, scheduler'ом или API) в состоянии PENDING.
// Дальше его меняют только диспетчер (каскады, отправка) и воркер (выполнение).
// Шаги никогда не удаляются — таблица служит журналом аудита.
type Step struct {
	// ID — первичный ключ.
	ID int64 `json:"id"`

	// UUID — глобальный идентификатор шага.
	UUID uuid.UUID `json:"uuid"`

	// BlockUUID — блок, в который входит шаг.
	BlockUUID uuid.UUID `json:"block_uuid"`

	// ChildBlockUUID — дочерний блок; задан только у шагов-родителей.
	ChildBlockUUID *uuid.UUID `json:"child_block_uuid,omitempty"`

	// Index — порядок внутри блока. Шаг с Index=n запускается только после того,
	// как все шаги с меньшим индексом в блоке завершились (COMPLETED/SKIPPED).
	Index int `json:"index"`

	// JobClass — какой Job выполнять (ключ в job.Registry).
	JobClass string `json:"job_class"`

	// Arguments — непрозрачные аргументы job'а.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Relatable — объект, к которому относится шаг.
	Relatable *Relatable `json:"relatable,omitempty"`

	// Queue — очередь RabbitMQ, в которую отправляется шаг (по умолчанию = Group).
	Queue string `json:"queue"`

	// Group — группа диспетчеризации.
	Group string `json:"group"`

	// DispatchAfter — раньше этого времени шаг не отправляется.
	// Для NOT_RUNNABLE — время повторной проверки зависимости.
	DispatchAfter *time.Time `json:"dispatch_after,omitempty"`

	// Priority — больше значение → раньше отправка.
	Priority int `json:"priority"`

	// State — текущее состояние.
	State StepState `json:"state"`

	// StartedAt — время начала последней попытки.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt — время перехода в терминальное состояние.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DurationMs — длительность выполнения в миллисекундах.
	DurationMs *int64 `json:"duration_ms,omitempty"`

	// Hostname — хост воркера, выполняющего шаг.
	Hostname string `json:"hostname,omitempty"`

	// Retries — количество retry. Только растёт.
	Retries int `json:"retries"`

	// ChildrenReleased — Compute родителя завершился и его outcome сохранён.
	// До этого шаги дочернего блока не диспетчеризуются, а сам родитель
	// не продвигается по завершению детей.
	ChildrenReleased bool `json:"children_released"`

	// Response — результат выполнения (или последний heartbeat).
	Response map[string]any `json:"response,omitempty"`

	// ErrorMessage — текст ошибки (FAILED) или причина блокировки (NOT_RUNNABLE).
	ErrorMessage string `json:"error_message,omitempty"`

	// ErrorStackTrace — стек ошибки, если он известен.
	ErrorStackTrace string `json:"error_stack_trace,omitempty"`

	// IdempotencyKey — ключ для продюсеров, которые не должны создать шаг дважды
	// (например, scheduler: "{schedule_id}_{next_due_at}").
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStep создаёт шаг в состоянии PENDING в указанном блоке.
func NewStep(blockUUID uuid.UUID, index int, jobClass string, args map[string]any) *Step {
	now := time.Now()
	return &Step{
		UUID:      uuid.New(),
		BlockUUID: blockUUID,
		Index:     index,
		JobClass:  jobClass,
		Arguments: args,
		Group:     DefaultGroup,
		Queue:     DefaultGroup,
		State:     StepStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasChildren возвращает true, если шаг владеет дочерним блоком.
func (s *Step) HasChildren() bool {
	return s.ChildBlockUUID != nil
}

// IsFinished возвращает true, если шаг в терминальном состоянии.
func (s *Step) IsFinished() bool {
	return s.State.IsTerminal()
}

// IsDue проверяет, наступило ли время DispatchAfter.
func (s *Step) IsDue(now time.Time) bool {
	return s.DispatchAfter == nil || !s.DispatchAfter.After(now)
}

// Duration возвращает продолжительность выполнения.
func (s *Step) Duration() time.Duration {
	if s.DurationMs == nil {
		return 0
	}
	return time.Duration(*s.DurationMs) * time.Millisecond
}

// QueueName возвращает очередь шага (Group, если Queue не задан).
func (s *Step) QueueName() string {
	if s.Queue != "" {
		return s.Queue
	}
	if s.Group != "" {
		return s.Group
	}
	return DefaultGroup
}

// --- Переходы ---
//
// Каждый Mark*-метод проверяет ребро по таблице transitions и только потом
// применяет побочный эффект. Сохранение делает вызывающий код через
// compare-and-swap по предыдущему состоянию.

// MarkDispatched переводит PENDING → DISPATCHED.
func (s *Step) MarkDispatched() error {
	if err := checkTransition(s.State, StepStateDispatched); err != nil {
		return err
	}
	s.setState(StepStateDispatched)
	return nil
}

// MarkRunning переводит DISPATCHED/PENDING → RUNNING.
func (s *Step) MarkRunning(hostname string) error {
	if err := checkTransition(s.State, StepStateRunning); err != nil {
		return err
	}
	now := time.Now()
	s.StartedAt = &now
	s.Hostname = hostname
	s.ChildrenReleased = false
	s.setState(StepStateRunning)
	return nil
}

// Heartbeat обновляет Response у выполняющегося шага (RUNNING → RUNNING).
func (s *Step) Heartbeat(response map[string]any) error {
	if s.State != StepStateRunning {
		return checkTransition(s.State, StepStateRunning)
	}
	s.Response = response
	s.setState(StepStateRunning)
	return nil
}

// ReleaseChildren фиксирует результат родителя (RUNNING → RUNNING) и
// открывает дочерний блок для диспетчеризации. Родитель остаётся RUNNING,
// пока дети не завершатся.
func (s *Step) ReleaseChildren(response map[string]any) error {
	if err := s.Heartbeat(response); err != nil {
		return err
	}
	s.ChildrenReleased = true
	return nil
}

// MarkCompleted переводит RUNNING → COMPLETED.
func (s *Step) MarkCompleted(response map[string]any) error {
	if err := checkTransition(s.State, StepStateCompleted); err != nil {
		return err
	}
	if response != nil {
		s.Response = response
	}
	s.finish(StepStateCompleted)
	return nil
}

// MarkFailed переводит RUNNING/PENDING/DISPATCHED → FAILED.
func (s *Step) MarkFailed(message, stackTrace string) error {
	if err := checkTransition(s.State, StepStateFailed); err != nil {
		return err
	}
	s.ErrorMessage = message
	s.ErrorStackTrace = stackTrace
	s.finish(StepStateFailed)
	return nil
}

// MarkRetry возвращает RUNNING → PENDING для повторной попытки.
func (s *Step) MarkRetry(dispatchAfter time.Time) error {
	if err := checkTransition(s.State, StepStatePending); err != nil {
		return err
	}
	s.Retries++
	s.ChildrenReleased = false
	s.DispatchAfter = &dispatchAfter
	s.StartedAt = nil
	s.Hostname = ""
	s.setState(StepStatePending)
	return nil
}

// MarkStopped переводит RUNNING → STOPPED.
func (s *Step) MarkStopped() error {
	if err := checkTransition(s.State, StepStateStopped); err != nil {
		return err
	}
	s.finish(StepStateStopped)
	return nil
}

// MarkSkipped переводит PENDING/RUNNING → SKIPPED.
func (s *Step) MarkSkipped() error {
	if err := checkTransition(s.State, StepStateSkipped); err != nil {
		return err
	}
	s.finish(StepStateSkipped)
	return nil
}

// MarkCancelled переводит PENDING/DISPATCHED → CANCELLED. Только для каскадов.
func (s *Step) MarkCancelled() error {
	if err := checkTransition(s.State, StepStateCancelled); err != nil {
		return err
	}
	s.finish(StepStateCancelled)
	return nil
}

// MarkNotRunnable паркует шаг до разрешения зависимости.
// recheckAt (опционально) — когда диспетчер сам вернёт шаг в PENDING.
func (s *Step) MarkNotRunnable(reason string, recheckAt *time.Time) error {
	if err := checkTransition(s.State, StepStateNotRunnable); err != nil {
		return err
	}
	s.ErrorMessage = reason
	s.DispatchAfter = recheckAt
	s.StartedAt = nil
	s.Hostname = ""
	s.setState(StepStateNotRunnable)
	return nil
}

// ResolvePending возвращает NOT_RUNNABLE → PENDING.
func (s *Step) ResolvePending() error {
	if err := checkTransition(s.State, StepStatePending); err != nil {
		return err
	}
	s.ErrorMessage = ""
	s.DispatchAfter = nil
	s.setState(StepStatePending)
	return nil
}

// setState меняет состояние и UpdatedAt.
func (s *Step) setState(state StepState) {
	s.State = state
	s.UpdatedAt = time.Now()
}

// finish переводит шаг в терминальное состояние и проставляет время.
func (s *Step) finish(state StepState) {
	now := time.Now()
	s.CompletedAt = &now
	if s.StartedAt != nil {
		ms := now.Sub(*s.StartedAt).Milliseconds()
		s.DurationMs = &ms
	}
	s.setState(state)
}
