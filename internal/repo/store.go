package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Stepwise/internal/domain"
)

// StepStore — хранилище шагов.
//
// Все изменения состояния идут через CompareAndSwapState: запись проходит,
// только если в БД шаг всё ещё в ожидаемом состоянии. Проигранная гонка
// возвращает ErrStateConflict.
//
// Пустая строка в параметре group означает «все группы».
type StepStore interface {
	// Create сохраняет новый шаг. Дубликат IdempotencyKey → ErrAlreadyExists.
	Create(ctx context.Context, step *domain.Step) error

	// CreateBlock атомарно сохраняет шаги блока и, если owner задан,
	// проставляет ему child_block_uuid. У владельца уже есть блок → ErrAlreadyExists.
	CreateBlock(ctx context.Context, owner *domain.Step, steps []*domain.Step) error

	// Get возвращает шаг по ID.
	Get(ctx context.Context, id int64) (*domain.Step, error)

	// GetByIdempotencyKey возвращает шаг по ключу идемпотентности продюсера.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Step, error)

	// GetOwner возвращает шаг, владеющий блоком. Корневой блок → ErrNotFound.
	GetOwner(ctx context.Context, blockUUID uuid.UUID) (*domain.Step, error)

	// ListBlock возвращает шаги блока, упорядоченные по index, id.
	ListBlock(ctx context.Context, blockUUID uuid.UUID) ([]domain.Step, error)

	// List возвращает шаги по фильтру.
	List(ctx context.Context, filter StepFilter) ([]domain.Step, error)

	// CompareAndSwapState сохраняет step, если его состояние в БД равно expected.
	CompareAndSwapState(ctx context.Context, step *domain.Step, expected domain.StepState) error

	// CountByStates считает шаги в указанных состояниях.
	CountByStates(ctx context.Context, group string, states ...domain.StepState) (int, error)

	// ListParentsWithOpenChildren возвращает родителей в parentStates,
	// у которых в дочернем блоке есть шаги в childStates.
	ListParentsWithOpenChildren(ctx context.Context, group string, parentStates, childStates []domain.StepState, limit int) ([]domain.Step, error)

	// ListWithOpenLaterSiblings возвращает шаги в states, у которых в том же блоке
	// есть соседи с большим index в siblingStates.
	ListWithOpenLaterSiblings(ctx context.Context, group string, states, siblingStates []domain.StepState, limit int) ([]domain.Step, error)

	// ListSettledParents возвращает RUNNING-родителей, у которых все дети терминальны.
	// withFailures=true — среди детей есть незавершённые успешно (FAILED/STOPPED/CANCELLED);
	// withFailures=false — все дети COMPLETED/SKIPPED.
	ListSettledParents(ctx context.Context, group string, withFailures bool, limit int) ([]domain.Step, error)

	// ListParkedDue возвращает NOT_RUNNABLE шаги, чьё время перепроверки наступило.
	ListParkedDue(ctx context.Context, group string, now time.Time, limit int) ([]domain.Step, error)

	// ListExhausted возвращает PENDING шаги с retries >= maxRetries.
	ListExhausted(ctx context.Context, group string, maxRetries, limit int) ([]domain.Step, error)

	// ListDispatchable возвращает шаги, готовые к отправке:
	// PENDING, dispatch_after наступил, все соседи с меньшим index завершены
	// (COMPLETED/SKIPPED), владелец блока RUNNING или отсутствует.
	// Порядок: priority DESC, затем самые старые.
	ListDispatchable(ctx context.Context, group string, now time.Time, maxRetries, limit int) ([]domain.Step, error)
}

// LockStore — строки dispatch_locks.
type LockStore interface {
	// StartDispatch захватывает блокировку группы от имени holder.
	// false — блокировка занята. Блокировка старше staleAfter считается
	// брошенной и перехватывается.
	StartDispatch(ctx context.Context, group, holder string, staleAfter time.Duration) (bool, error)

	// EndDispatch освобождает блокировку группы, если её всё ещё держит holder.
	// Блокировку, перехваченную другим процессом, не трогает.
	EndDispatch(ctx context.Context, group, holder string) error

	// GetLock возвращает текущее состояние блокировки.
	GetLock(ctx context.Context, group string) (*domain.DispatchLock, error)

	// ListLocks возвращает блокировки всех групп.
	ListLocks(ctx context.Context) ([]domain.DispatchLock, error)
}

// SettingsStore — глобальные настройки (таблица settings).
type SettingsStore interface {
	// GetBool читает булеву настройку. Нет записи → ErrNotFound.
	GetBool(ctx context.Context, key string) (bool, error)

	// SetBool записывает булеву настройку.
	SetBool(ctx context.Context, key string, value bool) error
}

// ScheduleStore — хранилище расписаний.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule *domain.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]domain.Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// RecordScheduleRun сдвигает next_due_at, только если он всё ещё равен
	// run.DueAt. Иначе расписание уже продвинули или отредактировали: ErrStateConflict.
	RecordScheduleRun(ctx context.Context, id uuid.UUID, run ScheduleRun) error
}

// ScheduleRun — результат одного срабатывания расписания.
type ScheduleRun struct {
	DueAt     time.Time
	StepID    int64
	NextDueAt time.Time
	RanAt     time.Time
}

// StepFilter — параметры фильтрации шагов.
type StepFilter struct {
	Group  string
	States []domain.StepState
	Limit  int
	Offset int
}

// ScheduleFilter — параметры фильтрации schedules.
type ScheduleFilter struct {
	Enabled *bool
	Limit   int
	Offset  int
}
