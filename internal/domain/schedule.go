package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule — расписание автоматического создания корневых шагов.
//
// Когда расписание подходит по времени, scheduler создаёт один корневой шаг
// (JobClass, Arguments, Group) в новом блоке. Дальше им управляет диспетчер.
//
// Время задаётся либо cron-выражением, либо интервалом в секундах.
type Schedule struct {
	// ID — уникальный идентификатор schedule.
	ID uuid.UUID `json:"id"`

	// Name — имя расписания для удобства.
	Name string `json:"name,omitempty"`

	// CronExpr — cron-выражение, например "*/5 * * * *".
	// Если задан CronExpr, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал в секундах между запусками.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс для cron. По умолчанию "UTC".
	Timezone string `json:"timezone"`

	// Enabled — если false, scheduler игнорирует расписание.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastStepID — ID последнего созданного корневого шага.
	LastStepID *int64 `json:"last_step_id,omitempty"`

	// JobClass — job корневого шага.
	JobClass string `json:"job_class"`

	// Arguments — аргументы корневого шага.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Group — группа диспетчеризации корневого шага.
	Group string `json:"group"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (s *Schedule) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue проверяет, пора ли запускать.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled || s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// IdempotencyKey — ключ корневого шага для текущего NextDueAt.
// Повторный тик scheduler'а по тому же времени не создаст второй шаг.
func (s *Schedule) IdempotencyKey() string {
	if s.NextDueAt == nil {
		return ""
	}
	return fmt.Sprintf("schedule:%s:%d", s.ID, s.NextDueAt.Unix())
}

// NewRootStep создаёт корневой шаг для текущего запуска.
func (s *Schedule) NewRootStep() *Step {
	step := NewStep(uuid.New(), 0, s.JobClass, s.Arguments)
	if s.Group != "" {
		step.Group = s.Group
		step.Queue = s.Group
	}
	step.IdempotencyKey = s.IdempotencyKey()
	return step
}

// RecordRun отмечает запуск в момент at, создавший шаг stepID.
func (s *Schedule) RecordRun(stepID int64, nextDue, at time.Time) {
	s.LastRunAt = &at
	s.LastStepID = &stepID
	s.NextDueAt = &nextDue
	s.UpdatedAt = at
}
