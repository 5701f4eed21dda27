package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Stepwise/internal/domain"
)

// Breaker DTOs

// SetBreakerRequest — запрос на включение/выключение отправки шагов.
type SetBreakerRequest struct {
	Enabled *bool `json:"enabled"`
}

// Step DTOs

// StepResponse — ответ с шагом.
type StepResponse struct {
	ID               int64             `json:"id"`
	UUID             uuid.UUID         `json:"uuid"`
	BlockUUID        uuid.UUID         `json:"block_uuid"`
	ChildBlockUUID   *uuid.UUID        `json:"child_block_uuid,omitempty"`
	ChildrenReleased bool              `json:"children_released,omitempty"`
	Index            int               `json:"index"`
	JobClass         string            `json:"job_class"`
	Arguments        map[string]any    `json:"arguments,omitempty"`
	Relatable        *domain.Relatable `json:"relatable,omitempty"`
	Group            string            `json:"group"`
	Queue            string            `json:"queue"`
	Priority         int               `json:"priority"`
	State            domain.StepState  `json:"state"`
	DispatchAfter    *time.Time        `json:"dispatch_after,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	DurationMs       *int64            `json:"duration_ms,omitempty"`
	Hostname         string            `json:"hostname,omitempty"`
	Retries          int               `json:"retries"`
	Response         map[string]any    `json:"response,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ErrorStackTrace  string            `json:"error_stack_trace,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// StepFromDomain конвертирует domain.Step в StepResponse.
func StepFromDomain(s *domain.Step) StepResponse {
	return StepResponse{
		ID:               s.ID,
		UUID:             s.UUID,
		BlockUUID:        s.BlockUUID,
		ChildBlockUUID:   s.ChildBlockUUID,
		ChildrenReleased: s.ChildrenReleased,
		Index:            s.Index,
		JobClass:         s.JobClass,
		Arguments:        s.Arguments,
		Relatable:        s.Relatable,
		Group:            s.Group,
		Queue:            s.QueueName(),
		Priority:         s.Priority,
		State:            s.State,
		DispatchAfter:    s.DispatchAfter,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
		DurationMs:       s.DurationMs,
		Hostname:         s.Hostname,
		Retries:          s.Retries,
		Response:         s.Response,
		ErrorMessage:     s.ErrorMessage,
		ErrorStackTrace:  s.ErrorStackTrace,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

// StepNode — шаг вместе с его дочерним блоком.
type StepNode struct {
	Step     StepResponse `json:"step"`
	Children []StepNode   `json:"children,omitempty"`
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	JobClass    string         `json:"job_class"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Group       string         `json:"group,omitempty"`
}

// UpdateScheduleRequest — запрос на обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string         `json:"name,omitempty"`
	CronExpr    *string         `json:"cron_expr,omitempty"`
	IntervalSec *int            `json:"interval_sec,omitempty"`
	Timezone    *string         `json:"timezone,omitempty"`
	JobClass    *string         `json:"job_class,omitempty"`
	Arguments   *map[string]any `json:"arguments,omitempty"`
	Group       *string         `json:"group,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone"`
	Enabled     bool           `json:"enabled"`
	NextDueAt   *time.Time     `json:"next_due_at,omitempty"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	LastStepID  *int64         `json:"last_step_id,omitempty"`
	JobClass    string         `json:"job_class"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Group       string         `json:"group"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	if s == nil {
		return ScheduleResponse{}
	}
	return ScheduleResponse{
		ID:          s.ID,
		Name:        s.Name,
		CronExpr:    s.CronExpr,
		IntervalSec: s.IntervalSec,
		Timezone:    s.Timezone,
		Enabled:     s.Enabled,
		NextDueAt:   s.NextDueAt,
		LastRunAt:   s.LastRunAt,
		LastStepID:  s.LastStepID,
		JobClass:    s.JobClass,
		Arguments:   s.Arguments,
		Group:       s.Group,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
