package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Scheduler — планировщик, создающий корневые шаги по расписаниям.
type Scheduler struct {
	schedules repo.ScheduleStore
	steps     repo.StepStore
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules repo.ScheduleStore
	Steps     repo.StepStore
	Logger    *slog.Logger
	BatchSize int // количество schedules за один тик (default: 100)
	Now       func() time.Time
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		schedules: cfg.Schedules,
		steps:     cfg.Steps,
		logger:    cfg.Logger.With("component", "scheduler"),
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (enabled=true, next_due_at <= now)
// 2. Для каждого создаёт корневой шаг с ключом "{schedule}:{next_due_at}"
// 3. Сдвигает next_due_at
//
// Возвращает число созданных шагов. Ошибки одного schedule не блокируют
// обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()

	schedules, err := s.schedules.ListDueSchedules(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	if len(schedules) == 0 {
		return 0, nil
	}

	var processed, created int
	for i := range schedules {
		sched := &schedules[i]

		ok, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			continue
		}
		processed++
		if ok {
			created++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"processed", processed,
		"steps_created", created,
	)
	return created, nil
}

// processSchedule создаёт корневой шаг для текущего next_due_at.
// Возвращает true, если шаг создан сейчас, а не найден по ключу.
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	key := sched.IdempotencyKey()

	step, err := s.steps.GetByIdempotencyKey(ctx, key)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, fmt.Errorf("check idempotency: %w", err)
	}

	created := false
	if step == nil {
		step = sched.NewRootStep()
		err := s.steps.Create(ctx, step)
		switch {
		case errors.Is(err, repo.ErrAlreadyExists):
			// Параллельный тик успел первым.
			if step, err = s.steps.GetByIdempotencyKey(ctx, key); err != nil {
				return false, fmt.Errorf("load concurrent step: %w", err)
			}
		case err != nil:
			return false, fmt.Errorf("create root step: %w", err)
		default:
			created = true
			telemetry.SchedulesFired.Inc()
			s.logger.Info("created root step from schedule",
				"step_id", step.ID,
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"job_class", step.JobClass,
				"group", step.Group,
			)
		}
	} else {
		s.logger.Debug("root step already exists",
			"schedule_id", sched.ID,
			"step_id", step.ID,
			"idempotency_key", key,
		)
	}

	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		// Некорректное расписание: next_due_at не трогаем, шаг по ключу не задублируется.
		s.logger.Error("failed to calculate next due", "schedule_id", sched.ID, "error", err)
		return created, nil
	}

	err = s.schedules.RecordScheduleRun(ctx, sched.ID, repo.ScheduleRun{
		DueAt:     *sched.NextDueAt,
		StepID:    step.ID,
		NextDueAt: nextDue,
		RanAt:     now,
	})
	switch {
	case errors.Is(err, repo.ErrStateConflict):
		// Расписание отредактировали между чтением и записью: новое время важнее.
		s.logger.Info("schedule changed during tick, keeping new timing", "schedule_id", sched.ID)
	case err != nil:
		return created, fmt.Errorf("record schedule run: %w", err)
	}
	return created, nil
}
