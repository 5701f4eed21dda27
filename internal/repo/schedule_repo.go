package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Stepwise/internal/domain"
)

var _ ScheduleStore = (*ScheduleRepo)(nil)

const selectSchedule = `SELECT id, name, cron_expr, interval_sec, timezone, enabled, next_due_at,
	last_run_at, last_step_id, job_class, arguments, "group", created_at, updated_at
	FROM schedules`

// ScheduleRepo — расписания в Postgres.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

// CreateSchedule вставляет schedule. Дубликат имени → ErrAlreadyExists.
func (r *ScheduleRepo) CreateSchedule(ctx context.Context, s *domain.Schedule) error {
	args, err := marshalArgs(s.Arguments)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO schedules (id, name, cron_expr, interval_sec, timezone, enabled,
		                       next_due_at, job_class, arguments, "group", created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, nullString(s.Name), nullString(s.CronExpr), nullInt(s.IntervalSec),
		s.Timezone, s.Enabled, s.NextDueAt, s.JobClass, args, s.Group,
		s.CreatedAt, s.UpdatedAt,
	)
	switch {
	case isUniqueViolation(err):
		return ErrAlreadyExists
	case err != nil:
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule возвращает schedule по ID.
func (r *ScheduleRepo) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	return scanSchedule(r.pool.QueryRow(ctx, selectSchedule+` WHERE id = $1`, id))
}

// ListSchedules возвращает schedules, новые первыми.
func (r *ScheduleRepo) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]domain.Schedule, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, selectSchedule+`
		WHERE ($1::boolean IS NULL OR enabled = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		filter.Enabled, limit, filter.Offset)
}

// ListDueSchedules возвращает включённые schedules с next_due_at <= now,
// самые просроченные первыми.
func (r *ScheduleRepo) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	return r.list(ctx, selectSchedule+`
		WHERE enabled AND next_due_at <= $1
		ORDER BY next_due_at
		LIMIT $2`,
		now, limit)
}

// UpdateSchedule перезаписывает редактируемые оператором поля и next_due_at.
// last_run_at и last_step_id пишет только RecordScheduleRun.
func (r *ScheduleRepo) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	args, err := marshalArgs(s.Arguments)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET name = $2, cron_expr = $3, interval_sec = $4, timezone = $5, enabled = $6,
		    next_due_at = $7, job_class = $8, arguments = $9, "group" = $10, updated_at = $11
		WHERE id = $1`,
		s.ID, nullString(s.Name), nullString(s.CronExpr), nullInt(s.IntervalSec),
		s.Timezone, s.Enabled, s.NextDueAt, s.JobClass, args, s.Group, s.UpdatedAt,
	)
	return expectRow(tag, err, "update schedule")
}

// DeleteSchedule удаляет schedule. Созданные им шаги остаются.
func (r *ScheduleRepo) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	return expectRow(tag, err, "delete schedule")
}

// SetScheduleEnabled включает или выключает schedule.
func (r *ScheduleRepo) SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE schedules SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	return expectRow(tag, err, "set schedule enabled")
}

// RecordScheduleRun сдвигает расписание на следующий запуск. Условие на
// next_due_at не даёт затереть правку оператора, сделанную во время тика.
func (r *ScheduleRepo) RecordScheduleRun(ctx context.Context, id uuid.UUID, run ScheduleRun) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET next_due_at = $3, last_run_at = $4, last_step_id = $5, updated_at = $4
		WHERE id = $1 AND next_due_at = $2`,
		id, run.DueAt, run.NextDueAt, run.RanAt, run.StepID,
	)
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schedules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check schedule: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStateConflict
}

func (r *ScheduleRepo) list(ctx context.Context, sql string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var (
		s              domain.Schedule
		name, cronExpr *string
		intervalSec    *int
		args           []byte
	)
	err := row.Scan(&s.ID, &name, &cronExpr, &intervalSec, &s.Timezone, &s.Enabled,
		&s.NextDueAt, &s.LastRunAt, &s.LastStepID, &s.JobClass, &args, &s.Group,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	s.Name, s.CronExpr = deref(name), deref(cronExpr)
	if intervalSec != nil {
		s.IntervalSec = *intervalSec
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &s.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal schedule %s arguments: %w", s.ID, err)
		}
	}
	return &s, nil
}

func marshalArgs(args map[string]any) ([]byte, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	return b, nil
}

// expectRow превращает UPDATE/DELETE без затронутых строк в ErrNotFound.
func expectRow(tag pgconn.CommandTag, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}
