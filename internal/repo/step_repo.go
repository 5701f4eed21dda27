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

var _ StepStore = (*StepRepo)(nil)

// stepColumns — колонки steps в порядке scanStep.
const stepColumns = `
	id, uuid, block_uuid, child_block_uuid, "index", job_class, arguments,
	relatable_type, relatable_id, queue, "group", priority, state, dispatch_after,
	started_at, completed_at, duration_ms, hostname, retries, response,
	error_message, error_stack_trace, idempotency_key, children_released,
	created_at, updated_at`

// Условия «ребёнок/сосед завершён успешно» и «шаг ещё открыт» в SQL.
const (
	sqlConcluded = `('COMPLETED', 'SKIPPED')`
	sqlOpen      = `('PENDING', 'DISPATCHED', 'RUNNING', 'NOT_RUNNABLE')`
)

// StepRepo — репозиторий для работы с steps.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

// querier — общее у pgxpool.Pool и pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Create сохраняет новый шаг и заполняет ID.
func (r *StepRepo) Create(ctx context.Context, step *domain.Step) error {
	return insertStep(ctx, r.pool, step)
}

// CreateBlock сохраняет блок в одной транзакции.
func (r *StepRepo) CreateBlock(ctx context.Context, owner *domain.Step, steps []*domain.Step) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, s := range steps {
		if err := insertStep(ctx, tx, s); err != nil {
			return err
		}
	}

	if owner != nil && len(steps) > 0 {
		blockUUID := steps[0].BlockUUID
		result, err := tx.Exec(ctx, `
			UPDATE steps SET child_block_uuid = $2, updated_at = NOW()
			WHERE id = $1 AND child_block_uuid IS NULL
		`, owner.ID, blockUUID)
		if err != nil {
			return fmt.Errorf("attach child block: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("step %d: %w", owner.ID, ErrAlreadyExists)
		}
		owner.ChildBlockUUID = &blockUUID
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	return nil
}

func insertStep(ctx context.Context, q querier, step *domain.Step) error {
	argsJSON, err := json.Marshal(step.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	responseJSON, err := marshalNullable(step.Response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	var relType *string
	var relID *int64
	if step.Relatable != nil {
		relType = &step.Relatable.Kind
		relID = &step.Relatable.ID
	}

	query := `
		INSERT INTO steps (uuid, block_uuid, child_block_uuid, "index", job_class, arguments,
		                   relatable_type, relatable_id, queue, "group", priority, state,
		                   dispatch_after, retries, response, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	err = q.QueryRow(ctx, query,
		step.UUID,
		step.BlockUUID,
		nullUUID(step.ChildBlockUUID),
		step.Index,
		step.JobClass,
		argsJSON,
		relType,
		relID,
		step.QueueName(),
		step.Group,
		step.Priority,
		step.State,
		step.DispatchAfter,
		step.Retries,
		responseJSON,
		nullString(step.IdempotencyKey),
		step.CreatedAt,
		step.UpdatedAt,
	).Scan(&step.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("step idempotency key %q: %w", step.IdempotencyKey, ErrAlreadyExists)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("step %s: %w", step.UUID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// Get возвращает шаг по ID.
func (r *StepRepo) Get(ctx context.Context, id int64) (*domain.Step, error) {
	return scanStep(r.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1`, id))
}

// GetByIdempotencyKey возвращает шаг по ключу идемпотентности.
func (r *StepRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Step, error) {
	return scanStep(r.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE idempotency_key = $1`, key))
}

// GetOwner возвращает владельца блока.
func (r *StepRepo) GetOwner(ctx context.Context, blockUUID uuid.UUID) (*domain.Step, error) {
	return scanStep(r.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE child_block_uuid = $1`, blockUUID))
}

// ListBlock возвращает шаги блока.
func (r *StepRepo) ListBlock(ctx context.Context, blockUUID uuid.UUID) ([]domain.Step, error) {
	return r.query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE block_uuid = $1
		ORDER BY "index", id
	`, blockUUID)
}

// List возвращает шаги по фильтру.
func (r *StepRepo) List(ctx context.Context, filter StepFilter) ([]domain.Step, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE ($1::text = '' OR "group" = $1)
		  AND (cardinality($2::text[]) = 0 OR state = ANY($2))
		ORDER BY id DESC
		LIMIT $3 OFFSET $4
	`, filter.Group, stateStrings(filter.States), limit, filter.Offset)
}

// CompareAndSwapState сохраняет изменяемые поля шага, если состояние в БД = expected.
func (r *StepRepo) CompareAndSwapState(ctx context.Context, step *domain.Step, expected domain.StepState) error {
	responseJSON, err := marshalNullable(step.Response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	query := `
		UPDATE steps
		SET state = $3, dispatch_after = $4, started_at = $5, completed_at = $6,
		    duration_ms = $7, hostname = $8, retries = $9, response = $10,
		    error_message = $11, error_stack_trace = $12, children_released = $13,
		    updated_at = $14
		WHERE id = $1 AND state = $2
	`
	result, err := r.pool.Exec(ctx, query,
		step.ID,
		expected,
		step.State,
		step.DispatchAfter,
		step.StartedAt,
		step.CompletedAt,
		step.DurationMs,
		nullString(step.Hostname),
		step.Retries,
		responseJSON,
		nullString(step.ErrorMessage),
		nullString(step.ErrorStackTrace),
		step.ChildrenReleased,
		step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("step %d %s → %s: %w", step.ID, expected, step.State, ErrStateConflict)
	}
	return nil
}

// CountByStates считает шаги в состояниях.
func (r *StepRepo) CountByStates(ctx context.Context, group string, states ...domain.StepState) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM steps
		WHERE ($1::text = '' OR "group" = $1) AND state = ANY($2)
	`, group, stateStrings(states)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count steps: %w", err)
	}
	return n, nil
}

// ListParentsWithOpenChildren — см. StepStore.
func (r *StepRepo) ListParentsWithOpenChildren(ctx context.Context, group string, parentStates, childStates []domain.StepState, limit int) ([]domain.Step, error) {
	return r.query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE ($1::text = '' OR "group" = $1)
		  AND state = ANY($2)
		  AND child_block_uuid IS NOT NULL
		  AND EXISTS (
		      SELECT 1 FROM steps c
		      WHERE c.block_uuid = steps.child_block_uuid AND c.state = ANY($3)
		  )
		ORDER BY id
		LIMIT $4
	`, group, stateStrings(parentStates), stateStrings(childStates), limit)
}

// ListWithOpenLaterSiblings — см. StepStore.
func (r *StepRepo) ListWithOpenLaterSiblings(ctx context.Context, group string, states, siblingStates []domain.StepState, limit int) ([]domain.Step, error) {
	return r.query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE ($1::text = '' OR "group" = $1)
		  AND state = ANY($2)
		  AND EXISTS (
		      SELECT 1 FROM steps s
		      WHERE s.block_uuid = steps.block_uuid
		        AND s."index" > steps."index"
		        AND s.state = ANY($3)
		  )
		ORDER BY id
		LIMIT $4
	`, group, stateStrings(states), stateStrings(siblingStates), limit)
}

// ListSettledParents — см. StepStore.
func (r *StepRepo) ListSettledParents(ctx context.Context, group string, withFailures bool, limit int) ([]domain.Step, error) {
	return r.query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE ($1::text = '' OR "group" = $1)
		  AND state = 'RUNNING'
		  AND children_released
		  AND child_block_uuid IS NOT NULL
		  AND EXISTS (SELECT 1 FROM steps c WHERE c.block_uuid = steps.child_block_uuid)
		  AND NOT EXISTS (
		      SELECT 1 FROM steps c
		      WHERE c.block_uuid = steps.child_block_uuid AND c.state IN `+sqlOpen+`
		  )
		  AND $2 = EXISTS (
		      SELECT 1 FROM steps c
		      WHERE c.block_uuid = steps.child_block_uuid AND c.state NOT IN `+sqlConcluded+`
		  )
		ORDER BY id
		LIMIT $3
	`, group, withFailures, limit)
}

// ListParkedDue — см. StepStore.
func (r *StepRepo) ListParkedDue(ctx context.Context, group string, now time.Time, limit int) ([]domain.Step, error) {
	return r.query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE ($1::text = '' OR "group" = $1)
		  AND state = 'NOT_RUNNABLE'
		  AND dispatch_after IS NOT NULL
		  AND dispatch_after <= $2
		ORDER BY dispatch_after, id
		LIMIT $3
	`, group, now, limit)
}

// ListExhausted — см. StepStore.
func (r *StepRepo) ListExhausted(ctx context.Context, group string, maxRetries, limit int) ([]domain.Step, error) {
	return r.query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE ($1::text = '' OR "group" = $1)
		  AND state = 'PENDING'
		  AND retries >= $2
		ORDER BY id
		LIMIT $3
	`, group, maxRetries, limit)
}

// ListDispatchable — см. StepStore.
func (r *StepRepo) ListDispatchable(ctx context.Context, group string, now time.Time, maxRetries, limit int) ([]domain.Step, error) {
	return r.query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE "group" = $1
		  AND state = 'PENDING'
		  AND (dispatch_after IS NULL OR dispatch_after <= $2)
		  AND retries < $3
		  AND NOT EXISTS (
		      SELECT 1 FROM steps s
		      WHERE s.block_uuid = steps.block_uuid
		        AND s."index" < steps."index"
		        AND s.state NOT IN `+sqlConcluded+`
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM steps o
		      WHERE o.child_block_uuid = steps.block_uuid
		        AND (o.state <> 'RUNNING' OR NOT o.children_released)
		  )
		ORDER BY priority DESC, COALESCE(dispatch_after, created_at), id
		LIMIT $4
	`, group, now, maxRetries, limit)
}

// --- Helpers ---

func (r *StepRepo) query(ctx context.Context, sql string, args ...any) ([]domain.Step, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, rows.Err()
}

func scanStep(row pgx.Row) (*domain.Step, error) {
	var s domain.Step
	var argsJSON, responseJSON []byte
	var relType *string
	var relID *int64
	var hostname, errMsg, errStack, idemKey *string

	err := row.Scan(
		&s.ID,
		&s.UUID,
		&s.BlockUUID,
		&s.ChildBlockUUID,
		&s.Index,
		&s.JobClass,
		&argsJSON,
		&relType,
		&relID,
		&s.Queue,
		&s.Group,
		&s.Priority,
		&s.State,
		&s.DispatchAfter,
		&s.StartedAt,
		&s.CompletedAt,
		&s.DurationMs,
		&hostname,
		&s.Retries,
		&responseJSON,
		&errMsg,
		&errStack,
		&idemKey,
		&s.ChildrenReleased,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if relType != nil && relID != nil {
		s.Relatable = &domain.Relatable{Kind: *relType, ID: *relID}
	}
	s.Hostname = deref(hostname)
	s.ErrorMessage = deref(errMsg)
	s.ErrorStackTrace = deref(errStack)
	s.IdempotencyKey = deref(idemKey)

	if argsJSON != nil {
		if err := json.Unmarshal(argsJSON, &s.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal arguments: %w", err)
		}
	}
	if responseJSON != nil {
		if err := json.Unmarshal(responseJSON, &s.Response); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return &s, nil
}

func stateStrings(states []domain.StepState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
