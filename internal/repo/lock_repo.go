package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Stepwise/internal/domain"
)

var _ LockStore = (*LockRepo)(nil)

// LockRepo — репозиторий для dispatch_locks.
type LockRepo struct {
	pool *pgxpool.Pool
}

// NewLockRepo создаёт новый LockRepo.
func NewLockRepo(pool *pgxpool.Pool) *LockRepo {
	return &LockRepo{pool: pool}
}

const selectLock = `SELECT "group", is_dispatching, holder, started_at, ended_at FROM dispatch_locks`

// StartDispatch захватывает блокировку группы одним условным UPDATE.
// Строка группы создаётся при первом обращении.
func (r *LockRepo) StartDispatch(ctx context.Context, group, holder string, staleAfter time.Duration) (bool, error) {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO dispatch_locks ("group") VALUES ($1)
		ON CONFLICT ("group") DO NOTHING
	`, group); err != nil {
		return false, fmt.Errorf("ensure lock row: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE dispatch_locks
		SET is_dispatching = TRUE, holder = $2, started_at = NOW(), ended_at = NULL
		WHERE "group" = $1
		  AND (is_dispatching = FALSE OR started_at < NOW() - make_interval(secs => $3))
	`, group, holder, staleAfter.Seconds())
	if err != nil {
		return false, fmt.Errorf("start dispatch: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// EndDispatch освобождает блокировку группы, если её держит holder.
func (r *LockRepo) EndDispatch(ctx context.Context, group, holder string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE dispatch_locks
		SET is_dispatching = FALSE, holder = NULL, ended_at = NOW()
		WHERE "group" = $1 AND holder = $2
	`, group, holder)
	if err != nil {
		return fmt.Errorf("end dispatch: %w", err)
	}
	return nil
}

// GetLock возвращает строку блокировки группы.
func (r *LockRepo) GetLock(ctx context.Context, group string) (*domain.DispatchLock, error) {
	l, err := scanLock(r.pool.QueryRow(ctx, selectLock+` WHERE "group" = $1`, group))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return l, nil
}

// ListLocks возвращает блокировки всех групп.
func (r *LockRepo) ListLocks(ctx context.Context) ([]domain.DispatchLock, error) {
	rows, err := r.pool.Query(ctx, selectLock+` ORDER BY "group"`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []domain.DispatchLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanLock(row pgx.Row) (*domain.DispatchLock, error) {
	var (
		l      domain.DispatchLock
		holder *string
	)
	if err := row.Scan(&l.Group, &l.IsDispatching, &holder, &l.StartedAt, &l.EndedAt); err != nil {
		return nil, err
	}
	l.Holder = deref(holder)
	return &l, nil
}
