package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ SettingsStore = (*SettingsRepo)(nil)

// SettingCanDispatchSteps — ключ глобального circuit breaker.
const SettingCanDispatchSteps = "can_dispatch_steps"

// SettingsRepo — репозиторий для таблицы settings.
type SettingsRepo struct {
	pool *pgxpool.Pool
}

// NewSettingsRepo создаёт новый SettingsRepo.
func NewSettingsRepo(pool *pgxpool.Pool) *SettingsRepo {
	return &SettingsRepo{pool: pool}
}

// GetBool читает булеву настройку.
func (r *SettingsRepo) GetBool(ctx context.Context, key string) (bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get setting %s: %w", key, err)
	}

	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("setting %s is not a bool: %w", key, err)
	}
	return v, nil
}

// SetBool записывает булеву настройку (upsert).
func (r *SettingsRepo) SetBool(ctx context.Context, key string, value bool) error {
	raw, _ := json.Marshal(value)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, raw)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
