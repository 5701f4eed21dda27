// Package memory — in-memory реализация хранилищ repo для тестов и локальной разработки.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/repo"
)

var (
	_ repo.StepStore     = (*Store)(nil)
	_ repo.LockStore     = (*Store)(nil)
	_ repo.SettingsStore = (*Store)(nil)
	_ repo.ScheduleStore = (*Store)(nil)
)

// Store хранит шаги, блокировки, настройки и расписания в памяти.
// Безопасен для конкурентного доступа. Семантика совпадает с pgx-репозиториями.
type Store struct {
	mu sync.RWMutex

	nextID    int64
	steps     map[int64]*domain.Step
	locks     map[string]*domain.DispatchLock
	settings  map[string]bool
	schedules map[uuid.UUID]*domain.Schedule

	now func() time.Time
}

// New возвращает пустой Store. Circuit breaker включён, как после миграции.
func New() *Store {
	return &Store{
		steps:     make(map[int64]*domain.Step),
		locks:     make(map[string]*domain.DispatchLock),
		settings:  map[string]bool{repo.SettingCanDispatchSteps: true},
		schedules: make(map[uuid.UUID]*domain.Schedule),
		now:       time.Now,
	}
}

// SetClock подменяет часы, которыми Store проверяет устаревшие блокировки.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// ──────────────────────────────────────────────────
// Steps
// ──────────────────────────────────────────────────

// Create сохраняет новый шаг.
func (m *Store) Create(_ context.Context, step *domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(step)
}

// CreateBlock сохраняет блок атомарно.
func (m *Store) CreateBlock(_ context.Context, owner *domain.Step, steps []*domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored *domain.Step
	if owner != nil && len(steps) > 0 {
		var ok bool
		stored, ok = m.steps[owner.ID]
		if !ok {
			return repo.ErrNotFound
		}
		if stored.ChildBlockUUID != nil {
			return fmt.Errorf("step %d: %w", owner.ID, repo.ErrAlreadyExists)
		}
	}

	for _, s := range steps {
		if err := m.checkUniqueLocked(s); err != nil {
			return err
		}
	}
	for _, s := range steps {
		_ = m.insertLocked(s)
	}

	if stored != nil {
		blockUUID := steps[0].BlockUUID
		stored.ChildBlockUUID = &blockUUID
		owner.ChildBlockUUID = &blockUUID
	}
	return nil
}

func (m *Store) checkUniqueLocked(step *domain.Step) error {
	for _, s := range m.steps {
		if s.UUID == step.UUID {
			return fmt.Errorf("step %s: %w", step.UUID, repo.ErrAlreadyExists)
		}
		if step.IdempotencyKey != "" && s.IdempotencyKey == step.IdempotencyKey {
			return fmt.Errorf("step idempotency key %q: %w", step.IdempotencyKey, repo.ErrAlreadyExists)
		}
	}
	return nil
}

func (m *Store) insertLocked(step *domain.Step) error {
	if err := m.checkUniqueLocked(step); err != nil {
		return err
	}
	m.nextID++
	step.ID = m.nextID
	if step.Queue == "" {
		step.Queue = step.QueueName()
	}
	m.steps[step.ID] = cloneStep(step)
	return nil
}

// Get возвращает шаг по ID.
func (m *Store) Get(_ context.Context, id int64) (*domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneStep(s), nil
}

// GetByIdempotencyKey возвращает шаг по ключу идемпотентности.
func (m *Store) GetByIdempotencyKey(_ context.Context, key string) (*domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.steps {
		if key != "" && s.IdempotencyKey == key {
			return cloneStep(s), nil
		}
	}
	return nil, repo.ErrNotFound
}

// GetOwner возвращает владельца блока.
func (m *Store) GetOwner(_ context.Context, blockUUID uuid.UUID) (*domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o := m.ownerLocked(blockUUID); o != nil {
		return cloneStep(o), nil
	}
	return nil, repo.ErrNotFound
}

// ListBlock возвращает шаги блока по index, id.
func (m *Store) ListBlock(_ context.Context, blockUUID uuid.UUID) ([]domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(func(s *domain.Step) bool { return s.BlockUUID == blockUUID }, 0, byIndex), nil
}

// List возвращает шаги по фильтру, новые первыми.
func (m *Store) List(_ context.Context, filter repo.StepFilter) ([]domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	all := m.selectLocked(func(s *domain.Step) bool {
		return inGroup(s, filter.Group) && (len(filter.States) == 0 || hasState(s.State, filter.States))
	}, 0, func(a, b *domain.Step) bool { return a.ID > b.ID })

	if filter.Offset >= len(all) {
		return nil, nil
	}
	all = all[filter.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CompareAndSwapState сохраняет шаг, если его состояние = expected.
func (m *Store) CompareAndSwapState(_ context.Context, step *domain.Step, expected domain.StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.steps[step.ID]
	if !ok || cur.State != expected {
		return fmt.Errorf("step %d %s → %s: %w", step.ID, expected, step.State, repo.ErrStateConflict)
	}

	next := cloneStep(cur)
	next.State = step.State
	next.DispatchAfter = copyTime(step.DispatchAfter)
	next.StartedAt = copyTime(step.StartedAt)
	next.CompletedAt = copyTime(step.CompletedAt)
	next.DurationMs = step.DurationMs
	next.Hostname = step.Hostname
	next.Retries = step.Retries
	next.Response = maps.Clone(step.Response)
	next.ErrorMessage = step.ErrorMessage
	next.ErrorStackTrace = step.ErrorStackTrace
	next.ChildrenReleased = step.ChildrenReleased
	next.UpdatedAt = step.UpdatedAt
	m.steps[step.ID] = next
	return nil
}

// CountByStates считает шаги в состояниях.
func (m *Store) CountByStates(_ context.Context, group string, states ...domain.StepState) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.steps {
		if inGroup(s, group) && hasState(s.State, states) {
			n++
		}
	}
	return n, nil
}

// ListParentsWithOpenChildren — см. repo.StepStore.
func (m *Store) ListParentsWithOpenChildren(_ context.Context, group string, parentStates, childStates []domain.StepState, limit int) ([]domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(func(s *domain.Step) bool {
		if !inGroup(s, group) || !hasState(s.State, parentStates) || s.ChildBlockUUID == nil {
			return false
		}
		for _, c := range m.steps {
			if c.BlockUUID == *s.ChildBlockUUID && hasState(c.State, childStates) {
				return true
			}
		}
		return false
	}, limit, byID), nil
}

// ListWithOpenLaterSiblings — см. repo.StepStore.
func (m *Store) ListWithOpenLaterSiblings(_ context.Context, group string, states, siblingStates []domain.StepState, limit int) ([]domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(func(s *domain.Step) bool {
		if !inGroup(s, group) || !hasState(s.State, states) {
			return false
		}
		for _, sib := range m.steps {
			if sib.BlockUUID == s.BlockUUID && sib.Index > s.Index && hasState(sib.State, siblingStates) {
				return true
			}
		}
		return false
	}, limit, byID), nil
}

// ListSettledParents — см. repo.StepStore.
func (m *Store) ListSettledParents(_ context.Context, group string, withFailures bool, limit int) ([]domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(func(s *domain.Step) bool {
		if !inGroup(s, group) || s.State != domain.StepStateRunning || s.ChildBlockUUID == nil || !s.ChildrenReleased {
			return false
		}
		children, failed := 0, false
		for _, c := range m.steps {
			if c.BlockUUID != *s.ChildBlockUUID {
				continue
			}
			if c.State.IsOpen() {
				return false
			}
			children++
			if !c.State.IsConcluded() {
				failed = true
			}
		}
		return children > 0 && failed == withFailures
	}, limit, byID), nil
}

// ListParkedDue — см. repo.StepStore.
func (m *Store) ListParkedDue(_ context.Context, group string, now time.Time, limit int) ([]domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(func(s *domain.Step) bool {
		return inGroup(s, group) &&
			s.State == domain.StepStateNotRunnable &&
			s.DispatchAfter != nil && !s.DispatchAfter.After(now)
	}, limit, byID), nil
}

// ListExhausted — см. repo.StepStore.
func (m *Store) ListExhausted(_ context.Context, group string, maxRetries, limit int) ([]domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(func(s *domain.Step) bool {
		return inGroup(s, group) && s.State == domain.StepStatePending && s.Retries >= maxRetries
	}, limit, byID), nil
}

// ListDispatchable — см. repo.StepStore.
func (m *Store) ListDispatchable(_ context.Context, group string, now time.Time, maxRetries, limit int) ([]domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(func(s *domain.Step) bool {
		if s.Group != group || s.State != domain.StepStatePending || !s.IsDue(now) || s.Retries >= maxRetries {
			return false
		}
		for _, sib := range m.steps {
			if sib.BlockUUID == s.BlockUUID && sib.Index < s.Index && !sib.State.IsConcluded() {
				return false
			}
		}
		if o := m.ownerLocked(s.BlockUUID); o != nil && (o.State != domain.StepStateRunning || !o.ChildrenReleased) {
			return false
		}
		return true
	}, limit, byDispatchOrder), nil
}

func (m *Store) ownerLocked(blockUUID uuid.UUID) *domain.Step {
	for _, s := range m.steps {
		if s.ChildBlockUUID != nil && *s.ChildBlockUUID == blockUUID {
			return s
		}
	}
	return nil
}

func (m *Store) selectLocked(match func(*domain.Step) bool, limit int, less func(a, b *domain.Step) bool) []domain.Step {
	var found []*domain.Step
	for _, s := range m.steps {
		if match(s) {
			found = append(found, s)
		}
	}
	sort.Slice(found, func(i, j int) bool { return less(found[i], found[j]) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]domain.Step, len(found))
	for i, s := range found {
		out[i] = *cloneStep(s)
	}
	return out
}

// ──────────────────────────────────────────────────
// Dispatch locks
// ──────────────────────────────────────────────────

// StartDispatch захватывает блокировку группы.
func (m *Store) StartDispatch(_ context.Context, group, holder string, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.locks[group]
	if !ok {
		l = &domain.DispatchLock{Group: group}
		m.locks[group] = l
	}
	if l.IsHeld(now, staleAfter) {
		return false, nil
	}
	l.IsDispatching = true
	l.Holder = holder
	l.StartedAt = &now
	l.EndedAt = nil
	return true, nil
}

// EndDispatch освобождает блокировку группы, если её держит holder.
func (m *Store) EndDispatch(_ context.Context, group, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[group]; ok && l.Holder == holder {
		now := m.now()
		l.IsDispatching = false
		l.Holder = ""
		l.EndedAt = &now
	}
	return nil
}

// GetLock возвращает копию блокировки группы.
func (m *Store) GetLock(_ context.Context, group string) (*domain.DispatchLock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locks[group]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// ListLocks возвращает копии блокировок всех групп.
func (m *Store) ListLocks(_ context.Context) ([]domain.DispatchLock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.DispatchLock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out, nil
}

// ──────────────────────────────────────────────────
// Settings
// ──────────────────────────────────────────────────

// GetBool читает булеву настройку.
func (m *Store) GetBool(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	if !ok {
		return false, repo.ErrNotFound
	}
	return v, nil
}

// SetBool записывает булеву настройку.
func (m *Store) SetBool(_ context.Context, key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

// CreateSchedule сохраняет schedule.
func (m *Store) CreateSchedule(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return repo.ErrAlreadyExists
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

// GetSchedule возвращает schedule по ID.
func (m *Store) GetSchedule(_ context.Context, id uuid.UUID) (*domain.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSchedules возвращает schedules, новые первыми.
func (m *Store) ListSchedules(_ context.Context, filter repo.ScheduleFilter) ([]domain.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Schedule
	for _, s := range m.schedules {
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListDueSchedules возвращает включённые schedules, чьё время наступило.
func (m *Store) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Schedule
	for _, s := range m.schedules {
		if s.IsDue(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(*out[j].NextDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateSchedule перезаписывает schedule.
func (m *Store) UpdateSchedule(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return repo.ErrNotFound
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

// DeleteSchedule удаляет schedule.
func (m *Store) DeleteSchedule(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

// SetScheduleEnabled включает/выключает schedule.
func (m *Store) SetScheduleEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return repo.ErrNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = time.Now()
	return nil
}

// RecordScheduleRun сдвигает next_due_at, если он не менялся с чтения.
func (m *Store) RecordScheduleRun(_ context.Context, id uuid.UUID, run repo.ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return repo.ErrNotFound
	}
	if s.NextDueAt == nil || !s.NextDueAt.Equal(run.DueAt) {
		return repo.ErrStateConflict
	}
	s.RecordRun(run.StepID, run.NextDueAt, run.RanAt)
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func inGroup(s *domain.Step, group string) bool {
	return group == "" || s.Group == group
}

func hasState(state domain.StepState, states []domain.StepState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func byID(a, b *domain.Step) bool { return a.ID < b.ID }

func byIndex(a, b *domain.Step) bool {
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	return a.ID < b.ID
}

func byDispatchOrder(a, b *domain.Step) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	ta, tb := a.CreatedAt, b.CreatedAt
	if a.DispatchAfter != nil {
		ta = *a.DispatchAfter
	}
	if b.DispatchAfter != nil {
		tb = *b.DispatchAfter
	}
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}

func cloneStep(s *domain.Step) *domain.Step {
	cp := *s
	cp.Arguments = maps.Clone(s.Arguments)
	cp.Response = maps.Clone(s.Response)
	cp.DispatchAfter = copyTime(s.DispatchAfter)
	cp.StartedAt = copyTime(s.StartedAt)
	cp.CompletedAt = copyTime(s.CompletedAt)
	if s.ChildBlockUUID != nil {
		u := *s.ChildBlockUUID
		cp.ChildBlockUUID = &u
	}
	if s.Relatable != nil {
		r := *s.Relatable
		cp.Relatable = &r
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
