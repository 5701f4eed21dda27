package domain

import "time"

// DefaultLockTTL — через сколько блокировка тика считается брошенной.
const DefaultLockTTL = time.Minute

// DispatchLock — строка блокировки тика для одной группы.
//
// Создаётся один раз на группу; StartDispatch/EndDispatch меняют IsDispatching.
// Освободить блокировку может только тик с тем же Holder.
type DispatchLock struct {
	// Group — группа диспетчеризации.
	Group string `json:"group"`

	// IsDispatching — true, пока какой-то процесс выполняет тик этой группы.
	IsDispatching bool `json:"is_dispatching"`

	// Holder — токен тика, захватившего блокировку.
	Holder string `json:"holder,omitempty"`

	// StartedAt — начало последнего тика.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt — конец последнего тика.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// IsStale возвращает true, если тик держит блокировку дольше ttl —
// процесс, скорее всего, умер посреди тика.
func (l *DispatchLock) IsStale(now time.Time, ttl time.Duration) bool {
	if !l.IsDispatching || l.StartedAt == nil {
		return false
	}
	return now.Sub(*l.StartedAt) > ttl
}

// IsHeld возвращает true, если тик сейчас держит блокировку и она не брошена.
func (l *DispatchLock) IsHeld(now time.Time, ttl time.Duration) bool {
	return l.IsDispatching && !l.IsStale(now, ttl)
}
