package scheduler

import (
	"context"
	"time"
)

// DefaultTickInterval — период тиков лидера.
const DefaultTickInterval = time.Second

// Lock — межпроцессная блокировка лидерства (pg advisory lock в проде).
type Lock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RunAsLeader каждые interval пытается стать (или подтвердить себя) лидером
// и, если лидер, выполняет Tick. Блокируется до отмены ctx; при выходе
// отпускает блокировку.
//
// Несколько процессов планировщика безопасны: тикает только держатель lock.
func (s *Scheduler) RunAsLeader(ctx context.Context, lock Lock, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()

	var leader bool
	defer func() {
		if leader {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				s.logger.Warn("failed to release leader lock", "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}

		ok, err := lock.TryAcquire(ctx)
		if err != nil {
			s.logger.Error("leader lock check failed", "error", err)
			leader = false
			continue
		}
		if ok != leader {
			s.logger.Info("scheduler leadership changed", "leader", ok)
		}
		leader = ok
		if !leader {
			continue
		}

		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}
}
