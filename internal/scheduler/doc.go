// Package scheduler создаёт корневые шаги по расписаниям.
//
// Каждый тик находит schedules с наступившим next_due_at и для каждого
// сохраняет один корневой шаг (JobClass, Arguments, Group) в новом блоке.
// Шаг несёт idempotency_key "schedule:{id}:{next_due_at}", поэтому повторный
// тик по тому же времени (рестарт, смена лидера) второй шаг не создаст.
//
//	sched := scheduler.New(scheduler.Config{
//	    Schedules: scheduleRepo,
//	    Steps:     stepRepo,
//	    Logger:    logger,
//	})
//
//	created, err := sched.Tick(ctx)
//
// Leader election делается в cmd/stepwise-scheduler через
// repo.AdvisoryLock: Tick вызывает только лидер.
package scheduler
