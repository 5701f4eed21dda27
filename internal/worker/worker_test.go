package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Stepwise/internal/breaker"
	"github.com/shaiso/Stepwise/internal/dispatcher"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/job"
	"github.com/shaiso/Stepwise/internal/repo/memory"
	"github.com/shaiso/Stepwise/internal/tree"
)

type testEnv struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	jobs  *job.Registry
	w     *Worker
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(),
		jobs:  job.NewRegistry(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e.w = New(Config{
		Steps:      e.store,
		Jobs:       e.jobs,
		Groups:     []string{"default", "trading"},
		MaxRetries: 3,
		Hostname:   "worker-test",
		Now:        func() time.Time { return e.now },
	})
	return e
}

func (e *testEnv) register(class string, f func(ctx context.Context, jc *job.Context) job.Outcome) {
	e.jobs.RegisterJob(class, job.Func(f))
}

// dispatched сохраняет DISPATCHED-шаг, как после тика диспетчера.
func (e *testEnv) dispatched(class string, mods ...func(*domain.Step)) *domain.Step {
	e.t.Helper()
	s := domain.NewStep(uuid.New(), 0, class, map[string]any{"symbol": "BTCUSDT"})
	s.State = domain.StepStateDispatched
	for _, m := range mods {
		m(s)
	}
	if err := e.store.Create(e.ctx, s); err != nil {
		e.t.Fatalf("Create: %v", err)
	}
	return s
}

func (e *testEnv) get(id int64) *domain.Step {
	e.t.Helper()
	s, err := e.store.Get(e.ctx, id)
	if err != nil {
		e.t.Fatalf("Get %d: %v", id, err)
	}
	return s
}

func (e *testEnv) process(id int64) {
	e.t.Helper()
	if err := e.w.Process(e.ctx, id); err != nil {
		e.t.Fatalf("Process %d: %v", id, err)
	}
}

func TestProcess_Completed(t *testing.T) {
	e := newTestEnv(t)
	e.register("quote", func(_ context.Context, jc *job.Context) job.Outcome {
		if jc.Step().State != domain.StepStateRunning {
			t.Errorf("job sees state %s, want RUNNING", jc.Step().State)
		}
		return job.Completed(map[string]any{"symbol": jc.String("symbol"), "price": 101.5})
	})
	s := e.dispatched("quote")

	e.process(s.ID)

	got := e.get(s.ID)
	if got.State != domain.StepStateCompleted {
		t.Fatalf("state = %s, want COMPLETED", got.State)
	}
	if got.Response["symbol"] != "BTCUSDT" {
		t.Errorf("response = %v", got.Response)
	}
	if got.Hostname != "worker-test" || got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("execution fields not set: %+v", got)
	}
}

func TestProcess_DuplicateDeliveryRunsOnce(t *testing.T) {
	e := newTestEnv(t)
	var calls atomic.Int32
	e.register("order.place", func(context.Context, *job.Context) job.Outcome {
		calls.Add(1)
		return job.Completed(nil)
	})
	s := e.dispatched("order.place")

	e.process(s.ID)
	err := e.w.Process(e.ctx, s.ID)
	if !errors.Is(err, ErrStepNotDispatched) {
		t.Fatalf("second Process err = %v, want ErrStepNotDispatched", err)
	}
	if calls.Load() != 1 {
		t.Errorf("job ran %d times, want 1", calls.Load())
	}
}

func TestProcess_NotFound(t *testing.T) {
	e := newTestEnv(t)
	if err := e.w.Process(e.ctx, 999); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("err = %v, want ErrStepNotFound", err)
	}
}

func TestProcess_CancelledStepIsNotRun(t *testing.T) {
	e := newTestEnv(t)
	e.register("noop", func(context.Context, *job.Context) job.Outcome {
		t.Error("job must not run")
		return job.Completed(nil)
	})
	s := e.dispatched("noop", func(s *domain.Step) { s.State = domain.StepStateCancelled })

	if err := e.w.Process(e.ctx, s.ID); !errors.Is(err, ErrStepNotDispatched) {
		t.Errorf("err = %v, want ErrStepNotDispatched", err)
	}
}

func TestProcess_UnknownJob(t *testing.T) {
	e := newTestEnv(t)
	s := e.dispatched("missing.job")

	e.process(s.ID)

	got := e.get(s.ID)
	if got.State != domain.StepStateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if !strings.Contains(got.ErrorMessage, "missing.job") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestProcess_PanicBecomesFailed(t *testing.T) {
	e := newTestEnv(t)
	e.register("boom", func(context.Context, *job.Context) job.Outcome {
		panic("nil order book")
	})
	s := e.dispatched("boom")

	e.process(s.ID)

	got := e.get(s.ID)
	if got.State != domain.StepStateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if !strings.Contains(got.ErrorMessage, "nil order book") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if !strings.Contains(got.ErrorStackTrace, "goroutine") {
		t.Errorf("stack trace missing: %q", got.ErrorStackTrace)
	}
}

func TestProcess_RetrySchedulesNextAttempt(t *testing.T) {
	e := newTestEnv(t)
	e.register("flaky", func(context.Context, *job.Context) job.Outcome {
		return job.RetryBecause(30*time.Second, errors.New("exchange timeout"))
	})
	s := e.dispatched("flaky")

	e.process(s.ID)

	got := e.get(s.ID)
	if got.State != domain.StepStatePending {
		t.Fatalf("state = %s, want PENDING", got.State)
	}
	if got.Retries != 1 {
		t.Errorf("retries = %d, want 1", got.Retries)
	}
	if got.DispatchAfter == nil || !got.DispatchAfter.Equal(e.now.Add(30*time.Second)) {
		t.Errorf("dispatch_after = %v, want %v", got.DispatchAfter, e.now.Add(30*time.Second))
	}
	if got.ErrorMessage != "exchange timeout" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestProcess_RetryAtLimitFails(t *testing.T) {
	e := newTestEnv(t)
	e.register("flaky", func(context.Context, *job.Context) job.Outcome {
		return job.RetryBecause(time.Second, errors.New("exchange timeout"))
	})
	s := e.dispatched("flaky", func(s *domain.Step) { s.Retries = 3 })

	e.process(s.ID)

	got := e.get(s.ID)
	if got.State != domain.StepStateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if !strings.Contains(got.ErrorMessage, "retries exhausted (3/3)") ||
		!strings.Contains(got.ErrorMessage, "exchange timeout") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestProcess_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantState domain.StepState
	}{
		{"permanent", job.NewPermanent("insufficient balance"), domain.StepStateFailed},
		{"ignorable", &job.Ignorable{Err: errors.New("order already cancelled")}, domain.StepStateCompleted},
		{"ignorable skip", &job.Ignorable{Err: errors.New("position closed"), Skip: true}, domain.StepStateSkipped},
		{"unclassified", errors.New("connection reset"), domain.StepStatePending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.register("trade", func(_ context.Context, jc *job.Context) job.Outcome {
				return job.FromError(tt.err, nil, jc.Attempt())
			})
			s := e.dispatched("trade")

			e.process(s.ID)

			got := e.get(s.ID)
			if got.State != tt.wantState {
				t.Errorf("state = %s, want %s", got.State, tt.wantState)
			}
			if tt.wantState == domain.StepStateFailed && got.ErrorStackTrace == "" {
				t.Error("permanent error lost its stack trace")
			}
		})
	}
}

func TestProcess_StoppedSkippedNotRunnable(t *testing.T) {
	recheck := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	tests := []struct {
		outcome   job.Outcome
		wantState domain.StepState
	}{
		{job.Stopped("strategy halted"), domain.StepStateStopped},
		{job.Skipped("market closed"), domain.StepStateSkipped},
		{job.NotRunnable("api key missing", &recheck), domain.StepStateNotRunnable},
	}

	for _, tt := range tests {
		t.Run(tt.outcome.Kind(), func(t *testing.T) {
			e := newTestEnv(t)
			e.register("strategy", func(context.Context, *job.Context) job.Outcome { return tt.outcome })
			s := e.dispatched("strategy")

			e.process(s.ID)

			got := e.get(s.ID)
			if got.State != tt.wantState {
				t.Fatalf("state = %s, want %s", got.State, tt.wantState)
			}
			if got.ErrorMessage == "" {
				t.Error("reason not recorded")
			}
			if tt.wantState == domain.StepStateNotRunnable &&
				(got.DispatchAfter == nil || !got.DispatchAfter.Equal(recheck)) {
				t.Errorf("recheck = %v, want %v", got.DispatchAfter, recheck)
			}
		})
	}
}

func TestProcess_CompletedWithChildrenStaysRunning(t *testing.T) {
	e := newTestEnv(t)
	e.register("rebalance", func(ctx context.Context, jc *job.Context) job.Outcome {
		b := tree.NewBlock("")
		b.Parallel(
			tree.Spec{JobClass: "order.place", Arguments: map[string]any{"side": "buy"}},
			tree.Spec{JobClass: "order.place", Arguments: map[string]any{"side": "sell"}},
		)
		if err := jc.Spawn(ctx, b); err != nil {
			return job.Failed(err)
		}
		return job.Completed(map[string]any{"orders": 2})
	})
	s := e.dispatched("rebalance", func(s *domain.Step) { s.Group = "trading" })

	e.process(s.ID)

	got := e.get(s.ID)
	if got.State != domain.StepStateRunning {
		t.Fatalf("state = %s, want RUNNING until children finish", got.State)
	}
	if got.ChildBlockUUID == nil {
		t.Fatal("child block not attached")
	}
	if got.Response["orders"] != 2 {
		t.Errorf("response = %v", got.Response)
	}
	if !got.ChildrenReleased {
		t.Error("children not released after the parent outcome")
	}

	children, err := e.store.ListBlock(e.ctx, *got.ChildBlockUUID)
	if err != nil {
		t.Fatalf("ListBlock: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.Group != "trading" || c.State != domain.StepStatePending {
			t.Errorf("child %d: group=%s state=%s", c.ID, c.Group, c.State)
		}
	}
}

func TestPoll_OnlyOwnGroups(t *testing.T) {
	e := newTestEnv(t)
	e.register("noop", func(context.Context, *job.Context) job.Outcome { return job.Completed(nil) })
	mine := e.dispatched("noop", func(s *domain.Step) { s.Group = "trading" })
	other := e.dispatched("noop", func(s *domain.Step) { s.Group = "reporting" })

	e.w.poll(e.ctx)

	if got := e.get(mine.ID).State; got != domain.StepStateCompleted {
		t.Errorf("own group step = %s, want COMPLETED", got)
	}
	if got := e.get(other.ID).State; got != domain.StepStateDispatched {
		t.Errorf("foreign group step = %s, want DISPATCHED", got)
	}
}

// Дерево из родителя и двух последовательных детей проходит через
// диспетчер и воркер до COMPLETED у всех шагов.
func TestWorkerAndDispatcher_TreeCompletes(t *testing.T) {
	e := newTestEnv(t)
	e.store.SetClock(func() time.Time { return e.now })

	var order []string
	e.register("leg", func(_ context.Context, jc *job.Context) job.Outcome {
		order = append(order, jc.String("name"))
		return job.Completed(nil)
	})
	e.register("parent", func(ctx context.Context, jc *job.Context) job.Outcome {
		b := tree.NewBlock("")
		b.Add("leg", map[string]any{"name": "open"})
		b.Add("leg", map[string]any{"name": "hedge"})
		if err := jc.Spawn(ctx, b); err != nil {
			return job.Failed(err)
		}
		return job.Completed(nil)
	})

	root := tree.NewBlock("")
	root.Add("parent", nil)
	if err := root.Persist(e.ctx, e.store); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	parent := root.Steps()[0]

	d := dispatcher.New(dispatcher.Config{
		Steps:   e.store,
		Locks:   e.store,
		Breaker: breaker.New(breaker.Config{Settings: e.store, Steps: e.store, CacheTTL: -1}),
		Now:     func() time.Time { return e.now },
	})

	for i := 0; i < 20 && e.get(parent.ID).State != domain.StepStateCompleted; i++ {
		if _, err := d.Tick(e.ctx, domain.DefaultGroup); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		e.w.poll(e.ctx)
	}

	if got := e.get(parent.ID).State; got != domain.StepStateCompleted {
		t.Fatalf("parent = %s, want COMPLETED", got)
	}
	if strings.Join(order, ",") != "open,hedge" {
		t.Errorf("children ran in order %v, want open,hedge", order)
	}
}

// Пока Compute родителя не вернул outcome, дети не отправляются и не
// завершают родителя. Отказ родителя после Spawn остаётся FAILED.
func TestWorkerAndDispatcher_ParentFailsAfterSpawn(t *testing.T) {
	e := newTestEnv(t)
	e.store.SetClock(func() time.Time { return e.now })

	d := dispatcher.New(dispatcher.Config{
		Steps:   e.store,
		Locks:   e.store,
		Breaker: breaker.New(breaker.Config{Settings: e.store, Steps: e.store, CacheTTL: -1}),
		Now:     func() time.Time { return e.now },
	})

	var legRuns atomic.Int32
	e.register("leg", func(context.Context, *job.Context) job.Outcome {
		legRuns.Add(1)
		return job.Completed(nil)
	})
	e.register("parent", func(ctx context.Context, jc *job.Context) job.Outcome {
		b := tree.NewBlock("")
		b.Add("leg", map[string]any{"name": "open"})
		if err := jc.Spawn(ctx, b); err != nil {
			return job.Failed(err)
		}

		// Родитель ещё считает: тики и воркер идут параллельно.
		for i := 0; i < 5; i++ {
			if _, err := d.Tick(ctx, domain.DefaultGroup); err != nil {
				t.Errorf("Tick during compute: %v", err)
			}
			e.w.poll(ctx)
		}
		if st := e.get(jc.Step().ID).State; st != domain.StepStateRunning {
			t.Errorf("parent during compute = %s, want RUNNING", st)
		}
		children, err := e.store.ListBlock(ctx, *jc.Step().ChildBlockUUID)
		if err != nil {
			t.Errorf("ListBlock: %v", err)
		}
		for _, c := range children {
			if c.State != domain.StepStatePending {
				t.Errorf("child %d during compute = %s, want PENDING", c.ID, c.State)
			}
		}
		return job.Failedf("venue rejected rebalance")
	})

	root := tree.NewBlock("")
	root.Add("parent", nil)
	if err := root.Persist(e.ctx, e.store); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	parent := root.Steps()[0]

	for i := 0; i < 10; i++ {
		if _, err := d.Tick(e.ctx, domain.DefaultGroup); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		e.w.poll(e.ctx)
	}

	got := e.get(parent.ID)
	if got.State != domain.StepStateFailed {
		t.Fatalf("parent = %s, want FAILED", got.State)
	}
	if !strings.Contains(got.ErrorMessage, "venue rejected") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if n := legRuns.Load(); n != 0 {
		t.Errorf("child ran %d times under a failed parent", n)
	}
	children, _ := e.store.ListBlock(e.ctx, *got.ChildBlockUUID)
	for _, c := range children {
		if c.State != domain.StepStateCancelled {
			t.Errorf("child %d = %s, want CANCELLED", c.ID, c.State)
		}
	}
}
