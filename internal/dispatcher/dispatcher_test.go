package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Stepwise/internal/breaker"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/repo/memory"
)

// maxTicks — за сколько тиков дерево обязано прийти в устойчивое состояние.
const maxTicks = 10

type fakePublisher struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (p *fakePublisher) PublishStepDispatched(_ context.Context, s *domain.Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, s.ID)
	return nil
}

func (p *fakePublisher) published() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.ids...)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	breaker *breaker.Breaker
	pub     *fakePublisher
	d       *Dispatcher
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(),
		pub:   &fakePublisher{},
		now:   time.Now(),
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)
	f.breaker = breaker.New(breaker.Config{Settings: f.store, Steps: f.store, CacheTTL: -1})
	f.d = New(Config{
		Steps:      f.store,
		Locks:      f.store,
		Breaker:    f.breaker,
		Publisher:  f.pub,
		MaxRetries: 3,
		Now:        clock,
	})
	return f
}

type stepMod func(*domain.Step)

// owns вешает на шаг дочерний блок. RUNNING-владелец в фикстурах уже
// сохранил свой outcome, и его дети открыты.
func owns(block uuid.UUID) stepMod {
	return func(s *domain.Step) {
		s.ChildBlockUUID = &block
		s.ChildrenReleased = s.State == domain.StepStateRunning
	}
}

func retries(n int) stepMod {
	return func(s *domain.Step) { s.Retries = n }
}

// step сохраняет шаг в указанном состоянии.
func (f *fixture) step(block uuid.UUID, index int, state domain.StepState, mods ...stepMod) *domain.Step {
	f.t.Helper()
	s := domain.NewStep(block, index, "noop", nil)
	s.State = state
	for _, m := range mods {
		m(s)
	}
	if err := f.store.Create(f.ctx, s); err != nil {
		f.t.Fatalf("Create: %v", err)
	}
	return s
}

func (f *fixture) get(s *domain.Step) *domain.Step {
	f.t.Helper()
	got, err := f.store.Get(f.ctx, s.ID)
	if err != nil {
		f.t.Fatalf("Get %d: %v", s.ID, err)
	}
	return got
}

func (f *fixture) assertState(s *domain.Step, want domain.StepState) {
	f.t.Helper()
	if got := f.get(s).State; got != want {
		f.t.Errorf("step %d (index %d) state = %s, want %s", s.ID, s.Index, got, want)
	}
}

// transition имитирует воркер: меняет состояние шага через Mark* и CAS.
func (f *fixture) transition(s *domain.Step, mark func(*domain.Step) error) {
	f.t.Helper()
	cur := f.get(s)
	prev := cur.State
	if err := mark(cur); err != nil {
		f.t.Fatalf("transition step %d: %v", s.ID, err)
	}
	if err := f.store.CompareAndSwapState(f.ctx, cur, prev); err != nil {
		f.t.Fatalf("CAS step %d: %v", s.ID, err)
	}
}

func (f *fixture) tick() Result {
	f.t.Helper()
	res, err := f.d.Tick(f.ctx, domain.DefaultGroup)
	if err != nil {
		f.t.Fatalf("Tick: %v", err)
	}
	return res
}

// converge тикает, пока тик что-то меняет. Возвращает число рабочих тиков.
func (f *fixture) converge() int {
	f.t.Helper()
	for i := 0; i < maxTicks; i++ {
		if !f.tick().Worked() {
			return i
		}
	}
	f.t.Fatalf("tree did not settle within %d ticks", maxTicks)
	return maxTicks
}

// --- Lock ---

func TestTick_LockHeld(t *testing.T) {
	f := newFixture(t)
	f.step(uuid.New(), 0, domain.StepStatePending)

	ok, _ := f.store.StartDispatch(f.ctx, domain.DefaultGroup, "other-process", time.Minute)
	if !ok {
		t.Fatal("could not take lock")
	}

	if _, err := f.d.Tick(f.ctx, domain.DefaultGroup); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("Tick error = %v, want ErrLockHeld", err)
	}
	if len(f.pub.published()) != 0 {
		t.Error("dispatched while lock was held")
	}

	// Брошенная блокировка перехватывается.
	f.now = f.now.Add(2 * time.Minute)
	if res := f.tick(); res.Dispatched != 1 {
		t.Errorf("Dispatched = %d after stale takeover, want 1", res.Dispatched)
	}

	l, _ := f.store.GetLock(f.ctx, domain.DefaultGroup)
	if l.IsDispatching {
		t.Error("lock not released after tick")
	}
}

// Тик, у которого блокировку перехватили, не освобождает чужую блокировку.
func TestTick_StaleHolderCannotReleaseTakenOverLock(t *testing.T) {
	f := newFixture(t)
	g := domain.DefaultGroup

	if ok, _ := f.store.StartDispatch(f.ctx, g, "tick-a", time.Minute); !ok {
		t.Fatal("tick-a could not take lock")
	}
	f.now = f.now.Add(2 * time.Minute)
	if ok, _ := f.store.StartDispatch(f.ctx, g, "tick-b", time.Minute); !ok {
		t.Fatal("tick-b could not take over the stale lock")
	}

	// tick-a просыпается и завершает свой тик.
	if err := f.store.EndDispatch(f.ctx, g, "tick-a"); err != nil {
		t.Fatalf("EndDispatch: %v", err)
	}
	if ok, _ := f.store.StartDispatch(f.ctx, g, "tick-c", time.Minute); ok {
		t.Fatal("tick-c acquired the lock while tick-b still holds it")
	}
	if _, err := f.d.Tick(f.ctx, g); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("Tick error = %v, want ErrLockHeld", err)
	}
	l, _ := f.store.GetLock(f.ctx, g)
	if !l.IsDispatching || l.Holder != "tick-b" {
		t.Errorf("lock = %+v, want held by tick-b", l)
	}

	if err := f.store.EndDispatch(f.ctx, g, "tick-b"); err != nil {
		t.Fatalf("EndDispatch: %v", err)
	}
	if _, err := f.d.Tick(f.ctx, g); err != nil {
		t.Errorf("Tick after release: %v", err)
	}
}

// --- Ordering ---

func TestTick_OrderingGate(t *testing.T) {
	f := newFixture(t)
	block := uuid.New()
	a := f.step(block, 0, domain.StepStatePending)
	b1 := f.step(block, 1, domain.StepStatePending)
	b2 := f.step(block, 1, domain.StepStatePending)
	c := f.step(block, 2, domain.StepStatePending)

	f.tick()
	f.assertState(a, domain.StepStateDispatched)
	f.assertState(b1, domain.StepStatePending)
	f.assertState(c, domain.StepStatePending)

	f.transition(a, func(s *domain.Step) error { return s.MarkRunning("h") })
	f.tick()
	f.assertState(b1, domain.StepStatePending)

	f.transition(a, func(s *domain.Step) error { return s.MarkCompleted(nil) })
	f.tick()
	// Шаги с одним индексом отправляются вместе.
	f.assertState(b1, domain.StepStateDispatched)
	f.assertState(b2, domain.StepStateDispatched)
	f.assertState(c, domain.StepStatePending)

	f.transition(b1, func(s *domain.Step) error { return s.MarkRunning("h") })
	f.transition(b1, func(s *domain.Step) error { return s.MarkCompleted(nil) })
	f.transition(b2, func(s *domain.Step) error { return s.MarkRunning("h") })
	f.transition(b2, func(s *domain.Step) error { return s.MarkSkipped() })
	f.tick()
	f.assertState(c, domain.StepStateDispatched)

	want := []int64{a.ID, b1.ID, b2.ID, c.ID}
	got := f.pub.published()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	if got[0] != a.ID || got[3] != c.ID {
		t.Errorf("publish order = %v", got)
	}
}

func TestTick_DispatchAfterAndPriority(t *testing.T) {
	f := newFixture(t)
	later := f.now.Add(time.Minute)

	low := f.step(uuid.New(), 0, domain.StepStatePending)
	high := f.step(uuid.New(), 0, domain.StepStatePending, func(s *domain.Step) { s.Priority = 10 })
	delayed := f.step(uuid.New(), 0, domain.StepStatePending, func(s *domain.Step) { s.DispatchAfter = &later })

	f.tick()
	f.assertState(delayed, domain.StepStatePending)
	got := f.pub.published()
	if len(got) != 2 || got[0] != high.ID || got[1] != low.ID {
		t.Errorf("published %v, want [%d %d]", got, high.ID, low.ID)
	}

	f.now = later
	f.tick()
	f.assertState(delayed, domain.StepStateDispatched)
}

func TestTick_ChildrenWaitForRunningParent(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	parent := f.step(uuid.New(), 0, domain.StepStatePending, owns(children))
	child := f.step(children, 0, domain.StepStatePending)

	f.tick()
	f.assertState(parent, domain.StepStateDispatched)
	f.assertState(child, domain.StepStatePending)

	f.transition(parent, func(s *domain.Step) error { return s.MarkRunning("h") })
	f.converge()
	f.assertState(child, domain.StepStatePending)

	f.transition(parent, func(s *domain.Step) error { return s.ReleaseChildren(nil) })
	f.tick()
	f.assertState(child, domain.StepStateDispatched)
}

func TestTick_UnreleasedParentNotPromoted(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	parent := f.step(uuid.New(), 0, domain.StepStatePending, owns(children))
	f.step(children, 0, domain.StepStateCompleted)
	f.step(children, 1, domain.StepStateSkipped)
	f.transition(parent, func(s *domain.Step) error { return s.MarkRunning("h") })

	f.converge()
	f.assertState(parent, domain.StepStateRunning)

	f.transition(parent, func(s *domain.Step) error { return s.ReleaseChildren(nil) })
	res := f.tick()
	if res.Phase != PhaseCompletionPromotion {
		t.Errorf("Phase = %q, want %q", res.Phase, PhaseCompletionPromotion)
	}
	f.assertState(parent, domain.StepStateCompleted)
}

func TestTick_IgnoresOtherGroups(t *testing.T) {
	f := newFixture(t)
	s := f.step(uuid.New(), 0, domain.StepStatePending, func(s *domain.Step) { s.Group = "reporting" })

	f.tick()
	f.assertState(s, domain.StepStatePending)

	if _, err := f.d.Tick(f.ctx, "reporting"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	f.assertState(s, domain.StepStateDispatched)
}

// --- Cascades ---

func TestTick_UpwardFailureCascade(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	parent := f.step(uuid.New(), 0, domain.StepStateRunning, owns(children))
	ok := f.step(children, 0, domain.StepStateCompleted)
	bad := f.step(children, 0, domain.StepStateFailed)

	res := f.tick()
	if res.Phase != PhaseFailurePromotion {
		t.Errorf("Phase = %q, want %q", res.Phase, PhaseFailurePromotion)
	}

	got := f.get(parent)
	if got.State != domain.StepStateFailed {
		t.Fatalf("parent state = %s, want FAILED", got.State)
	}
	if !strings.Contains(got.ErrorMessage, strconv.FormatInt(bad.ID, 10)) {
		t.Errorf("error message %q does not mention failed child %d", got.ErrorMessage, bad.ID)
	}
	if strings.Contains(got.ErrorMessage, strconv.FormatInt(ok.ID, 10)) {
		t.Errorf("error message %q mentions completed child %d", got.ErrorMessage, ok.ID)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestTick_ParentWaitsForOpenChildren(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	parent := f.step(uuid.New(), 0, domain.StepStateRunning, owns(children))
	f.step(children, 0, domain.StepStateFailed)
	f.step(children, 0, domain.StepStateRunning)

	f.converge()
	f.assertState(parent, domain.StepStateRunning)
}

func TestTick_DownwardFailureCascade(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	f.step(uuid.New(), 0, domain.StepStateFailed, owns(children))
	pending := f.step(children, 0, domain.StepStatePending)
	dispatched := f.step(children, 0, domain.StepStateDispatched)
	running := f.step(children, 0, domain.StepStateRunning)

	res := f.tick()
	if res.Phase != PhaseFailureCascade || res.Changed != 2 {
		t.Errorf("result = %+v, want 2 transitions in %s", res, PhaseFailureCascade)
	}
	f.assertState(pending, domain.StepStateCancelled)
	f.assertState(dispatched, domain.StepStateCancelled)
	f.assertState(running, domain.StepStateRunning)
}

func TestTick_SiblingCascade(t *testing.T) {
	f := newFixture(t)
	block := uuid.New()
	s0 := f.step(block, 0, domain.StepStateCompleted)
	s1 := f.step(block, 1, domain.StepStateStopped)
	s2 := f.step(block, 2, domain.StepStatePending)
	s3 := f.step(block, 3, domain.StepStateDispatched)

	f.tick()
	f.assertState(s0, domain.StepStateCompleted)
	f.assertState(s1, domain.StepStateStopped)
	f.assertState(s2, domain.StepStateCancelled)
	f.assertState(s3, domain.StepStateCancelled)
}

func TestTick_SkipCascade(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	f.step(uuid.New(), 0, domain.StepStateSkipped, owns(children))
	pending := f.step(children, 0, domain.StepStatePending)
	running := f.step(children, 1, domain.StepStateRunning)
	done := f.step(children, 2, domain.StepStateCompleted)

	res := f.tick()
	if res.Phase != PhaseSkipCascade {
		t.Errorf("Phase = %q, want %q", res.Phase, PhaseSkipCascade)
	}
	f.assertState(pending, domain.StepStateSkipped)
	f.assertState(running, domain.StepStateSkipped)
	f.assertState(done, domain.StepStateCompleted)
}

func TestTick_CancelCascadeIsRecursive(t *testing.T) {
	f := newFixture(t)
	children, grandchildren := uuid.New(), uuid.New()
	f.step(uuid.New(), 0, domain.StepStateCancelled, owns(children))
	child := f.step(children, 0, domain.StepStatePending, owns(grandchildren))
	grandchild := f.step(grandchildren, 0, domain.StepStatePending)

	res := f.tick()
	if res.Phase != PhaseCancelCascade || res.Changed != 2 {
		t.Errorf("result = %+v, want 2 transitions in %s", res, PhaseCancelCascade)
	}
	f.assertState(child, domain.StepStateCancelled)
	f.assertState(grandchild, domain.StepStateCancelled)
}

func TestTick_CompletionPromotion(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	parent := f.step(uuid.New(), 0, domain.StepStateRunning, owns(children))
	f.step(children, 0, domain.StepStateCompleted)
	f.step(children, 1, domain.StepStateSkipped)

	res := f.tick()
	if res.Phase != PhaseCompletionPromotion {
		t.Errorf("Phase = %q, want %q", res.Phase, PhaseCompletionPromotion)
	}
	f.assertState(parent, domain.StepStateCompleted)
}

func TestTick_RunningParentWithoutChildrenUntouched(t *testing.T) {
	f := newFixture(t)
	s := f.step(uuid.New(), 0, domain.StepStateRunning)
	f.converge()
	f.assertState(s, domain.StepStateRunning)
}

// --- Retries and recovery ---

func TestTick_RetryExhaustion(t *testing.T) {
	f := newFixture(t)
	exhausted := f.step(uuid.New(), 0, domain.StepStatePending, retries(3), func(s *domain.Step) {
		s.ErrorMessage = "503 from exchange"
	})
	fresh := f.step(uuid.New(), 0, domain.StepStatePending, retries(2))

	res := f.tick()
	if res.Phase != PhaseRetryExhaustion {
		t.Errorf("Phase = %q, want %q", res.Phase, PhaseRetryExhaustion)
	}
	got := f.get(exhausted)
	if got.State != domain.StepStateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if !strings.Contains(got.ErrorMessage, "retries exhausted") || !strings.Contains(got.ErrorMessage, "503") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}

	f.tick()
	f.assertState(fresh, domain.StepStateDispatched)
}

func TestTick_RecoveryPromotion(t *testing.T) {
	f := newFixture(t)
	recheck := f.now.Add(30 * time.Second)
	parked := f.step(uuid.New(), 0, domain.StepStateNotRunnable, func(s *domain.Step) {
		s.DispatchAfter = &recheck
		s.ErrorMessage = "price feed missing"
	})
	manual := f.step(uuid.New(), 0, domain.StepStateNotRunnable)

	f.converge()
	f.assertState(parked, domain.StepStateNotRunnable)

	f.now = recheck.Add(time.Second)
	res := f.tick()
	if res.Phase != PhaseRecovery {
		t.Errorf("Phase = %q, want %q", res.Phase, PhaseRecovery)
	}
	got := f.get(parked)
	if got.State != domain.StepStatePending || got.ErrorMessage != "" {
		t.Errorf("parked step = %s %q, want PENDING without reason", got.State, got.ErrorMessage)
	}

	f.tick()
	f.assertState(parked, domain.StepStateDispatched)
	f.assertState(manual, domain.StepStateNotRunnable)
}

// --- Tick structure ---

func TestTick_FirstWorkingPhaseEndsTick(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	f.step(uuid.New(), 0, domain.StepStateSkipped, owns(children))
	f.step(children, 0, domain.StepStatePending)
	ready := f.step(uuid.New(), 0, domain.StepStatePending)

	res := f.tick()
	if res.Phase != PhaseSkipCascade || res.Dispatched != 0 {
		t.Errorf("first tick = %+v, want skip cascade without dispatch", res)
	}
	f.assertState(ready, domain.StepStatePending)

	res = f.tick()
	if res.Dispatched != 1 {
		t.Errorf("second tick dispatched %d, want 1", res.Dispatched)
	}
}

func TestTick_BreakerDisabledSettlesButDoesNotDispatch(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	parent := f.step(uuid.New(), 0, domain.StepStateRunning, owns(children))
	child := f.step(children, 0, domain.StepStateRunning)
	waiting := f.step(uuid.New(), 0, domain.StepStatePending)

	if err := f.breaker.Disable(f.ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if safe, _ := f.breaker.SafeToRestart(f.ctx, ""); safe {
		t.Fatal("safe with running steps")
	}

	f.transition(child, func(s *domain.Step) error { return s.MarkCompleted(nil) })
	f.converge()

	f.assertState(parent, domain.StepStateCompleted)
	f.assertState(waiting, domain.StepStatePending)
	if n := len(f.pub.published()); n != 0 {
		t.Errorf("published %d steps with breaker disabled", n)
	}
	if safe, _ := f.breaker.SafeToRestart(f.ctx, ""); !safe {
		t.Error("should be safe once the tree settled")
	}

	_ = f.breaker.Enable(f.ctx)
	f.tick()
	f.assertState(waiting, domain.StepStateDispatched)
}

// Breaker другого процесса закэшировал «включено», но Disable действует
// с ближайшего тика.
func TestTick_DisableSeenByOtherProcessImmediately(t *testing.T) {
	f := newFixture(t)
	clock := func() time.Time { return f.now }
	other := breaker.New(breaker.Config{Settings: f.store, Steps: f.store, Locks: f.store, Now: clock})
	d := New(Config{
		Steps:     f.store,
		Locks:     f.store,
		Breaker:   other,
		Publisher: f.pub,
		Now:       clock,
	})
	waiting := f.step(uuid.New(), 0, domain.StepStatePending)

	if on, _ := other.Enabled(f.ctx); !on {
		t.Fatal("breaker should start enabled")
	}
	if err := f.breaker.Disable(f.ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	res, err := d.Tick(f.ctx, domain.DefaultGroup)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.BreakerEnabled || res.Dispatched != 0 {
		t.Errorf("result = %+v, want dispatch skipped", res)
	}
	f.assertState(waiting, domain.StepStatePending)
	if safe, _ := f.breaker.SafeToRestart(f.ctx, ""); !safe {
		t.Error("should be safe: nothing dispatched after Disable")
	}
}

func TestTick_PublishFailureLeavesStepDispatched(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("connection reset")
	s := f.step(uuid.New(), 0, domain.StepStatePending)

	res := f.tick()
	if res.Dispatched != 1 {
		t.Errorf("Dispatched = %d, want 1", res.Dispatched)
	}
	f.assertState(s, domain.StepStateDispatched)
}

func TestTick_StepsSettleIntoTerminalStatesOnly(t *testing.T) {
	f := newFixture(t)
	s := f.step(uuid.New(), 0, domain.StepStateCompleted)
	f.converge()

	got := f.get(s)
	if err := got.MarkFailed("late", ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("MarkFailed on COMPLETED error = %v, want ErrInvalidTransition", err)
	}
}

// --- Scenarios ---

func TestTick_EndToEndFailurePropagation(t *testing.T) {
	f := newFixture(t)

	// root (RUNNING) → owner (RUNNING) → [A idx0, B idx1]
	ownerBlock, leafBlock := uuid.New(), uuid.New()
	root := f.step(uuid.New(), 0, domain.StepStateRunning, owns(ownerBlock))
	owner := f.step(ownerBlock, 0, domain.StepStateRunning, owns(leafBlock))
	a := f.step(leafBlock, 0, domain.StepStatePending)
	b := f.step(leafBlock, 1, domain.StepStatePending)

	f.tick()
	f.assertState(a, domain.StepStateDispatched)
	f.assertState(b, domain.StepStatePending)

	f.transition(a, func(s *domain.Step) error { return s.MarkRunning("h") })
	f.transition(a, func(s *domain.Step) error { return s.MarkFailed("insufficient balance", "") })

	ticks := f.converge()

	f.assertState(a, domain.StepStateFailed)
	f.assertState(b, domain.StepStateCancelled)
	f.assertState(owner, domain.StepStateFailed)
	f.assertState(root, domain.StepStateFailed)

	if msg := f.get(owner).ErrorMessage; !strings.Contains(msg, strconv.FormatInt(a.ID, 10)) {
		t.Errorf("owner error = %q, want failed child %d", msg, a.ID)
	}
	if msg := f.get(root).ErrorMessage; !strings.Contains(msg, strconv.FormatInt(owner.ID, 10)) {
		t.Errorf("root error = %q, want failed child %d", msg, owner.ID)
	}
	if ticks > 4 {
		t.Errorf("settled in %d ticks, want at most 4", ticks)
	}
}

func TestTick_DeepTreeConverges(t *testing.T) {
	f := newFixture(t)

	// Каждый уровень: одна фаза поднимает отказ, следующая отменяет соседа.
	const depth = 3
	var chain []*domain.Step
	block := uuid.New()
	for i := 0; i < depth; i++ {
		next := uuid.New()
		chain = append(chain, f.step(block, 0, domain.StepStateRunning, owns(next)))
		// Сосед, который должен быть отменён на каждом уровне.
		chain = append(chain, f.step(block, 1, domain.StepStatePending))
		block = next
	}
	leaf := f.step(block, 0, domain.StepStateStopped)

	if ticks := f.converge(); ticks > 2*depth {
		t.Errorf("settled in %d ticks, want at most %d", ticks, 2*depth)
	}

	f.assertState(leaf, domain.StepStateStopped)
	for i, s := range chain {
		want := domain.StepStateFailed
		if i%2 == 1 {
			want = domain.StepStateCancelled
		}
		f.assertState(s, want)
	}
}

func TestTick_SuccessfulTreeCompletes(t *testing.T) {
	f := newFixture(t)
	children := uuid.New()
	root := f.step(uuid.New(), 0, domain.StepStatePending, owns(children))
	c0 := f.step(children, 0, domain.StepStatePending)
	c1 := f.step(children, 1, domain.StepStatePending)

	// Воркер: берёт всё DISPATCHED и завершает; root остаётся RUNNING до детей.
	work := func() {
		for _, s := range []*domain.Step{root, c0, c1} {
			if f.get(s).State != domain.StepStateDispatched {
				continue
			}
			f.transition(s, func(s *domain.Step) error { return s.MarkRunning("h") })
			if s == root {
				f.transition(s, func(s *domain.Step) error { return s.ReleaseChildren(nil) })
				continue
			}
			f.transition(s, func(s *domain.Step) error { return s.MarkCompleted(nil) })
		}
	}

	for i := 0; i < maxTicks; i++ {
		f.tick()
		work()
	}

	f.assertState(c0, domain.StepStateCompleted)
	f.assertState(c1, domain.StepStateCompleted)
	f.assertState(root, domain.StepStateCompleted)
}
