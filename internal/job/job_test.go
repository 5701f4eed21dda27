package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Stepwise/internal/backoff"
	"github.com/shaiso/Stepwise/internal/cache"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/idempotency"
	"github.com/shaiso/Stepwise/internal/repo/memory"
	"github.com/shaiso/Stepwise/internal/throttle"
	"github.com/shaiso/Stepwise/internal/tree"
)

// --- Registry ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.RegisterJob("noop", Func(func(context.Context, *Context) Outcome { return Completed(nil) }))

	if !r.Has("noop") {
		t.Error("noop should be registered")
	}
	j, err := r.New("noop")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if o := j.Compute(context.Background(), nil); o.Kind() != "completed" {
		t.Errorf("Kind = %s, want completed", o.Kind())
	}

	if _, err := r.New("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("error = %v, want ErrUnknownJob", err)
	}
	if got := r.Classes(); len(got) != 1 || got[0] != "noop" {
		t.Errorf("Classes = %v", got)
	}
}

func TestRegistry_FactoryPerExecution(t *testing.T) {
	r := NewRegistry()
	n := 0
	r.Register("counter", func() Job {
		n++
		return Func(func(context.Context, *Context) Outcome { return Completed(nil) })
	})
	_, _ = r.New("counter")
	_, _ = r.New("counter")
	if n != 2 {
		t.Errorf("factory called %d times, want 2", n)
	}
}

// --- Relatables ---

type position struct{ ID int64 }

func TestContext_Relatable(t *testing.T) {
	rel := NewRelatables()
	rel.Register("position", func(_ context.Context, id int64) (any, error) {
		return &position{ID: id}, nil
	})

	step := &domain.Step{ID: 1, Relatable: &domain.Relatable{Kind: "position", ID: 7}}
	jc := NewContext(step, &Env{Relatables: rel})

	p, err := RelatableAs[*position](context.Background(), jc)
	if err != nil {
		t.Fatalf("RelatableAs: %v", err)
	}
	if p.ID != 7 {
		t.Errorf("ID = %d, want 7", p.ID)
	}

	step.Relatable = &domain.Relatable{Kind: "order", ID: 1}
	if _, err := jc.Relatable(context.Background()); !errors.Is(err, ErrUnknownRelatable) {
		t.Errorf("error = %v, want ErrUnknownRelatable", err)
	}

	step.Relatable = nil
	if _, err := jc.Relatable(context.Background()); !errors.Is(err, ErrNoRelatable) {
		t.Errorf("error = %v, want ErrNoRelatable", err)
	}
}

// --- Arguments ---

func TestContext_Arguments(t *testing.T) {
	step := &domain.Step{Arguments: map[string]any{
		"symbol":  "BTCUSDT",
		"qty":     float64(3),
		"dry_run": true,
		"timeout": "1m30s",
		"ttl":     float64(10),
	}}
	jc := NewContext(step, nil)

	if jc.String("symbol") != "BTCUSDT" {
		t.Error("String")
	}
	if n, ok := jc.Int("qty"); !ok || n != 3 {
		t.Errorf("Int = %d, %v", n, ok)
	}
	if !jc.Bool("dry_run") {
		t.Error("Bool")
	}
	if d, ok := jc.Duration("timeout"); !ok || d != 90*time.Second {
		t.Errorf("Duration(timeout) = %v", d)
	}
	if d, ok := jc.Duration("ttl"); !ok || d != 10*time.Second {
		t.Errorf("Duration(ttl) = %v", d)
	}
	if _, err := jc.RequireString("side"); !errors.Is(err, ErrMissingArgument) {
		t.Errorf("RequireString error = %v", err)
	}

	var args struct {
		Symbol string  `json:"symbol"`
		Qty    float64 `json:"qty"`
	}
	if err := jc.DecodeArgs(&args); err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if args.Symbol != "BTCUSDT" || args.Qty != 3 {
		t.Errorf("args = %+v", args)
	}
}

// --- FromError ---

func TestFromError(t *testing.T) {
	now := time.Now()
	fixed := backoff.NewConstant(7 * time.Second)
	base := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		wantKind  string
		wantDelay time.Duration
	}{
		{"nil", nil, "completed", 0},
		{"ignorable", &Ignorable{Err: base}, "ignored", 0},
		{"permanent", &Permanent{Err: base}, "failed", 0},
		{"wrapped permanent", fmt.Errorf("place order: %w", &Permanent{Err: base}), "failed", 0},
		{"clock skew", &ClockSkew{Err: base, Offset: time.Second}, "retry", ClockSkewDelay},
		{"retryable with delay", &Retryable{Err: base, Delay: 3 * time.Second}, "retry", 3 * time.Second},
		{"retryable default", &Retryable{Err: base}, "retry", 7 * time.Second},
		{"rate limited without reset", &RateLimited{Err: base}, "retry", 7 * time.Second},
		{"unclassified", base, "retry", 7 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := FromError(tt.err, fixed, 1)
			if o.Kind() != tt.wantKind {
				t.Fatalf("Kind = %s, want %s", o.Kind(), tt.wantKind)
			}
			if r, ok := o.(RetryOutcome); ok && r.Delay != tt.wantDelay {
				t.Errorf("Delay = %v, want %v", r.Delay, tt.wantDelay)
			}
		})
	}

	t.Run("rate limited until reset", func(t *testing.T) {
		o := FromError(&RateLimited{Err: base, ResetAt: now.Add(45 * time.Second)}, fixed, 1)
		r, ok := o.(RetryOutcome)
		if !ok {
			t.Fatalf("outcome = %T, want RetryOutcome", o)
		}
		if r.Delay < 44*time.Second || r.Delay > 45*time.Second {
			t.Errorf("Delay = %v, want ~45s", r.Delay)
		}
	})

	t.Run("ignorable as skip", func(t *testing.T) {
		o := FromError(&Ignorable{Err: base, Skip: true}, fixed, 1)
		if ig, ok := o.(IgnoredOutcome); !ok || !ig.Skip {
			t.Errorf("outcome = %#v, want skipped IgnoredOutcome", o)
		}
	})
}

func TestStackTrace(t *testing.T) {
	if StackTrace(errors.New("plain")) != "" {
		t.Error("plain error should have no stack")
	}
	err := fmt.Errorf("outer: %w", pkgerrors.New("inner"))
	st := StackTrace(err)
	if !strings.Contains(st, "TestStackTrace") {
		t.Errorf("stack does not mention caller:\n%s", st)
	}
	if StackTrace(NewPermanent("denied")) == "" {
		t.Error("NewPermanent should carry a stack")
	}
}

// --- Dependencies ---

func newIdempotency(t *testing.T) *idempotency.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return idempotency.New(cache.New(client))
}

func TestContext_CacheScopedToStep(t *testing.T) {
	store := newIdempotency(t)
	ctx := context.Background()
	calls := 0
	compute := func(context.Context) (string, error) {
		calls++
		return "order-1", nil
	}

	// Два воркера выполняют один и тот же шаг.
	a := NewContext(&domain.Step{ID: 5}, &Env{Idempotency: store})
	b := NewContext(&domain.Step{ID: 5}, &Env{Idempotency: store})

	v1, _ := idempotency.Do(ctx, a.Cache(), "place_order", compute)
	v2, _ := idempotency.Do(ctx, b.Cache(), "place_order", compute)
	if calls != 1 || v1 != v2 {
		t.Errorf("calls = %d, values = %q/%q", calls, v1, v2)
	}

	other := NewContext(&domain.Step{ID: 6}, &Env{Idempotency: store})
	_, _ = idempotency.Do(ctx, other.Cache(), "place_order", compute)
	if calls != 2 {
		t.Errorf("different step shared cache entry")
	}
}

func TestContext_Preflight(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	th := throttle.NewShared(cache.New(client), "ip", throttle.Binance())
	reg := throttle.NewRegistry()
	reg.Register("binance", th)

	jc := NewContext(&domain.Step{ID: 1}, &Env{Throttles: reg})
	ctx := context.Background()

	if _, wait := jc.Preflight(ctx, "binance", ""); wait {
		t.Fatal("preflight should pass before any ban")
	}
	_ = th.RecordBan(ctx, time.Minute)

	o, wait := jc.Preflight(ctx, "binance", "")
	if !wait {
		t.Fatal("preflight should defer while banned")
	}
	if r, ok := o.(RetryOutcome); !ok || r.Delay <= 0 {
		t.Errorf("outcome = %#v, want positive retry", o)
	}

	if _, wait := jc.Preflight(ctx, "coingecko", ""); wait {
		t.Error("unknown system should never defer")
	}
}

func TestContext_SpawnAndHeartbeat(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	root := tree.NewBlock("")
	parent := root.Add("parent", nil)
	if err := root.Persist(ctx, store); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := parent.MarkRunning("host"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := store.CompareAndSwapState(ctx, parent, domain.StepStatePending); err != nil {
		t.Fatalf("CAS: %v", err)
	}

	jc := NewContext(parent, &Env{Steps: store})
	if err := jc.Heartbeat(ctx, map[string]any{"progress": 0.5}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	children := tree.NewBlock("")
	children.Add("child", nil)
	if err := jc.Spawn(ctx, children); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	stored, _ := store.Get(ctx, parent.ID)
	if stored.Response["progress"] != 0.5 {
		t.Errorf("response = %v", stored.Response)
	}
	if stored.ChildBlockUUID == nil || *stored.ChildBlockUUID == uuid.Nil {
		t.Error("child block not attached")
	}
}
