package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Stepwise/internal/api"
	"github.com/shaiso/Stepwise/internal/breaker"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/repo/memory"
)

type testEnv struct {
	t      *testing.T
	store  *memory.Store
	srv    *httptest.Server
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{t: t, store: memory.New()}

	mux := http.NewServeMux()
	api.NewHandler(api.Config{
		Steps:     env.store,
		Schedules: env.store,
		Breaker:   breaker.New(breaker.Config{Settings: env.store, Steps: env.store}),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}).RegisterRoutes(mux)

	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

// run выполняет команду так же, как stepwise из cmd/stepwise-cli.
func (e *testEnv) run(jsonMode bool, args ...string) error {
	e.t.Helper()
	e.stdout.Reset()
	e.stderr.Reset()

	clientFn := func() *Client { return NewClient(e.srv.URL) }
	outputFn := func() *Output { return NewOutputTo(jsonMode, &e.stdout, &e.stderr) }

	root := &cobra.Command{Use: "stepwise", SilenceUsage: true, SilenceErrors: true}
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.AddCommand(
		NewBreakerCmd(clientFn, outputFn),
		NewRestartCmd(clientFn, outputFn),
		NewStepCmd(clientFn, outputFn),
		NewScheduleCmd(clientFn, outputFn),
	)
	root.SetArgs(args)
	return root.Execute()
}

func (e *testEnv) step(state domain.StepState) *domain.Step {
	e.t.Helper()
	st := domain.NewStep(uuid.New(), 0, "order.place", nil)
	st.State = state
	if err := e.store.Create(context.Background(), st); err != nil {
		e.t.Fatalf("Create: %v", err)
	}
	return st
}

func TestBreakerAndRestartCheck(t *testing.T) {
	env := newTestEnv(t)
	running := env.step(domain.StepStateRunning)

	if err := env.run(false, "breaker", "disable"); err != nil {
		t.Fatalf("breaker disable: %v", err)
	}
	if !strings.Contains(env.stdout.String(), "SAFE_TO_RESTART") {
		t.Errorf("breaker table missing header:\n%s", env.stdout.String())
	}

	err := env.run(false, "restart", "check")
	if !errors.Is(err, ErrNotSafeToRestart) {
		t.Fatalf("restart check with running step: err = %v, want ErrNotSafeToRestart", err)
	}

	ctx := context.Background()
	cur, _ := env.store.Get(ctx, running.ID)
	cur.MarkCompleted(nil)
	if err := env.store.CompareAndSwapState(ctx, cur, domain.StepStateRunning); err != nil {
		t.Fatalf("CAS: %v", err)
	}

	if err := env.run(true, "restart", "check"); err != nil {
		t.Fatalf("restart check after drain: %v", err)
	}
	var st BreakerStatus
	if err := json.Unmarshal(env.stdout.Bytes(), &st); err != nil {
		t.Fatalf("decode %q: %v", env.stdout.String(), err)
	}
	if st.Enabled || !st.Safe {
		t.Errorf("status = %+v", st)
	}

	if err := env.run(true, "breaker", "enable"); err != nil {
		t.Fatalf("breaker enable: %v", err)
	}
	if err := env.run(false, "restart", "check"); !errors.Is(err, ErrNotSafeToRestart) {
		t.Errorf("restart check with dispatch enabled: err = %v", err)
	}
}

func TestWaitSafe_PollsUntilSafe(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		st := BreakerStatus{Running: 3 - int(n)}
		status := http.StatusConflict
		if n >= 3 {
			st = BreakerStatus{Safe: true}
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"data": st})
	}))
	defer srv.Close()

	var pending int
	st, err := waitSafe(context.Background(), NewClient(srv.URL), "", true, time.Millisecond, func(*BreakerStatus) {
		pending++
	})
	if err != nil {
		t.Fatalf("waitSafe: %v", err)
	}
	if !st.Safe || pending != 2 {
		t.Errorf("safe = %v after %d pending polls, want true after 2", st.Safe, pending)
	}
}

func TestWaitSafe_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"data":{"enabled":false,"running":1}}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := waitSafe(ctx, NewClient(srv.URL), "", true, 5*time.Millisecond, nil)
	if !errors.Is(err, ErrNotSafeToRestart) {
		t.Errorf("err = %v, want ErrNotSafeToRestart", err)
	}
}

func TestStepCommands(t *testing.T) {
	env := newTestEnv(t)
	parked := env.step(domain.StepStateNotRunnable)
	env.step(domain.StepStatePending)

	if err := env.run(true, "step", "list", "--state", "NOT_RUNNABLE"); err != nil {
		t.Fatalf("step list: %v", err)
	}
	var steps []StepResponse
	if err := json.Unmarshal(env.stdout.Bytes(), &steps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(steps) != 1 || steps[0].ID != parked.ID {
		t.Fatalf("steps = %+v", steps)
	}

	stepArg := strconv.FormatInt(parked.ID, 10)
	if err := env.run(false, "step", "resolve", stepArg); err != nil {
		t.Fatalf("step resolve: %v", err)
	}
	if !strings.Contains(env.stderr.String(), "Step resolved") {
		t.Errorf("stderr = %q", env.stderr.String())
	}
	got, _ := env.store.Get(context.Background(), parked.ID)
	if got.State != domain.StepStatePending {
		t.Errorf("state = %s, want PENDING", got.State)
	}

	err := env.run(false, "step", "resolve", stepArg)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnprocessableEntity || apiErr.Code != "INVALID_STATE" {
		t.Errorf("resolving a PENDING step: err = %v, want INVALID_STATE", err)
	}
	if err := env.run(false, "step", "tree", stepArg); err != nil {
		t.Fatalf("step tree: %v", err)
	}
	if !strings.Contains(env.stdout.String(), "order.place") {
		t.Errorf("tree output:\n%s", env.stdout.String())
	}
}

func TestScheduleCommands(t *testing.T) {
	env := newTestEnv(t)

	err := env.run(true, "schedule", "create",
		"--name", "funding",
		"--job", "funding.collect",
		"--group", "market-data",
		"--cron", "0 */8 * * *",
		"--args-json", `{"symbols":["BTCUSDT"]}`,
		"--arg", "exchange=binance",
	)
	if err != nil {
		t.Fatalf("schedule create: %v", err)
	}
	var created ScheduleResponse
	if err := json.Unmarshal(env.stdout.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.JobClass != "funding.collect" || created.Group != "market-data" || !created.Enabled {
		t.Errorf("created = %+v", created)
	}
	if created.Arguments["exchange"] != "binance" || created.Arguments["symbols"] == nil {
		t.Errorf("arguments = %v", created.Arguments)
	}

	if err := env.run(false, "schedule", "disable", created.ID); err != nil {
		t.Fatalf("schedule disable: %v", err)
	}
	if err := env.run(true, "schedule", "list", "--disabled"); err != nil {
		t.Fatalf("schedule list: %v", err)
	}
	var list []ScheduleResponse
	if err := json.Unmarshal(env.stdout.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("disabled schedules = %+v", list)
	}

	if err := env.run(false, "schedule", "update", created.ID, "--interval", "600", "--cron", ""); err != nil {
		t.Fatalf("schedule update: %v", err)
	}
	if err := env.run(false, "schedule", "delete", created.ID); err != nil {
		t.Fatalf("schedule delete: %v", err)
	}
	if err := env.run(false, "schedule", "show", created.ID); err == nil {
		t.Error("show deleted schedule succeeded")
	}
}

func TestScheduleCreate_RequiresJob(t *testing.T) {
	env := newTestEnv(t)
	if err := env.run(false, "schedule", "create", "--name", "x", "--interval", "60"); err == nil {
		t.Error("create without --job succeeded")
	}
}

func TestParseArguments(t *testing.T) {
	args, err := parseArguments([]string{"a=1", "b=x=y"}, `{"a":0,"c":true}`)
	if err != nil {
		t.Fatalf("parseArguments: %v", err)
	}
	if args["a"] != "1" || args["b"] != "x=y" || args["c"] != true {
		t.Errorf("args = %v", args)
	}

	if args, err := parseArguments(nil, ""); err != nil || args != nil {
		t.Errorf("empty = %v, %v", args, err)
	}
	if _, err := parseArguments([]string{"novalue"}, ""); err == nil {
		t.Error("KEY without = accepted")
	}
	if _, err := parseArguments(nil, "[1]"); err == nil {
		t.Error("non-object JSON accepted")
	}
}
