package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition — переход между состояниями не разрешён таблицей.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitionKey — ребро графа состояний.
type transitionKey struct {
	from StepState
	to   StepState
}

// Rule описывает разрешённый переход: когда он происходит и что меняет.
// Внешние условия (соседи, родитель) проверяет диспетчер, а не сам шаг.
type Rule struct {
	// Guard — условие перехода (для документации и логов).
	Guard string

	// Effect — побочный эффект, который применяет Mark*-метод.
	Effect string
}

// transitions — единственная таблица допустимых переходов.
var transitions = map[transitionKey]Rule{
	{StepStatePending, StepStateDispatched}: {
		Guard:  "selected by dispatch phase",
		Effect: "enqueue on execution substrate",
	},
	{StepStateDispatched, StepStateRunning}: {Guard: "worker picked it up", Effect: "set started_at, hostname"},
	{StepStatePending, StepStateRunning}:    {Guard: "worker picked it up", Effect: "set started_at, hostname"},
	{StepStateRunning, StepStateRunning}:    {Guard: "job heartbeat", Effect: "update response"},
	{StepStateRunning, StepStateCompleted}:  {Guard: "job succeeded", Effect: "set completed_at, duration_ms, response"},

	{StepStateRunning, StepStateFailed}:    {Guard: "job error or cascade", Effect: "set error, completed_at"},
	{StepStatePending, StepStateFailed}:    {Guard: "cascade or retries exhausted", Effect: "set error, completed_at"},
	{StepStateDispatched, StepStateFailed}: {Guard: "cascade", Effect: "set error, completed_at"},

	{StepStateRunning, StepStatePending}: {Guard: "job requested retry", Effect: "retries++, dispatch_after"},
	{StepStateRunning, StepStateStopped}: {Guard: "job halted", Effect: "set completed_at"},

	{StepStatePending, StepStateSkipped}: {Guard: "precondition unmet", Effect: "set completed_at"},
	{StepStateRunning, StepStateSkipped}: {Guard: "precondition unmet", Effect: "set completed_at"},

	{StepStatePending, StepStateCancelled}:    {Guard: "cascade only", Effect: "set completed_at"},
	{StepStateDispatched, StepStateCancelled}: {Guard: "cascade only", Effect: "set completed_at"},

	{StepStatePending, StepStateNotRunnable}:    {Guard: "missing dependency"},
	{StepStateDispatched, StepStateNotRunnable}: {Guard: "missing dependency"},
	{StepStateRunning, StepStateNotRunnable}:    {Guard: "missing dependency"},
	{StepStateNotRunnable, StepStatePending}:    {Guard: "dependency resolved"},
}

// CanTransition проверяет, разрешён ли переход from → to.
// Из терминальных состояний переходов нет.
func CanTransition(from, to StepState) bool {
	if from.IsTerminal() {
		return false
	}
	_, ok := transitions[transitionKey{from, to}]
	return ok
}

// TransitionRule возвращает правило перехода, если оно есть.
func TransitionRule(from, to StepState) (Rule, bool) {
	if from.IsTerminal() {
		return Rule{}, false
	}
	r, ok := transitions[transitionKey{from, to}]
	return r, ok
}

// checkTransition возвращает ErrInvalidTransition с контекстом.
func checkTransition(from, to StepState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}
