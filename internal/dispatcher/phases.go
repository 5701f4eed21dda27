package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Имена фаз (label phase в метриках).
const (
	PhaseSkipCascade         = "skip_cascade"
	PhaseCancelCascade       = "cancel_cascade"
	PhaseRecovery            = "recovery"
	PhaseFailurePromotion    = "failure_promotion"
	PhaseFailureCascade      = "failure_cascade"
	PhaseCompletionPromotion = "completion_promotion"
	PhaseRetryExhaustion     = "retry_exhaustion"
	PhaseDispatch            = "dispatch"
)

// phase — одна фаза тика. run возвращает количество выполненных переходов.
type phase struct {
	name string
	run  func(ctx context.Context, group string) (int, error)
}

var (
	pendingOrRunning    = []domain.StepState{domain.StepStatePending, domain.StepStateRunning}
	pendingOrDispatched = []domain.StepState{domain.StepStatePending, domain.StepStateDispatched}
	failedClass         = []domain.StepState{domain.StepStateFailed, domain.StepStateStopped}
)

// skipCascade: SKIPPED-родитель → PENDING/RUNNING дети становятся SKIPPED.
func (d *Dispatcher) skipCascade(ctx context.Context, group string) (int, error) {
	parents, err := d.steps.ListParentsWithOpenChildren(ctx, group,
		[]domain.StepState{domain.StepStateSkipped}, pendingOrRunning, d.batchSize)
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range parents {
		children, err := d.steps.ListBlock(ctx, *parents[i].ChildBlockUUID)
		if err != nil {
			return changed, err
		}
		for j := range children {
			c := &children[j]
			if c.State != domain.StepStatePending && c.State != domain.StepStateRunning {
				continue
			}
			prev := c.State
			if err := c.MarkSkipped(); err != nil {
				return changed, err
			}
			ok, err := d.save(ctx, c, prev)
			if err != nil {
				return changed, err
			}
			if ok {
				changed++
			}
		}
	}
	return changed, nil
}

// cancelCascade: CANCELLED-родитель → PENDING/DISPATCHED потомки становятся CANCELLED.
func (d *Dispatcher) cancelCascade(ctx context.Context, group string) (int, error) {
	parents, err := d.steps.ListParentsWithOpenChildren(ctx, group,
		[]domain.StepState{domain.StepStateCancelled}, pendingOrDispatched, d.batchSize)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range parents {
		n, err := d.cancelBlock(ctx, *parents[i].ChildBlockUUID)
		changed += n
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// recoverParked: NOT_RUNNABLE шаги с наступившим временем перепроверки → PENDING.
func (d *Dispatcher) recoverParked(ctx context.Context, group string) (int, error) {
	parked, err := d.steps.ListParkedDue(ctx, group, d.now(), d.batchSize)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range parked {
		s := &parked[i]
		if err := s.ResolvePending(); err != nil {
			return changed, err
		}
		ok, err := d.save(ctx, s, domain.StepStateNotRunnable)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// promoteFailures: RUNNING-родитель, все дети которого терминальны и хотя бы
// один не завершён успешно → FAILED с перечислением проблемных детей.
func (d *Dispatcher) promoteFailures(ctx context.Context, group string) (int, error) {
	parents, err := d.steps.ListSettledParents(ctx, group, true, d.batchSize)
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range parents {
		p := &parents[i]
		children, err := d.steps.ListBlock(ctx, *p.ChildBlockUUID)
		if err != nil {
			return changed, err
		}
		if err := p.MarkFailed(childFailureMessage(children), ""); err != nil {
			return changed, err
		}
		ok, err := d.save(ctx, p, domain.StepStateRunning)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// childFailureMessage перечисляет FAILED/STOPPED детей, а если их нет — CANCELLED.
func childFailureMessage(children []domain.Step) string {
	var failed, cancelled []string
	for _, c := range children {
		switch {
		case c.State.IsFailedClass():
			failed = append(failed, strconv.FormatInt(c.ID, 10))
		case c.State == domain.StepStateCancelled:
			cancelled = append(cancelled, strconv.FormatInt(c.ID, 10))
		}
	}
	if len(failed) > 0 {
		return "child steps failed: " + strings.Join(failed, ", ")
	}
	return "child steps cancelled: " + strings.Join(cancelled, ", ")
}

// failureCascade: FAILED/STOPPED шаг → его PENDING/DISPATCHED потомки и соседи
// с большим index становятся CANCELLED.
func (d *Dispatcher) failureCascade(ctx context.Context, group string) (int, error) {
	changed := 0

	parents, err := d.steps.ListParentsWithOpenChildren(ctx, group, failedClass, pendingOrDispatched, d.batchSize)
	if err != nil {
		return 0, err
	}
	for i := range parents {
		n, err := d.cancelBlock(ctx, *parents[i].ChildBlockUUID)
		changed += n
		if err != nil {
			return changed, err
		}
	}

	failed, err := d.steps.ListWithOpenLaterSiblings(ctx, group, failedClass, pendingOrDispatched, d.batchSize)
	if err != nil {
		return changed, err
	}
	for i := range failed {
		f := &failed[i]
		siblings, err := d.steps.ListBlock(ctx, f.BlockUUID)
		if err != nil {
			return changed, err
		}
		for j := range siblings {
			s := &siblings[j]
			if s.Index <= f.Index {
				continue
			}
			n, err := d.cancelStep(ctx, s)
			changed += n
			if err != nil {
				return changed, err
			}
		}
	}
	return changed, nil
}

// promoteCompletions: RUNNING-родитель, все дети которого COMPLETED/SKIPPED → COMPLETED.
func (d *Dispatcher) promoteCompletions(ctx context.Context, group string) (int, error) {
	parents, err := d.steps.ListSettledParents(ctx, group, false, d.batchSize)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range parents {
		p := &parents[i]
		if err := p.MarkCompleted(nil); err != nil {
			return changed, err
		}
		ok, err := d.save(ctx, p, domain.StepStateRunning)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// exhaustRetries: PENDING шаги с retries >= MaxRetries → FAILED.
func (d *Dispatcher) exhaustRetries(ctx context.Context, group string) (int, error) {
	steps, err := d.steps.ListExhausted(ctx, group, d.maxRetries, d.batchSize)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range steps {
		s := &steps[i]
		msg := fmt.Sprintf("retries exhausted (%d/%d)", s.Retries, d.maxRetries)
		if s.ErrorMessage != "" {
			msg += ": " + s.ErrorMessage
		}
		if err := s.MarkFailed(msg, s.ErrorStackTrace); err != nil {
			return changed, err
		}
		ok, err := d.save(ctx, s, domain.StepStatePending)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// dispatch коммитит PENDING → DISPATCHED и только потом публикует.
// Ошибка публикации оставляет шаг DISPATCHED: его заберёт polling воркера.
func (d *Dispatcher) dispatch(ctx context.Context, group string) (int, error) {
	ready, err := d.steps.ListDispatchable(ctx, group, d.now(), d.maxRetries, d.batchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for i := range ready {
		s := &ready[i]
		if err := s.MarkDispatched(); err != nil {
			return dispatched, err
		}
		ok, err := d.save(ctx, s, domain.StepStatePending)
		if err != nil {
			return dispatched, err
		}
		if !ok {
			continue
		}
		dispatched++
		telemetry.StepsDispatched.WithLabelValues(group).Inc()

		if d.publisher == nil {
			continue
		}
		if err := d.publisher.PublishStepDispatched(ctx, s); err != nil {
			telemetry.PublishFailures.WithLabelValues(group).Inc()
			telemetry.WithStepID(d.logger, s.ID).Warn("failed to publish dispatched step, leaving it for polling",
				"queue", s.QueueName(),
				"error", err,
			)
		}
	}
	return dispatched, nil
}

// cancelBlock отменяет PENDING/DISPATCHED шаги блока и, рекурсивно, их потомков.
func (d *Dispatcher) cancelBlock(ctx context.Context, blockUUID uuid.UUID) (int, error) {
	steps, err := d.steps.ListBlock(ctx, blockUUID)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range steps {
		n, err := d.cancelStep(ctx, &steps[i])
		changed += n
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// cancelStep отменяет шаг, если он PENDING/DISPATCHED, затем его дочерний блок.
// RUNNING и терминальные шаги не трогает.
func (d *Dispatcher) cancelStep(ctx context.Context, s *domain.Step) (int, error) {
	if s.State != domain.StepStatePending && s.State != domain.StepStateDispatched {
		return 0, nil
	}
	prev := s.State
	if err := s.MarkCancelled(); err != nil {
		return 0, err
	}
	ok, err := d.save(ctx, s, prev)
	if err != nil || !ok {
		return 0, err
	}
	changed := 1
	if s.ChildBlockUUID != nil {
		n, err := d.cancelBlock(ctx, *s.ChildBlockUUID)
		changed += n
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}
