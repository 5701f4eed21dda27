package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/job"
	"github.com/shaiso/Stepwise/internal/mq"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// handleStepDispatched обрабатывает step.dispatched из очереди группы.
func (w *Worker) handleStepDispatched(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StepDispatchedPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse step.dispatched payload", "error", err)
		return err
	}

	w.logger.Debug("received step.dispatched",
		"step_id", payload.StepID,
		"job_class", payload.JobClass,
		"group", payload.Group,
	)

	if err := w.Process(ctx, payload.StepID); err != nil {
		// Дубликат доставки или шаг уже снят — ack.
		if isSkippable(err) {
			w.logger.Debug("step not processed", "step_id", payload.StepID, "reason", err)
			return nil
		}
		w.logger.Error("failed to process step", "step_id", payload.StepID, "error", err)
		return err
	}
	return nil
}

func isSkippable(err error) bool {
	return errors.Is(err, ErrStepNotFound) || errors.Is(err, ErrStepNotDispatched)
}

// Process забирает шаг, выполняет его job и сохраняет результат.
//
// Возвращает ErrStepNotDispatched, если шаг уже забран или снят каскадом.
// Ошибки самого job'а не возвращаются: они становятся состоянием шага.
func (w *Worker) Process(ctx context.Context, stepID int64) error {
	step, err := w.claim(ctx, stepID)
	if err != nil {
		return err
	}

	logger := telemetry.WithStepID(w.logger, step.ID).With("job_class", step.JobClass)
	logger.Info("step started", "attempt", step.Retries+1, "group", step.Group)

	outcome := w.compute(telemetry.WithLogger(ctx, logger), step)

	// Результат сохраняется и при остановке воркера.
	saveCtx := context.WithoutCancel(ctx)
	if err := w.apply(saveCtx, step, outcome); err != nil {
		if errors.Is(err, repo.ErrStateConflict) {
			telemetry.StateConflicts.WithLabelValues("worker").Inc()
			logger.Warn("step changed while running, outcome dropped", "outcome", outcome.Kind())
			return nil
		}
		return fmt.Errorf("apply %s outcome to step %d: %w", outcome.Kind(), step.ID, err)
	}

	telemetry.WorkerOutcomes.WithLabelValues(step.JobClass, outcome.Kind()).Inc()
	logger.Info("step finished", "outcome", outcome.Kind(), "state", step.State)
	return nil
}

// claim переводит шаг DISPATCHED → RUNNING. CAS гарантирует, что при
// повторной доставке job выполнится один раз.
func (w *Worker) claim(ctx context.Context, stepID int64) (*domain.Step, error) {
	step, err := w.steps.Get(ctx, stepID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrStepNotFound, stepID)
		}
		return nil, fmt.Errorf("get step: %w", err)
	}
	if step.State != domain.StepStateDispatched {
		return nil, fmt.Errorf("%w: step %d is %s", ErrStepNotDispatched, stepID, step.State)
	}

	if err := step.MarkRunning(w.hostname); err != nil {
		return nil, err
	}
	if err := w.steps.CompareAndSwapState(ctx, step, domain.StepStateDispatched); err != nil {
		if errors.Is(err, repo.ErrStateConflict) {
			return nil, fmt.Errorf("%w: %v", ErrStepNotDispatched, err)
		}
		return nil, fmt.Errorf("claim step: %w", err)
	}
	return step, nil
}

// compute создаёт job и вызывает Compute, превращая панику в Failed.
func (w *Worker) compute(ctx context.Context, step *domain.Step) (outcome job.Outcome) {
	j, err := w.jobs.New(step.JobClass)
	if err != nil {
		return job.Failed(err)
	}

	start := time.Now()
	defer func() {
		telemetry.JobDuration.WithLabelValues(step.JobClass).Observe(time.Since(start).Seconds())
	}()
	defer func() {
		if r := recover(); r != nil {
			outcome = job.FailedOutcome{Err: &panicError{value: r, stack: debug.Stack()}}
		}
	}()

	outcome = j.Compute(ctx, job.NewContext(step, w.env))
	if outcome == nil {
		outcome = job.Failed(fmt.Errorf("job %s returned no outcome", step.JobClass))
	}
	return outcome
}

// apply переводит RUNNING-шаг по Outcome и сохраняет через CAS.
func (w *Worker) apply(ctx context.Context, step *domain.Step, outcome job.Outcome) error {
	var err error

	switch o := outcome.(type) {
	case job.CompletedOutcome:
		err = w.complete(step, o.Payload)

	case job.IgnoredOutcome:
		w.logger.Info("ignoring job error", "step_id", step.ID, "error", o.Err)
		if o.Skip {
			err = step.MarkSkipped()
		} else {
			err = w.complete(step, nil)
		}

	case job.RetryOutcome:
		if step.Retries >= w.maxRetries {
			msg := fmt.Sprintf("%s (%d/%d)", ErrRetriesExhausted, step.Retries, w.maxRetries)
			if o.Cause != nil {
				msg += ": " + o.Cause.Error()
			}
			err = step.MarkFailed(msg, job.StackTrace(o.Cause))
			break
		}
		if o.Cause != nil {
			step.ErrorMessage = o.Cause.Error()
		}
		err = step.MarkRetry(w.now().Add(o.Delay))

	case job.FailedOutcome:
		msg, stack := describeFailure(o.Err)
		err = step.MarkFailed(msg, stack)

	case job.StoppedOutcome:
		if o.Reason != "" {
			step.ErrorMessage = o.Reason
		}
		err = step.MarkStopped()

	case job.SkippedOutcome:
		if o.Reason != "" {
			step.ErrorMessage = o.Reason
		}
		err = step.MarkSkipped()

	case job.NotRunnableOutcome:
		err = step.MarkNotRunnable(o.Reason, o.RecheckAt)

	default:
		err = step.MarkFailed(fmt.Sprintf("unknown outcome %T", outcome), "")
	}
	if err != nil {
		return err
	}

	return w.steps.CompareAndSwapState(ctx, step, domain.StepStateRunning)
}

// complete завершает шаг. Если у шага есть дети, он остаётся RUNNING
// с payload в response: COMPLETED его сделает диспетчер.
func (w *Worker) complete(step *domain.Step, payload map[string]any) error {
	if step.HasChildren() {
		return step.ReleaseChildren(payload)
	}
	return step.MarkCompleted(payload)
}

func describeFailure(err error) (string, string) {
	if err == nil {
		return "job failed", ""
	}
	var p *panicError
	if errors.As(err, &p) {
		return p.Error(), string(p.stack)
	}
	return err.Error(), job.StackTrace(err)
}

// panicError — паника внутри Compute вместе со стеком.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s: %v", ErrJobPanicked, e.value)
}

func (e *panicError) Unwrap() error { return ErrJobPanicked }
