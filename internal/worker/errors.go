package worker

import "errors"

// Ошибки воркера.
var (
	// ErrStepNotFound — шаг из сообщения не найден в БД.
	ErrStepNotFound = errors.New("step not found")

	// ErrStepNotDispatched — шаг уже забран другим воркером или снят каскадом.
	ErrStepNotDispatched = errors.New("step is not in DISPATCHED state")

	// ErrJobPanicked — Compute завершился паникой.
	ErrJobPanicked = errors.New("job panicked")

	// ErrRetriesExhausted — job попросил retry, но попытки кончились.
	ErrRetriesExhausted = errors.New("retries exhausted")
)
