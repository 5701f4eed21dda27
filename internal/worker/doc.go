// Package worker выполняет шаги, отправленные диспетчером.
//
// # Обзор
//
// Worker — stateless компонент: он не решает, что запускать, а только
// исполняет DISPATCHED-шаги своих групп и записывает результат. Каскады,
// повышение родителей и исчерпание retry остаются за диспетчером.
//
//   - Получение step.dispatched из очередей steps.<group> (event-driven)
//   - Периодическая выборка DISPATCHED-шагов из БД (polling fallback)
//   - Захват шага через CAS DISPATCHED → RUNNING
//   - Вызов Job.Compute с перехватом паники
//   - Применение Outcome через Mark*-методы и CAS по RUNNING
//
// # Outcome → состояние
//
//	Completed    → COMPLETED (или RUNNING + heartbeat, если у шага есть дети)
//	Ignored      → COMPLETED, либо SKIPPED при Skip
//	Retry        → PENDING с dispatch_after = now + delay, retries++;
//	               FAILED, если retries уже >= MaxRetries
//	Failed       → FAILED с сообщением и стеком
//	Stopped      → STOPPED
//	Skipped      → SKIPPED
//	NotRunnable  → NOT_RUNNABLE (recheck_at попадает в dispatch_after)
//
// Паника в Compute и неизвестный job_class дают FAILED.
//
// # Доставка
//
// Сообщение — только сигнал: воркер перечитывает шаг из БД. Повторная
// доставка проигрывает CAS захвата и подтверждается без выполнения.
// Ошибка инфраструктуры (БД недоступна) → nack; вторая неудача уводит
// сообщение в DLQ, а шаг подберёт polling.
package worker
