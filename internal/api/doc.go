// Package api содержит операторский HTTP API.
//
// Структура:
//   - handler.go          — Handler с DI (хранилища, breaker, logger)
//   - routes.go           — таблица маршрутов и стандартный стек middleware
//   - middleware.go       — request id, logging, recovery, метрики
//   - health.go           — /healthz с проверками зависимостей
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - breaker_handler.go  — /breaker и /safe-to-restart
//   - step_handler.go     — /steps: просмотр шагов и деревьев, resolve NOT_RUNNABLE
//   - schedule_handler.go — /schedules
//
// API обслуживает stepwise-dispatcher.
package api
