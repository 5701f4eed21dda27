// Package telemetry — логирование и метрики Stepwise.
//
// SetupLogger настраивает slog по LOG_LEVEL и LOG_FORMAT, добавляя имя
// сервиса и хост к каждой записи. Логгер запроса или шага передаётся
// через контекст (WithLogger, FromContext).
//
// Метрики регистрируются в реестре Prometheus по умолчанию при импорте
// пакета и отдаются каждым бинарником на /metrics.
package telemetry
