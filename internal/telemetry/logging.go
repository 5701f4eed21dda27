package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// LogLevel читает LOG_LEVEL (debug, info, warn, error; регистр не важен).
// Неизвестное значение — info.
func LogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger создаёт логгер процесса service и делает его slog.Default.
//
// LOG_FORMAT=text — человекочитаемый вывод для разработки, иначе JSON.
// На уровне debug в записи добавляется source.
func SetupLogger(service string) *slog.Logger {
	level := LogLevel()
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	if host, err := os.Hostname(); err == nil {
		logger = logger.With("host", host)
	}
	slog.SetDefault(logger)
	return logger
}

type loggerKey struct{}

// WithLogger кладёт логгер в контекст (логгер запроса или шага).
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext достаёт логгер из контекста; если его нет — fallback,
// а при nil fallback — slog.Default.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// WithStepID добавляет step_id.
func WithStepID(logger *slog.Logger, stepID int64) *slog.Logger {
	return logger.With("step_id", stepID)
}

// WithGroup добавляет группу диспетчеризации.
func WithGroup(logger *slog.Logger, group string) *slog.Logger {
	return logger.With("group", group)
}
