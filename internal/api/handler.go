package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/shaiso/Stepwise/internal/breaker"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	steps     repo.StepStore
	schedules repo.ScheduleStore
	breaker   *breaker.Breaker
	logger    *slog.Logger
	now       func() time.Time
}

// Config — конфигурация для создания Handler.
type Config struct {
	Steps     repo.StepStore
	Schedules repo.ScheduleStore
	Breaker   *breaker.Breaker
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		steps:     cfg.Steps,
		schedules: cfg.Schedules,
		breaker:   cfg.Breaker,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// log — логгер запроса (с request_id, если есть RequestID middleware).
func (h *Handler) log(r *http.Request) *slog.Logger {
	return telemetry.FromContext(r.Context(), h.logger)
}
