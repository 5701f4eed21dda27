package api

import (
	"log/slog"
	"net/http"
)

// route — шаблон ServeMux и его обработчик.
type route struct {
	pattern string
	handler func(*Handler) http.HandlerFunc
}

var routes = []route{
	// Circuit breaker
	{"GET /api/v1/breaker", func(h *Handler) http.HandlerFunc { return h.GetBreaker }},
	{"PUT /api/v1/breaker", func(h *Handler) http.HandlerFunc { return h.SetBreaker }},
	{"GET /api/v1/safe-to-restart", func(h *Handler) http.HandlerFunc { return h.SafeToRestart }},

	// Steps
	{"GET /api/v1/steps", func(h *Handler) http.HandlerFunc { return h.ListSteps }},
	{"GET /api/v1/steps/{id}", func(h *Handler) http.HandlerFunc { return h.GetStep }},
	{"GET /api/v1/steps/{id}/tree", func(h *Handler) http.HandlerFunc { return h.GetStepTree }},
	{"POST /api/v1/steps/{id}/resolve", func(h *Handler) http.HandlerFunc { return h.ResolveStep }},

	// Schedules
	{"GET /api/v1/schedules", func(h *Handler) http.HandlerFunc { return h.ListSchedules }},
	{"POST /api/v1/schedules", func(h *Handler) http.HandlerFunc { return h.CreateSchedule }},
	{"GET /api/v1/schedules/{id}", func(h *Handler) http.HandlerFunc { return h.GetSchedule }},
	{"PUT /api/v1/schedules/{id}", func(h *Handler) http.HandlerFunc { return h.UpdateSchedule }},
	{"DELETE /api/v1/schedules/{id}", func(h *Handler) http.HandlerFunc { return h.DeleteSchedule }},
	{"PUT /api/v1/schedules/{id}/enabled", func(h *Handler) http.HandlerFunc { return h.SetScheduleEnabled }},
}

// RegisterRoutes регистрирует маршруты API на mux. Middleware
// навешивается снаружи mux через Stack.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	for _, rt := range routes {
		mux.HandleFunc(rt.pattern, rt.handler(h))
	}
}

// Stack оборачивает mux сервиса стандартным набором middleware.
// Metrics стоит последним: r.Pattern заполняется только внутри mux.
func Stack(next http.Handler, logger *slog.Logger) http.Handler {
	return Chain(RequestID(logger), Logging(logger), Recovery(logger), Metrics())(next)
}
