package api

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck — проверка зависимости сервиса (Postgres, RabbitMQ, Redis).
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health отвечает "ok", если все проверки прошли за timeout,
// иначе 503 с ошибкой каждой упавшей проверки.
func Health(timeout time.Duration, checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		failed := make(map[string]string)
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				failed[c.Name] = err.Error()
			}
		}
		if len(failed) > 0 {
			JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
