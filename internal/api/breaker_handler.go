package api

import (
	"encoding/json"
	"net/http"
)

// GetBreaker возвращает флаг отправки шагов и число шагов в полёте.
// GET /api/v1/breaker?group=...
func (h *Handler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	st, err := h.breaker.Status(r.Context(), r.URL.Query().Get("group"))
	if err != nil {
		InternalError(w, h.log(r), err)
		return
	}
	Success(w, st)
}

// SetBreaker включает или выключает отправку шагов во всех группах.
// PUT /api/v1/breaker
func (h *Handler) SetBreaker(w http.ResponseWriter, r *http.Request) {
	var req SetBreakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Enabled == nil {
		BadRequest(w, "enabled is required")
		return
	}

	var err error
	if *req.Enabled {
		err = h.breaker.Enable(r.Context())
	} else {
		err = h.breaker.Disable(r.Context())
	}
	if err != nil {
		InternalError(w, h.log(r), err)
		return
	}
	h.log(r).Warn("step dispatch toggled by operator", "enabled", *req.Enabled, "remote_addr", r.RemoteAddr)

	st, err := h.breaker.Status(r.Context(), "")
	if err != nil {
		InternalError(w, h.log(r), err)
		return
	}
	Success(w, st)
}

// SafeToRestart сообщает, можно ли перезапускать воркеры: отправка
// выключена и нет RUNNING/DISPATCHED шагов. 200 — можно, 409 — рано.
// GET /api/v1/safe-to-restart?group=...
func (h *Handler) SafeToRestart(w http.ResponseWriter, r *http.Request) {
	st, err := h.breaker.Status(r.Context(), r.URL.Query().Get("group"))
	if err != nil {
		InternalError(w, h.log(r), err)
		return
	}
	status := http.StatusOK
	if !st.Safe {
		status = http.StatusConflict
	}
	JSON(w, status, DataResponse{Data: st})
}
