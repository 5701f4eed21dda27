package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/scheduler"
)

// ListSchedules возвращает список schedules с фильтрацией.
// GET /api/v1/schedules?enabled=...&limit=...&offset=...
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	filter := repo.ScheduleFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if enabledStr := r.URL.Query().Get("enabled"); enabledStr != "" {
		enabled := enabledStr == "true"
		filter.Enabled = &enabled
	}

	schedules, err := h.schedules.ListSchedules(r.Context(), filter)
	if HandleRepoError(w, h.log(r), err, "") {
		return
	}

	result := make([]ScheduleResponse, len(schedules))
	for i := range schedules {
		result[i] = ScheduleFromDomain(&schedules[i])
	}
	List(w, result, len(result))
}

// CreateSchedule создаёт schedule.
// POST /api/v1/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}

	now := h.now()
	schedule := &domain.Schedule{
		ID:          uuid.New(),
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		IntervalSec: req.IntervalSec,
		Timezone:    req.Timezone,
		Enabled:     req.Enabled,
		JobClass:    req.JobClass,
		Arguments:   req.Arguments,
		Group:       req.Group,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	if schedule.Group == "" {
		schedule.Group = domain.DefaultGroup
	}
	if !h.prepareSchedule(w, schedule) {
		return
	}

	if err := h.schedules.CreateSchedule(r.Context(), schedule); err != nil {
		HandleRepoError(w, h.log(r), err, "")
		return
	}
	Created(w, ScheduleFromDomain(schedule))
}

// prepareSchedule проверяет расписание и пересчитывает next_due_at.
func (h *Handler) prepareSchedule(w http.ResponseWriter, schedule *domain.Schedule) bool {
	if err := scheduler.Validate(schedule); err != nil {
		BadRequest(w, err.Error())
		return false
	}
	next, err := scheduler.CalculateInitialNextDue(schedule, h.now())
	if err != nil {
		BadRequest(w, err.Error())
		return false
	}
	schedule.NextDueAt = &next
	return true
}

// GetSchedule возвращает schedule по ID.
// GET /api/v1/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduleID(w, r)
	if !ok {
		return
	}

	schedule, err := h.schedules.GetSchedule(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "schedule not found") {
		return
	}
	Success(w, ScheduleFromDomain(schedule))
}

// UpdateSchedule обновляет schedule. Изменение времени пересчитывает next_due_at.
// PUT /api/v1/schedules/{id}
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduleID(w, r)
	if !ok {
		return
	}

	var req UpdateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	schedule, err := h.schedules.GetSchedule(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "schedule not found") {
		return
	}

	timingChanged := req.CronExpr != nil || req.IntervalSec != nil || req.Timezone != nil
	if req.Name != nil {
		schedule.Name = *req.Name
	}
	if req.CronExpr != nil {
		schedule.CronExpr = *req.CronExpr
	}
	if req.IntervalSec != nil {
		schedule.IntervalSec = *req.IntervalSec
	}
	if req.Timezone != nil {
		schedule.Timezone = *req.Timezone
	}
	if req.JobClass != nil {
		schedule.JobClass = *req.JobClass
	}
	if req.Arguments != nil {
		schedule.Arguments = *req.Arguments
	}
	if req.Group != nil {
		schedule.Group = *req.Group
	}

	if timingChanged {
		if !h.prepareSchedule(w, schedule) {
			return
		}
	} else if err := scheduler.Validate(schedule); err != nil {
		BadRequest(w, err.Error())
		return
	}
	schedule.UpdatedAt = h.now()

	if err := h.schedules.UpdateSchedule(r.Context(), schedule); err != nil {
		HandleRepoError(w, h.log(r), err, "schedule not found")
		return
	}
	Success(w, ScheduleFromDomain(schedule))
}

// DeleteSchedule удаляет schedule. Созданные им шаги остаются.
// DELETE /api/v1/schedules/{id}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduleID(w, r)
	if !ok {
		return
	}

	if err := h.schedules.DeleteSchedule(r.Context(), id); err != nil {
		HandleRepoError(w, h.log(r), err, "schedule not found")
		return
	}
	NoContent(w)
}

// SetScheduleEnabled включает или выключает schedule.
// PUT /api/v1/schedules/{id}/enabled
func (h *Handler) SetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduleID(w, r)
	if !ok {
		return
	}

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := h.schedules.SetScheduleEnabled(r.Context(), id, req.Enabled); err != nil {
		HandleRepoError(w, h.log(r), err, "schedule not found")
		return
	}

	schedule, err := h.schedules.GetSchedule(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "schedule not found") {
		return
	}
	Success(w, ScheduleFromDomain(schedule))
}

func scheduleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid schedule id")
		return uuid.Nil, false
	}
	return id, true
}
