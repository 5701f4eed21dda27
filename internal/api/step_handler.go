package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/repo"
)

// maxTreeDepth ограничивает рекурсию GET /steps/{id}/tree.
const maxTreeDepth = 32

// ListSteps возвращает шаги с фильтрацией.
// GET /api/v1/steps?group=...&state=RUNNING,DISPATCHED&limit=...&offset=...
func (h *Handler) ListSteps(w http.ResponseWriter, r *http.Request) {
	filter := repo.StepFilter{
		Group:  r.URL.Query().Get("group"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			state := domain.StepState(strings.ToUpper(strings.TrimSpace(part)))
			if !state.IsValid() {
				BadRequest(w, fmt.Sprintf("invalid state %q", part))
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	steps, err := h.steps.List(r.Context(), filter)
	if HandleRepoError(w, h.log(r), err, "") {
		return
	}

	result := make([]StepResponse, len(steps))
	for i := range steps {
		result[i] = StepFromDomain(&steps[i])
	}
	List(w, result, len(result))
}

// GetStep возвращает шаг по ID.
// GET /api/v1/steps/{id}
func (h *Handler) GetStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}

	step, err := h.steps.Get(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "step not found") {
		return
	}
	Success(w, StepFromDomain(step))
}

// GetStepTree возвращает шаг и рекурсивно его дочерние блоки.
// GET /api/v1/steps/{id}/tree
func (h *Handler) GetStepTree(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}

	step, err := h.steps.Get(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "step not found") {
		return
	}

	node, err := h.buildTree(r.Context(), step, 0)
	if err != nil {
		InternalError(w, h.log(r), err)
		return
	}
	Success(w, node)
}

func (h *Handler) buildTree(ctx context.Context, step *domain.Step, depth int) (StepNode, error) {
	node := StepNode{Step: StepFromDomain(step)}
	if !step.HasChildren() || depth >= maxTreeDepth {
		return node, nil
	}

	children, err := h.steps.ListBlock(ctx, *step.ChildBlockUUID)
	if err != nil {
		return node, fmt.Errorf("list block %s: %w", step.ChildBlockUUID, err)
	}
	for i := range children {
		child, err := h.buildTree(ctx, &children[i], depth+1)
		if err != nil {
			return node, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// ResolveStep возвращает NOT_RUNNABLE шаг в PENDING после того,
// как оператор устранил недостающую зависимость.
// POST /api/v1/steps/{id}/resolve
func (h *Handler) ResolveStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}

	step, err := h.steps.Get(r.Context(), id)
	if HandleRepoError(w, h.log(r), err, "step not found") {
		return
	}
	if step.State != domain.StepStateNotRunnable {
		InvalidState(w, fmt.Sprintf("step %d is %s, not %s", id, step.State, domain.StepStateNotRunnable))
		return
	}

	if err := step.ResolvePending(); err != nil {
		InvalidState(w, err.Error())
		return
	}
	err = h.steps.CompareAndSwapState(r.Context(), step, domain.StepStateNotRunnable)
	if HandleRepoError(w, h.log(r), err, "step not found") {
		return
	}

	h.log(r).Info("step resolved by operator", "step_id", id)
	Success(w, StepFromDomain(step))
}

func stepID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, "invalid step id")
		return 0, false
	}
	return id, true
}
