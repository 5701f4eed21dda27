package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// BreakerStatus — состояние circuit breaker из API.
type BreakerStatus struct {
	Enabled    bool `json:"enabled"`
	Ticking    int  `json:"ticking"`
	Running    int  `json:"running"`
	Dispatched int  `json:"dispatched"`
	Safe       bool `json:"safe_to_restart"`
}

// StepResponse — шаг из API.
type StepResponse struct {
	ID              int64          `json:"id"`
	UUID            string         `json:"uuid"`
	BlockUUID       string         `json:"block_uuid"`
	ChildBlockUUID  string         `json:"child_block_uuid,omitempty"`
	Index           int            `json:"index"`
	JobClass        string         `json:"job_class"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	Group           string         `json:"group"`
	Queue           string         `json:"queue"`
	Priority        int            `json:"priority"`
	State           string         `json:"state"`
	DispatchAfter   string         `json:"dispatch_after,omitempty"`
	StartedAt       string         `json:"started_at,omitempty"`
	CompletedAt     string         `json:"completed_at,omitempty"`
	DurationMs      *int64         `json:"duration_ms,omitempty"`
	Hostname        string         `json:"hostname,omitempty"`
	Retries         int            `json:"retries"`
	Response        map[string]any `json:"response,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorStackTrace string         `json:"error_stack_trace,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// StepNode — шаг с дочерним блоком.
type StepNode struct {
	Step     StepResponse `json:"step"`
	Children []StepNode   `json:"children,omitempty"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone"`
	Enabled     bool           `json:"enabled"`
	NextDueAt   string         `json:"next_due_at,omitempty"`
	LastRunAt   string         `json:"last_run_at,omitempty"`
	LastStepID  *int64         `json:"last_step_id,omitempty"`
	JobClass    string         `json:"job_class"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Group       string         `json:"group"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// --- Request types ---

// CreateScheduleRequest — создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	JobClass    string         `json:"job_class"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Group       string         `json:"group,omitempty"`
}

// UpdateScheduleRequest — частичное обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string         `json:"name,omitempty"`
	CronExpr    *string         `json:"cron_expr,omitempty"`
	IntervalSec *int            `json:"interval_sec,omitempty"`
	Timezone    *string         `json:"timezone,omitempty"`
	JobClass    *string         `json:"job_class,omitempty"`
	Arguments   *map[string]any `json:"arguments,omitempty"`
	Group       *string         `json:"group,omitempty"`
}

// ListStepsOpts — параметры фильтрации шагов.
type ListStepsOpts struct {
	Group string
	State string
	Limit int
}

// envelope — обёртка {data} и {error} ответов API.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ответ API с кодом ошибки.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client — HTTP-клиент операторского API Stepwise.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API по адресу baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Circuit breaker ---

// BreakerStatus возвращает состояние breaker. group == "" — все группы.
func (c *Client) BreakerStatus(group string) (*BreakerStatus, error) {
	var st BreakerStatus
	err := c.get("/api/v1/breaker"+groupQuery(group), &st)
	return &st, err
}

// SetBreaker включает или выключает отправку шагов.
func (c *Client) SetBreaker(enabled bool) (*BreakerStatus, error) {
	var st BreakerStatus
	err := c.put("/api/v1/breaker", map[string]bool{"enabled": enabled}, &st)
	return &st, err
}

// SafeToRestart возвращает состояние breaker; 409 от API — штатный ответ «рано».
func (c *Client) SafeToRestart(group string) (*BreakerStatus, error) {
	var st BreakerStatus
	err := c.call(http.MethodGet, "/api/v1/safe-to-restart"+groupQuery(group), nil, &st, http.StatusConflict)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func groupQuery(group string) string {
	if group == "" {
		return ""
	}
	return "?" + url.Values{"group": {group}}.Encode()
}

// --- Steps ---

// ListSteps возвращает шаги с фильтрацией.
func (c *Client) ListSteps(opts ListStepsOpts) ([]StepResponse, error) {
	params := url.Values{}
	if opts.Group != "" {
		params.Set("group", opts.Group)
	}
	if opts.State != "" {
		params.Set("state", opts.State)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var steps []StepResponse
	err := c.list("/api/v1/steps", params, &steps)
	return steps, err
}

// GetStep возвращает шаг по ID.
func (c *Client) GetStep(id string) (*StepResponse, error) {
	var step StepResponse
	err := c.get("/api/v1/steps/"+id, &step)
	return &step, err
}

// GetStepTree возвращает шаг с поддеревом.
func (c *Client) GetStepTree(id string) (*StepNode, error) {
	var node StepNode
	err := c.get("/api/v1/steps/"+id+"/tree", &node)
	return &node, err
}

// ResolveStep возвращает NOT_RUNNABLE шаг в PENDING.
func (c *Client) ResolveStep(id string) (*StepResponse, error) {
	var step StepResponse
	err := c.post("/api/v1/steps/"+id+"/resolve", nil, &step)
	return &step, err
}

// --- Schedules ---

// ListSchedules возвращает schedules. enabled != nil — фильтр по флагу.
func (c *Client) ListSchedules(enabled *bool) ([]ScheduleResponse, error) {
	params := url.Values{}
	if enabled != nil {
		params.Set("enabled", fmt.Sprintf("%t", *enabled))
	}

	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", params, &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule.
func (c *Client) CreateSchedule(req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post("/api/v1/schedules", req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+id, &schedule)
	return &schedule, err
}

// UpdateSchedule обновляет schedule.
func (c *Client) UpdateSchedule(id string, req UpdateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put("/api/v1/schedules/"+id, req, &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(id string) error {
	return c.delete("/api/v1/schedules/" + id)
}

// EnableSchedule включает schedule.
func (c *Client) EnableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": true}
	err := c.put("/api/v1/schedules/"+id+"/enabled", body, &schedule)
	return &schedule, err
}

// DisableSchedule выключает schedule.
func (c *Client) DisableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": false}
	err := c.put("/api/v1/schedules/"+id+"/enabled", body, &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, out any) error {
	return c.call(http.MethodGet, path, nil, out)
}

func (c *Client) post(path string, body, out any) error {
	return c.call(http.MethodPost, path, body, out)
}

func (c *Client) put(path string, body, out any) error {
	return c.call(http.MethodPut, path, body, out)
}

func (c *Client) delete(path string) error {
	return c.call(http.MethodDelete, path, nil, nil)
}

func (c *Client) list(path string, params url.Values, out any) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return c.call(http.MethodGet, path, nil, out)
}

// call выполняет запрос и раскладывает data ответа в out. Статусы из
// accept кроме 2xx тоже считаются ответом с данными.
func (c *Client) call(method, path string, body, out any, accept ...int) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	ok := resp.StatusCode < 300 || slices.Contains(accept, resp.StatusCode)
	if !ok {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
