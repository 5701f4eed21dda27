package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shaiso/Stepwise/internal/idempotency"
	"github.com/shaiso/Stepwise/internal/job"
	"github.com/shaiso/Stepwise/internal/throttle"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 200

	// maxResponseBody — больше тело не читается. Успешный ответ крупнее
	// не помещается в response шага и считается ошибкой.
	maxResponseBody = 1 << 20
)

// HTTPCall — job класса "http.call": один HTTP-запрос к внешней системе.
//
// Аргументы шага:
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL запроса (обязательно)
//   - headers (map[string]string): заголовки запроса
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса. Default: 30
//   - system (string): имя системы в throttle.Registry (binance, bybit, ...)
//   - account_id (string): аккаунт для поаккаунтных окон лимитов
//
// Response шага: status_code, headers, body (JSON или строка).
//
// Ответы классифицируются так: 2xx/3xx → Completed, 429/418 → retry после
// Retry-After (и бан в throttler), 5xx и сетевые ошибки → retry с backoff,
// остальные 4xx → Failed. Неидемпотентные методы (POST, PATCH) выполняются
// через кэш идемпотентности шага: повтор после успешного запроса вернёт
// сохранённый ответ, не отправляя запрос второй раз.
type HTTPCall struct {
	Client *http.Client
}

type httpCallArgs struct {
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
	TimeoutSec float64           `json:"timeout_sec"`
	System     string            `json:"system"`
	AccountID  string            `json:"account_id"`
}

// HTTPResponse — сохраняемый результат запроса.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
}

// Compute выполняет запрос.
func (h *HTTPCall) Compute(ctx context.Context, jc *job.Context) job.Outcome {
	var args httpCallArgs
	if err := jc.DecodeArgs(&args); err != nil {
		return job.Failed(err)
	}
	if args.URL == "" {
		return job.Failed(fmt.Errorf("%w: url", job.ErrMissingArgument))
	}
	args.Method = strings.ToUpper(args.Method)
	if args.Method == "" {
		args.Method = http.MethodGet
	}

	if out, wait := jc.Preflight(ctx, args.System, args.AccountID); wait {
		return out
	}

	do := func(ctx context.Context) (HTTPResponse, error) { return h.do(ctx, jc, args) }

	var (
		resp HTTPResponse
		err  error
	)
	if isIdempotentMethod(args.Method) {
		resp, err = do(ctx)
	} else {
		resp, err = idempotency.Do(ctx, jc.Cache(), "http.call:"+args.Method+" "+args.URL, do)
	}
	if err != nil {
		return job.FromError(err, nil, jc.Attempt())
	}

	return job.Completed(map[string]any{
		"status_code": resp.StatusCode,
		"headers":     resp.Headers,
		"body":        resp.Body,
	})
}

// do отправляет запрос и переводит неуспешный ответ в ошибку job-таксономии.
func (h *HTTPCall) do(ctx context.Context, jc *job.Context, args httpCallArgs) (HTTPResponse, error) {
	timeout := defaultHTTPTimeout
	if args.TimeoutSec > 0 {
		timeout = time.Duration(args.TimeoutSec * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if args.Body != nil {
		b, err := json.Marshal(args.Body)
		if err != nil {
			return HTTPResponse{}, job.Wrap(&job.Permanent{Err: err}, "marshal body")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, args.Method, args.URL, bodyReader)
	if err != nil {
		return HTTPResponse{}, &job.Permanent{Err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	raw, err := client.Do(req)
	if err != nil {
		return HTTPResponse{}, &job.Retryable{Err: fmt.Errorf("%s %s: %w", args.Method, args.URL, err)}
	}
	defer raw.Body.Close()

	jc.Observe(ctx, args.System, raw, args.AccountID)

	body, err := io.ReadAll(io.LimitReader(raw.Body, maxResponseBody+1))
	if err != nil {
		return HTTPResponse{}, &job.Retryable{Err: fmt.Errorf("read response: %w", err)}
	}
	oversized := len(body) > maxResponseBody
	if oversized {
		body = body[:maxResponseBody]
	}

	if err := classifyStatus(raw, body); err != nil {
		return HTTPResponse{}, err
	}
	if oversized {
		return HTTPResponse{}, &job.Permanent{
			Err: fmt.Errorf("%s %s: response body exceeds %d bytes", args.Method, args.URL, maxResponseBody),
		}
	}
	return buildResponse(raw, body), nil
}

// classifyStatus возвращает nil для успешного ответа.
func classifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code < 400 {
		return nil
	}
	err := fmt.Errorf("HTTP %d: %s", code, truncate(string(body), maxErrorBody))
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusTeapot:
		return &job.RateLimited{
			Err:     err,
			ResetAt: time.Now().Add(throttle.ParseRetryAfter(resp.Header, time.Minute)),
		}
	case code >= 500:
		return &job.Retryable{Err: err}
	case code == http.StatusRequestTimeout:
		return &job.Retryable{Err: err}
	default:
		return job.Wrap(&job.Permanent{Err: err}, "request rejected")
	}
}

func buildResponse(resp *http.Response, body []byte) HTTPResponse {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		parsed = string(body)
	}
	return HTTPResponse{StatusCode: resp.StatusCode, Headers: headers, Body: parsed}
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// truncate обрезает строку до maxLen байт, не разрезая UTF-8 символ.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
