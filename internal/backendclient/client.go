// Package backendclient implements the stateless JSON client ARCANOS uses
// to talk to its backend control plane (C2).
//
// Grounded on daemon-python/arcanos/backend_client.py's BackendApiClient:
// _make_request/_request_json's exact status-code handling is ported
// method-for-method into requestJSON below. The circuit breaker
// (github.com/sony/gobreaker, seen in jordigilh-kubernaut) and the
// OpenTelemetry HTTP instrumentation (go.opentelemetry.io/contrib, the
// otel idiom itsneelabh-gomind uses pervasively) wrap the teacher's plain
// *http.Client pattern without changing the status-code semantics below.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sony/gobreaker"
)

// tracer names the span wrapping each circuit-breaker-guarded round trip,
// one level above the low-level HTTP client span otelhttp already emits.
var tracer = otel.Tracer("github.com/pbjustin/arcanos/internal/backendclient")

// TokenProvider is re-read on every call so credentials refreshed mid-run
// (the credential-refresh adapter in C11) are picked up without
// reconstructing the client.
type TokenProvider func() string

// AuditFunc is called for the handful of client-originated audit events
// (auth_failure) the spec requires. It may be nil.
type AuditFunc func(event string, fields map[string]any)

// Client is the stateless backend HTTP client. A zero-value Client is not
// usable; construct with New.
type Client struct {
	baseURL    string
	token      TokenProvider
	httpClient *http.Client
	logger     *zap.Logger
	audit      AuditFunc
	breaker    *gobreaker.CircuitBreaker
}

// New constructs a Client. baseURL may be empty, which puts the client in
// the "backend-unconfigured" state: every typed operation below fails fast
// with Kind=KindConfiguration and performs no network I/O.
func New(baseURL string, timeout time.Duration, token TokenProvider, logger *zap.Logger, audit AuditFunc) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "arcanos-backend",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		logger:     logger,
		audit:      audit,
		breaker:    breaker,
	}
}

// Configured reports whether a base URL was provided at construction.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

func (c *Client) emitAudit(event string, fields map[string]any) {
	if c.audit != nil {
		c.audit(event, fields)
	}
}

// rawRequest performs the HTTP round trip behind the circuit breaker and
// returns the raw status code and body, or a typed *Error for
// configuration/auth/network/timeout failures that never reach the wire
// status-code mapping in requestJSON.
func (c *Client) rawRequest(ctx context.Context, method, path string, body any) (int, []byte, *Error) {
	ctx, span := tracer.Start(ctx, "backendclient.request",
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("arcanos.path", path)))
	defer span.End()

	if !c.Configured() {
		return 0, nil, newConfigError("backend URL is not configured")
	}

	token := c.token()
	if strings.TrimSpace(token) == "" {
		c.emitAudit("auth_failure", map[string]any{"reason": "token_missing"})
		return 0, nil, newAuthError("backend token is missing or empty", 0)
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, newValidationError(fmt.Sprintf("failed to encode request body: %v", err))
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, newValidationError(fmt.Sprintf("failed to construct request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, readErr
		}
		return rawResult{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, newNetworkError("circuit breaker open: backend unreachable")
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, newTimeoutError(err.Error())
		}
		return 0, nil, newNetworkError(err.Error())
	}

	rr := result.(rawResult)
	span.SetAttributes(attribute.Int("http.status_code", rr.status))
	return rr.status, rr.body, nil
}

type rawResult struct {
	status int
	body   []byte
}

// requestJSON performs the request and maps the HTTP outcome onto the
// structured error taxonomy, per spec.md §4.2's status -> kind table. out,
// if non-nil, receives json.Unmarshal of a 2xx JSON-object body.
func (c *Client) requestJSON(ctx context.Context, method, path string, body any, out any) *Error {
	status, data, rerr := c.rawRequest(ctx, method, path, body)
	if rerr != nil {
		return rerr
	}

	switch {
	case status >= 200 && status < 300:
		if len(data) == 0 {
			return nil
		}
		if !json.Valid(data) {
			return newParseError("response body is not valid JSON")
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return newParseError(fmt.Sprintf("response does not match expected shape: %v", err))
		}
		return nil

	case status == 401:
		c.emitAudit("auth_failure", map[string]any{"status_code": status})
		return newAuthError("unauthorized", status)

	case status == 403:
		var challenge rawConfirmationChallenge
		if json.Unmarshal(data, &challenge) == nil && challenge.Code == "CONFIRMATION_REQUIRED" && challenge.ConfirmationChallenge.ID != "" {
			return &Error{
				Kind:                    KindConfirmation,
				Message:                 "confirmation required",
				StatusCode:              status,
				ConfirmationChallengeID: challenge.ConfirmationChallenge.ID,
				PendingActions:          challenge.PendingActions,
			}
		}
		return newAuthError("forbidden", status)

	case status == 429:
		return c.rateLimitError(data)

	default:
		return newHTTPError(status, string(data))
	}
}

// rateLimitError parses a retry-after hint from the body's retryAfter
// field; the caller (requestJSON) does not have access to response headers
// at this point because rawRequest only surfaces status+body — header-level
// Retry-After is read only by makeRequestWithRetryAfter, for Heartbeat.
func (c *Client) rateLimitError(body []byte) *Error {
	e := &Error{Kind: KindRateLimit, Message: "rate limit exceeded"}
	var rl rawRateLimitBody
	if json.Unmarshal(body, &rl) == nil && rl.RetryAfter != nil {
		e.RetryAfterSeconds = int(*rl.RetryAfter)
		e.HasRetryAfter = true
	}
	mins := e.RetryAfterSeconds / 60
	if mins <= 0 {
		mins = 1
	}
	unit := "minutes"
	if mins == 1 {
		unit = "minute"
	}
	e.Message = fmt.Sprintf("Rate limit exceeded. Try again in %d %s.", mins, unit)
	return e
}

// AskWithDomain calls /api/ask with a single message and an optional domain
// hint.
func (c *Client) AskWithDomain(ctx context.Context, message, domain string, metadata map[string]any) (*ChatResult, *Error) {
	body := map[string]any{"message": message}
	if domain != "" {
		body["domain"] = domain
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	return c.doChatRequest(ctx, body)
}

// ChatCompletion calls /api/ask with a full message history.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, temperature float64, model string, metadata map[string]any) (*ChatResult, *Error) {
	body := map[string]any{"messages": messages}
	if temperature != 0 {
		body["temperature"] = temperature
	}
	if model != "" {
		body["model"] = model
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	return c.doChatRequest(ctx, body)
}

func (c *Client) doChatRequest(ctx context.Context, body map[string]any) (*ChatResult, *Error) {
	var raw rawChatResponse
	if err := c.requestJSON(ctx, http.MethodPost, "/api/ask", body, &raw); err != nil {
		return nil, err
	}
	text := raw.text()
	if text == "" {
		return nil, newParseError("response contains neither 'result' nor 'response'")
	}
	return &ChatResult{
		Text:   text,
		Tokens: raw.extractTokens(),
		Cost:   raw.normalizedCost(),
		Model:  raw.normalizedModel(),
	}, nil
}

// Vision calls /api/vision.
func (c *Client) Vision(ctx context.Context, imageBase64, prompt string, metadata map[string]any) (*VisionResult, *Error) {
	if strings.TrimSpace(imageBase64) == "" {
		return nil, newValidationError("imageBase64 must not be empty")
	}
	body := map[string]any{"imageBase64": imageBase64}
	if prompt != "" {
		body["prompt"] = prompt
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var raw rawVisionResponse
	if err := c.requestJSON(ctx, http.MethodPost, "/api/vision", body, &raw); err != nil {
		return nil, err
	}
	if raw.Response == "" {
		return nil, newParseError("vision response missing 'response' field")
	}
	model := raw.Model
	if model == "" {
		model = "unknown"
	}
	cost := 0.0
	if raw.Cost != nil {
		cost = *raw.Cost
	}
	tokens := 0
	if raw.Tokens != nil {
		tokens = int(*raw.Tokens)
	}
	return &VisionResult{Text: raw.Response, Tokens: tokens, Cost: cost, Model: model}, nil
}

// Transcribe calls /api/transcribe.
func (c *Client) Transcribe(ctx context.Context, audioBase64, filename, model, language string) (*TranscriptionResult, *Error) {
	if strings.TrimSpace(audioBase64) == "" {
		return nil, newValidationError("audioBase64 must not be empty")
	}
	body := map[string]any{"audioBase64": audioBase64}
	if filename != "" {
		body["filename"] = filename
	}
	if model != "" {
		body["model"] = model
	}
	if language != "" {
		body["language"] = language
	}
	var raw rawTranscriptionResponse
	if err := c.requestJSON(ctx, http.MethodPost, "/api/transcribe", body, &raw); err != nil {
		return nil, err
	}
	if raw.Text == "" {
		return nil, newParseError("transcription response missing 'text' field")
	}
	m := raw.Model
	if m == "" {
		m = "unknown"
	}
	return &TranscriptionResult{Text: raw.Text, Model: m}, nil
}

// SubmitUpdateEvent calls /api/update.
func (c *Client) SubmitUpdateEvent(ctx context.Context, updateType string, data any, metadata map[string]any) (bool, *Error) {
	body := map[string]any{"updateType": updateType, "data": data}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var raw struct {
		Success bool `json:"success"`
	}
	if err := c.requestJSON(ctx, http.MethodPost, "/api/update", body, &raw); err != nil {
		return false, err
	}
	return raw.Success, nil
}

// ConfirmDaemonActions calls /api/daemon/confirm-actions.
func (c *Client) ConfirmDaemonActions(ctx context.Context, token, instanceID string) (int, *Error) {
	body := map[string]any{"confirmation_token": token, "instanceId": instanceID}
	var raw struct {
		Queued int `json:"queued"`
	}
	if err := c.requestJSON(ctx, http.MethodPost, "/api/daemon/confirm-actions", body, &raw); err != nil {
		return 0, err
	}
	return raw.Queued, nil
}

// Registry calls GET /api/daemon/registry. The shape is opaque to this
// client; callers (C3) treat it as an opaque map.
func (c *Client) Registry(ctx context.Context) (map[string]any, *Error) {
	var raw map[string]any
	if err := c.requestJSON(ctx, http.MethodGet, "/api/daemon/registry", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Heartbeat sends the heartbeat payload and returns the raw status code and
// any Retry-After header value (seconds), since the scheduler needs the
// header — not just a body field — to compute backoff.
func (c *Client) Heartbeat(ctx context.Context, clientID, instanceID, version string, uptimeSeconds int) (status int, retryAfter int, hasRetryAfter bool, rerr *Error) {
	body := map[string]any{
		"clientId":    clientID,
		"instanceId":  instanceID,
		"version":     version,
		"uptime":      uptimeSeconds,
		"routingMode": "http",
		"stats":       map[string]any{},
	}
	return c.makeRequestWithRetryAfter(ctx, http.MethodPost, "/api/daemon/heartbeat", body)
}

// PollCommands sends GET /api/daemon/commands?instance_id=<id>. On 429 it
// returns the body's retryAfter hint (seconds) alongside the rate_limit
// error; the Retry-After header is not read here.
func (c *Client) PollCommands(ctx context.Context, instanceID string) ([]Command, int, int, bool, *Error) {
	status, data, rerr := c.rawRequest(ctx, http.MethodGet, "/api/daemon/commands?instance_id="+instanceID, nil)
	if rerr != nil {
		return nil, 0, 0, false, rerr
	}
	if status == 429 {
		rl := c.rateLimitError(data)
		return nil, status, rl.RetryAfterSeconds, rl.HasRetryAfter, rl
	}
	if status == 401 {
		c.emitAudit("auth_failure", map[string]any{"status_code": status})
		return nil, status, 0, false, newAuthError("unauthorized", status)
	}
	if status < 200 || status >= 300 {
		return nil, status, 0, false, newHTTPError(status, string(data))
	}
	var raw rawCommandsResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, status, 0, false, newParseError(err.Error())
		}
	}
	return raw.Commands, status, 0, false, nil
}

// AckCommands sends POST /api/daemon/commands/ack.
func (c *Client) AckCommands(ctx context.Context, commandIDs []string, instanceID string) *Error {
	body := map[string]any{"commandIds": commandIDs, "instanceId": instanceID}
	return c.requestJSON(ctx, http.MethodPost, "/api/daemon/commands/ack", body, nil)
}

// makeRequestWithRetryAfter is the raw primitive the scheduler's heartbeat
// uses: it needs the status code even on non-2xx responses (to decide
// whether to back off) rather than an error it must unwrap.
func (c *Client) makeRequestWithRetryAfter(ctx context.Context, method, path string, body any) (int, int, bool, *Error) {
	if !c.Configured() {
		return 0, 0, false, newConfigError("backend URL is not configured")
	}
	token := c.token()
	if strings.TrimSpace(token) == "" {
		c.emitAudit("auth_failure", map[string]any{"reason": "token_missing"})
		return 0, 0, false, newAuthError("backend token is missing or empty", 0)
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, 0, false, newValidationError(err.Error())
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, 0, false, newValidationError(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, 0, false, newTimeoutError(err.Error())
		}
		return 0, 0, false, newNetworkError(err.Error())
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	retryAfter := 0
	hasRetryAfter := false
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, perr := strconv.Atoi(strings.TrimSpace(h)); perr == nil {
			retryAfter = secs
			hasRetryAfter = true
		}
	}
	return resp.StatusCode, retryAfter, hasRetryAfter, nil
}

// Plans groups the backend's ActionPlan lifecycle endpoints (C9).
type Plans struct{ c *Client }

// Plans returns the plan-lifecycle sub-client.
func (c *Client) Plans() Plans { return Plans{c: c} }

func (p Plans) Fetch(ctx context.Context, planID string) (map[string]any, *Error) {
	var raw map[string]any
	if err := p.c.requestJSON(ctx, http.MethodGet, "/plans/"+planID, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (p Plans) Approve(ctx context.Context, planID string) (map[string]any, *Error) {
	var raw map[string]any
	if err := p.c.requestJSON(ctx, http.MethodPost, "/plans/"+planID+"/approve", map[string]any{}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (p Plans) Execute(ctx context.Context, planID string, result any) *Error {
	return p.c.requestJSON(ctx, http.MethodPost, "/plans/"+planID+"/execute", result, nil)
}

func (p Plans) Block(ctx context.Context, planID string) (map[string]any, *Error) {
	var raw map[string]any
	if err := p.c.requestJSON(ctx, http.MethodPost, "/plans/"+planID+"/block", map[string]any{}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
