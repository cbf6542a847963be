package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/returns/internal/platform/requestctx"
)

// Error is the JSON error envelope shared by every endpoint.
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NewError builds an envelope; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: singleLine(code, 80), Message: singleLine(message, 512), Status: status}
}

// WithRetryAfter makes WriteError emit a Retry-After header, rounded up to whole seconds.
func (e Error) WithRetryAfter(d time.Duration) Error {
	e.RetryAfter = d
	return e
}

// WriteError writes the envelope, stamping the chi request id and the trace id from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	if e.RetryAfter > 0 {
		secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     e.Code,
		Message:   e.Message,
		Status:    e.Status,
		RequestID: singleLine(middleware.GetReqID(ctx), 80),
		TraceID:   singleLine(requestctx.TraceID(ctx), 64),
	})
}

// ErrorRule maps errors matching Target (via errors.Is) or Match to an envelope. An empty
// Message echoes err.Error(), which suits sentinel-wrapped validation errors.
type ErrorRule struct {
	Target  error
	Match   func(error) bool
	Code    string
	Message string
	Status  int
}

func (r ErrorRule) matches(err error) bool {
	if r.Target != nil && errors.Is(err, r.Target) {
		return true
	}
	return r.Match != nil && r.Match(err)
}

// ErrorMapper resolves errors against ordered rules; the first match wins.
type ErrorMapper struct {
	rules    []ErrorRule
	fallback Error
}

// NewErrorMapper builds a mapper that answers fallback when no rule matches.
func NewErrorMapper(fallback Error, rules ...ErrorRule) ErrorMapper {
	return ErrorMapper{rules: rules, fallback: fallback}
}

// Resolve returns the envelope for err.
func (m ErrorMapper) Resolve(err error) Error {
	for _, rule := range m.rules {
		if !rule.matches(err) {
			continue
		}
		message := rule.Message
		if message == "" {
			message = err.Error()
		}
		out := NewError(rule.Code, message, rule.Status)
		if out.Status == http.StatusServiceUnavailable {
			out.RetryAfter = time.Second
		}
		return out
	}
	return m.fallback
}

// Write resolves err and writes it. A nil err writes nothing.
func (m ErrorMapper) Write(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	WriteError(ctx, w, m.Resolve(err))
}

func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
