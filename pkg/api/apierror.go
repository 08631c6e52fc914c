// Package api is the HTTP surface of the gate. Errors are RFC 7807 problem
// documents.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-gate/pkg/confirmation"
	"github.com/Mindburn-Labs/helm-gate/pkg/gateway"
	"github.com/Mindburn-Labs/helm-gate/pkg/ledger"
	"github.com/Mindburn-Labs/helm-gate/pkg/pipeline"
)

// ProblemDetail is an RFC 7807 problem document.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// errorStatus maps gate sentinels to HTTP statuses. First match wins.
var errorStatus = []struct {
	target error
	status int
}{
	{pipeline.ErrUnknownRequest, http.StatusNotFound},
	{pipeline.ErrUnknownDecision, http.StatusNotFound},
	{pipeline.ErrRequestConflict, http.StatusConflict},
	{pipeline.ErrNotSimulatable, http.StatusConflict},
	{confirmation.ErrNotFound, http.StatusNotFound},
	{confirmation.ErrExpired, http.StatusGone},
	{confirmation.ErrReplayed, http.StatusConflict},
	{confirmation.ErrDenied, http.StatusConflict},
	{confirmation.ErrResponderType, http.StatusForbidden},
	{confirmation.ErrScopeExceeded, http.StatusForbidden},
	{confirmation.ErrNotActionScope, http.StatusForbidden},
	{confirmation.ErrMismatch, http.StatusBadRequest},
	{confirmation.ErrInvalidMode, http.StatusBadRequest},
	{ledger.ErrNotFound, http.StatusNotFound},
	{gateway.ErrHalted, http.StatusServiceUnavailable},
	{gateway.ErrFatal, http.StatusServiceUnavailable},
}

// StatusFor returns the HTTP status for err, or 500 when err is not a
// known gate condition.
func StatusFor(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.target) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// WriteGateError writes err as a problem document. Internal errors are
// logged and replaced by a generic detail. A halted gateway never leaks the
// underlying ledger or registry error.
func WriteGateError(w http.ResponseWriter, r *http.Request, err error) {
	switch status := StatusFor(err); status {
	case http.StatusInternalServerError:
		WriteInternal(w, err)
	case http.StatusServiceUnavailable:
		slog.ErrorContext(r.Context(), "gateway unavailable", "path", r.URL.Path, "error", err)
		WriteErrorR(w, r, status, http.StatusText(status), "execution gateway halted")
	default:
		WriteErrorR(w, r, status, http.StatusText(status), err.Error())
	}
}

func problemType(status int) string {
	return "urn:helmgate:problem:" + strconv.Itoa(status)
}

// WriteError writes a problem document.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:    problemType(status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	})
}

// WriteErrorR is WriteError with Instance set to the request path.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, detail string) {
	WriteErrorR(w, r, status, http.StatusText(status), detail)
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="helmgate"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteTooManyRequests writes a 429 with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
}

// WriteInternal writes a 500. err is logged, never returned to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "trace_id", w.Header().Get("X-Request-ID"))
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred")
}
