// Package api serves the orchestrator and local processors over HTTP+JSON.
// Errors use RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/xdomain/pkg/authorization"
	"github.com/Mindburn-Labs/xdomain/pkg/credential"
	"github.com/Mindburn-Labs/xdomain/pkg/policy"
	"github.com/Mindburn-Labs/xdomain/pkg/processor"
	"github.com/Mindburn-Labs/xdomain/pkg/routing"
	"github.com/Mindburn-Labs/xdomain/pkg/store/archive"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
	"github.com/Mindburn-Labs/xdomain/pkg/zk"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Code carries the deny code of a rejected request.
	Code string `json:"code,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("https://xdomain.dev/errors/%d", p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR writes a problem enriched with the request path and id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never returned
// to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps orchestrator and processor errors onto problems.
// Rejections become 422 with their deny code.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := authorization.IsRejection(err); ok {
		writeProblem(w, &ProblemDetail{
			Title:    "Request Rejected",
			Status:   http.StatusUnprocessableEntity,
			Detail:   rej.Reason,
			Code:     string(rej.Code),
			Instance: r.URL.Path,
			TraceID:  w.Header().Get("X-Request-ID"),
		})
		return
	}

	status, title := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, authorization.ErrUnauthorized),
		errors.Is(err, authorization.ErrUntrustedSender),
		errors.Is(err, processor.ErrUnauthorized):
		status, title = http.StatusForbidden, "Forbidden"
	case errors.Is(err, policy.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, zk.ErrNotFound),
		errors.Is(err, archive.ErrNotFound),
		errors.Is(err, authorization.ErrUnknownDomain),
		errors.Is(err, routing.ErrUnknownDomain),
		errors.Is(err, processor.ErrUnknownExecution):
		status, title = http.StatusNotFound, "Not Found"
	case errors.Is(err, policy.ErrDuplicateLabel),
		errors.Is(err, zk.ErrDuplicate),
		errors.Is(err, routing.ErrDomainExists),
		errors.Is(err, authorization.ErrNotRetriable),
		errors.Is(err, processor.ErrDuplicateBatch):
		status, title = http.StatusConflict, "Conflict"
	case errors.Is(err, authorization.ErrInvalidRequest),
		errors.Is(err, policy.ErrInvalid),
		errors.Is(err, policy.ErrImmutable),
		errors.Is(err, zk.ErrInvalidConfig),
		errors.Is(err, credential.ErrZeroAmount),
		errors.Is(err, processor.ErrInvalidBatch),
		errors.Is(err, processor.ErrPosition):
		status, title = http.StatusBadRequest, "Bad Request"
	case errors.Is(err, processor.ErrUnsupported):
		status, title = http.StatusNotImplemented, "Not Implemented"
	}
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	WriteErrorR(w, r, status, title, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body capped at 1MB.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}
