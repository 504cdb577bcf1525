// Package api exposes the policy engine over HTTP. Every error response is
// an RFC 7807 problem document.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/workgraph/pkg/policy"
	"github.com/Mindburn-Labs/workgraph/pkg/versioning"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path.
	Instance string `json:"instance,omitempty"`
	// TraceID is the X-Request-ID of the request.
	TraceID string `json:"traceId,omitempty"`
	// Findings carries the compile findings of a rejected graph.
	Findings policy.Findings `json:"findings,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func newProblem(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://workgraph.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, newProblem(status, title, detail))
}

// WriteErrorR writes an RFC 7807 response enriched with the request path
// and the X-Request-ID set by RequestID.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	p := newProblem(status, title, detail)
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get(RequestIDHeader)
	writeProblem(w, p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteUnprocessable writes a 422 error response.
func WriteUnprocessable(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
}

// WriteValidationFailure writes a 422 carrying the compile findings.
func WriteValidationFailure(w http.ResponseWriter, r *http.Request, vf *policy.ValidationFailure) {
	errs := vf.Findings.BySeverity(policy.SeverityError)
	p := newProblem(http.StatusUnprocessableEntity, "Invalid Graph",
		fmt.Sprintf("graph has %d blocking finding(s)", len(errs)))
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get(RequestIDHeader)
	p.Findings = vf.Findings
	writeProblem(w, p)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error",
		"path", r.URL.Path, "request_id", w.Header().Get(RequestIDHeader), "error", err)
	WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// writeDomainError maps engine errors onto problem documents.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if vf, ok := policy.AsValidationFailure(err); ok {
		WriteValidationFailure(w, r, vf)
		return
	}
	switch {
	case errors.Is(err, versioning.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, versioning.ErrVersionConflict),
		errors.Is(err, versioning.ErrPinConflict),
		errors.Is(err, versioning.ErrImmutable),
		errors.Is(err, versioning.ErrVersionNameRegression):
		WriteConflict(w, r, err.Error())
	case errors.Is(err, versioning.ErrInvalidVersionName):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, versioning.ErrProjectMismatch):
		WriteUnprocessable(w, r, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}
