// Package api provides the HTTP handlers of the theme service and its
// standardized JSON error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/fanthemes/internal/docstore"
	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/middleware"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/vote"
)

// Error codes used throughout the API.
const (
	ErrCodeMalformedInput   = "malformed_input"
	ErrCodeNotSignedIn      = "not_signed_in"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeAlreadyVoted     = "already_voted"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeInternal         = "internal_error"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records code for
// the request log.
//
//	api.WriteError(w, r.Context(), http.StatusNotFound, api.ErrCodeNotFound, "Theme not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// classify maps a domain error onto an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrNotSignedIn):
		return http.StatusUnauthorized, ErrCodeNotSignedIn
	case errors.Is(err, theme.ErrForbidden):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, vote.ErrAlreadyVoted):
		return http.StatusConflict, ErrCodeAlreadyVoted
	case errors.Is(err, theme.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, theme.ErrMalformedInput),
		errors.Is(err, vote.ErrInvalidDay),
		errors.Is(err, docstore.ErrInvalidPath):
		return http.StatusBadRequest, ErrCodeMalformedInput
	case errors.Is(err, docstore.ErrConflict):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, docstore.ErrReadFailed), errors.Is(err, docstore.ErrWriteFailed):
		return http.StatusServiceUnavailable, ErrCodeStoreUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDomainError maps err and writes it. Client errors carry the error
// text; server errors are logged and answered with a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, op string) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
		WriteError(w, r.Context(), status, code, "Service temporarily unavailable")
		return
	}
	WriteError(w, r.Context(), status, code, err.Error())
}

// writeJSON encodes v with status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
