package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/auth"
	"pkt.systems/syncd/internal/locator"
	"pkt.systems/syncd/internal/precondition"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/txn"
)

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// panicError carries a recovered handler panic.
type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

// convertError maps pipeline and handler failures onto client-visible
// errors. Details never include backend error text.
func convertError(err error, retryAfter int64) httpError {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	switch {
	case errors.Is(err, auth.ErrMissing):
		return httpError{Status: http.StatusInternalServerError, Code: "auth_missing", Detail: "authorization header required"}
	case errors.Is(err, auth.ErrMalformed), errors.Is(err, auth.ErrSignature), errors.Is(err, auth.ErrExpired), errors.Is(err, auth.ErrReplay):
		return httpError{Status: http.StatusInternalServerError, Code: "auth_invalid", Detail: authDetail(err)}
	case errors.Is(err, locator.ErrInvalidPath):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_path", Detail: pathDetail(err)}
	case errors.Is(err, precondition.ErrInvalid):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_precondition", Detail: "conditional headers must be a single non-negative timestamp"}
	case errors.Is(err, txn.ErrPool):
		return httpError{Status: http.StatusServiceUnavailable, Code: "pool_unavailable", Detail: "no storage connection available", RetryAfter: retryAfter}
	case errors.Is(err, txn.ErrLock):
		return httpError{Status: http.StatusServiceUnavailable, Code: "lock_unavailable", Detail: "collection is busy", RetryAfter: retryAfter}
	case errors.Is(err, txn.ErrCommit):
		return httpError{Status: http.StatusInternalServerError, Code: "commit_failed", Detail: "transaction commit failed"}
	case errors.Is(err, txn.ErrRollback):
		return httpError{Status: http.StatusInternalServerError, Code: "rollback_failed", Detail: "transaction rollback failed"}
	case errors.Is(err, storage.ErrNotFound):
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "resource not found"}
	}
	return httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: "internal server error"}
}

func authDetail(err error) string {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return string(authErr.Kind)
	}
	return "invalid credentials"
}

func pathDetail(err error) string {
	var pathErr *locator.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Error()
	}
	return "invalid path"
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) httpError {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	httpErr := convertError(err, h.retryAfter)
	if httpErr.Code == "internal_error" {
		logger.Error("http.request.internal_error", "error", err)
	} else {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
			"error", err,
		)
	}
	resp := api.ErrorResponse{
		ErrorCode:         httpErr.Code,
		Detail:            httpErr.Detail,
		RetryAfterSeconds: httpErr.RetryAfter,
	}
	var headers map[string]string
	if httpErr.RetryAfter > 0 {
		headers = map[string]string{"Retry-After": strconv.FormatInt(httpErr.RetryAfter, 10)}
	}
	writeJSON(w, httpErr.Status, resp, headers)
	return httpErr
}
