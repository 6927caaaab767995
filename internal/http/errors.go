package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/branch"
	"github.com/fyrsmithlabs/protocold/internal/engine"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/store"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound          = "not_found"
	CodeAlreadyExists     = "already_exists"
	CodeInvalidTransition = "invalid_transition"
	CodeConflict          = "conflict"
	CodeBlocked           = "blocked"
	CodeBranchFailure     = "branch_failure"
	CodeStateLoad         = "state_load"
	CodeInvalidInput      = "invalid_input"
	CodeRateLimited       = "rate_limited"
	CodeRequest           = "request"
	CodeInternal          = "internal"
)

// classify maps an engine error to its status code and error code.
func classify(err error) (int, string) {
	var (
		httpErr    *echo.HTTPError
		loadErr    *protocol.StateLoadError
		transErr   *protocol.InvalidTransitionError
		blockedErr *protocol.BlockingPreconditionError
		branchErr  *protocol.BranchFailureError
	)
	switch {
	case errors.As(err, &httpErr):
		if httpErr.Code == http.StatusTooManyRequests {
			return httpErr.Code, CodeRateLimited
		}
		return httpErr.Code, CodeRequest
	case errors.As(err, &loadErr):
		return http.StatusInternalServerError, CodeStateLoad
	case errors.Is(err, protocol.ErrNotFound),
		errors.Is(err, protocol.ErrUnknownKind),
		errors.Is(err, branch.ErrBranchNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, protocol.ErrAlreadyExists):
		return http.StatusConflict, CodeAlreadyExists
	case errors.As(err, &transErr),
		errors.Is(err, protocol.ErrTerminal),
		errors.Is(err, branch.ErrConflictingOutcome):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.As(err, &blockedErr):
		return http.StatusPreconditionFailed, CodeBlocked
	case errors.As(err, &branchErr):
		return http.StatusUnprocessableEntity, CodeBranchFailure
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrExpansion),
		errors.Is(err, protocol.ErrInvalidIdentifier),
		errors.Is(err, protocol.ErrEmptyKind),
		errors.Is(err, protocol.ErrEmptySessionID),
		errors.Is(err, protocol.ErrMissingHaltReason),
		errors.Is(err, branch.ErrInvalidOutcome):
		return http.StatusBadRequest, CodeInvalidInput
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func newErrorResponse(err error) (int, *ErrorResponse) {
	status, code := classify(err)
	resp := &ErrorResponse{Code: code, Message: err.Error()}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		if msg, ok := httpErr.Message.(string); ok {
			resp.Message = msg
		} else {
			resp.Message = http.StatusText(httpErr.Code)
		}
	}
	var blocked *protocol.BlockingPreconditionError
	if errors.As(err, &blocked) {
		resp.Path = blocked.Path
		resp.Problems = blocked.Problems
	}
	if status >= http.StatusInternalServerError && code == CodeInternal {
		resp.Message = http.StatusText(status)
	}
	return status, resp
}

// errorHandler renders every handler error as an ErrorResponse.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, resp := newErrorResponse(err)
	errorsTotal.WithLabelValues(resp.Code).Inc()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err),
		)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, resp)
	}
	if err != nil {
		s.logger.Warn("writing error response", zap.Error(err))
	}
}
