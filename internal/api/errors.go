package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"proposal-workflows/internal/repository"
	"proposal-workflows/pkg/errs"
)

// ErrorLogger is the subset of the application logger used for server errors.
type ErrorLogger interface {
	Error(msg string, args ...any)
}

var kindStatus = map[errs.Kind]int{
	errs.KindInvariantViolation: http.StatusUnprocessableEntity,
	errs.KindReadOnlyViolation:  http.StatusConflict,
	errs.KindPermissionDenied:   http.StatusForbidden,
	errs.KindOutOfRangeAnswer:   http.StatusUnprocessableEntity,
	errs.KindIncompleteStep:     http.StatusConflict,
	errs.KindStaleState:         http.StatusPreconditionFailed,
}

// problemFor converts err into a problem response.
func problemFor(err error) ProblemDetails {
	var engineErr *errs.Error
	if errors.As(err, &engineErr) {
		status, ok := kindStatus[engineErr.Kind]
		if !ok {
			status = http.StatusUnprocessableEntity
		}
		return ProblemDetails{
			Type:        "urn:proposal-workflows:" + string(engineErr.Kind),
			Title:       http.StatusText(status),
			Status:      status,
			Detail:      engineErr.Error(),
			Kind:        string(engineErr.Kind),
			WorkflowID:  engineErr.WorkflowID,
			ProposalID:  engineErr.ProposalID,
			StepID:      engineErr.StepID,
			CriterionID: engineErr.CriterionID,
			Required:    engineErr.Required,
			Actual:      engineErr.Actual,
		}
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ProblemDetails{Title: "Not Found", Status: http.StatusNotFound, Detail: err.Error()}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		return ProblemDetails{Title: http.StatusText(he.Code), Status: he.Code, Detail: detail}
	}
	return ProblemDetails{
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "internal error",
	}
}

// ErrorHandler renders every handler error as problem+json.
func ErrorHandler(logger ErrorLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := problemFor(err)
		problem.Instance = c.Request().URL.Path
		if problem.Status >= http.StatusInternalServerError && logger != nil {
			logger.Error("request failed", "path", c.Request().URL.Path, "method", c.Request().Method, "error", err)
		}
		writeProblem(c.Response(), problem)
	}
}
