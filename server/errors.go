package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/lexcodex/promptloop/framework"
	"github.com/lexcodex/promptloop/parse"
	"github.com/lexcodex/promptloop/persistence"
)

// classify maps the error taxonomy onto an HTTP status and a stable kind.
func classify(err error) (int, string) {
	var (
		templateErr *framework.TemplateError
		argErr      *framework.ArgumentError
		backendErr  *framework.BackendError
		rateErr     *framework.RateLimitError
	)
	switch {
	case errors.As(err, &templateErr):
		return http.StatusBadRequest, "template"
	case errors.Is(err, persistence.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, framework.ErrRetriesExhausted), errors.As(err, &rateErr):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, framework.ErrToolLoopDiverged):
		return http.StatusUnprocessableEntity, "tool_loop_diverged"
	case errors.Is(err, framework.ErrUnknownTool):
		return http.StatusBadGateway, "unknown_tool"
	case errors.As(err, &argErr):
		return http.StatusBadGateway, "tool_arguments"
	case errors.As(err, &backendErr):
		return http.StatusBadGateway, "backend"
	case errors.Is(err, parse.ErrInvalidIndentation), errors.Is(err, parse.ErrParserStuck):
		return http.StatusUnprocessableEntity, "parse"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}
