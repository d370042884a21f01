package errorhandler

import (
	"context"
	"net/http"

	"github.com/gamemarket/gamemarket-api/internal/pkg/logger"
	"github.com/gamemarket/gamemarket-api/internal/pkg/response"
)

// HandleError logs err with the request-scoped logger and sends the error envelope.
// The underlying error is never echoed to the client.
func HandleError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	l := logger.FromContext(ctx)
	event := l.Warn()
	if status >= http.StatusInternalServerError {
		event = l.Error()
	}
	if err != nil {
		event = event.Err(err)
	}
	event.
		Str("error_code", code).
		Int("status_code", status).
		Msg(message)

	response.Error(w, status, code, message)
}

// HandleErrorWithDetails handles an error response with additional details and logging
func HandleErrorWithDetails(ctx context.Context, w http.ResponseWriter, status int, code, message string, details map[string]string, err error) {
	event := logger.FromContext(ctx).Warn().
		Str("error_code", code).
		Int("status_code", status)
	if err != nil {
		event = event.Err(err)
	}
	if details != nil {
		event = event.Interface("error_details", details)
	}
	event.Msg(message)

	response.ErrorWithDetails(w, status, code, message, details)
}

// Internal logs err and sends a generic 500.
func Internal(ctx context.Context, w http.ResponseWriter, err error) {
	HandleError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
}
