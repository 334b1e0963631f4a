package client

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Code    errors.ErrorCode       `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RenderError writes err with the status matching its code.
func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	status := errors.MapErrorCodeToHTTPStatus(code)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{
		Status:  "error",
		Message: err.Error(),
		Code:    code,
		Details: errors.GetDetails(err),
	})
}

func RenderUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	RenderError(w, r, errors.Unauthorized(message))
}

func RenderForbidden(w http.ResponseWriter, r *http.Request, message string) {
	RenderError(w, r, errors.Forbidden(message))
}
