package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kb-chat/internal/usecase"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorOwnership, usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorOracle:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errorMessages = map[usecase.ErrorCode]string{
	usecase.ErrorOwnership: "You can only access your own conversations.",
	usecase.ErrorForbidden: "You do not have permission to perform this action.",
	usecase.ErrorNotFound:  "The requested resource was not found.",
	usecase.ErrorOracle:    "An upstream service failed. Please try again.",
}

// messageFor never exposes wrapped error text. Client errors carry their
// reason tag so callers can tell which check failed.
func messageFor(err error) string {
	var ue *usecase.Error
	code := usecase.CodeOf(err)
	if m, ok := errorMessages[code]; ok {
		return m
	}
	switch code {
	case usecase.ErrorValidation, usecase.ErrorConflict:
		if errors.As(err, &ue) && ue.Reason != "" {
			return "Invalid request: " + ue.Reason
		}
		return "Invalid request."
	default:
		return "An internal server error occurred."
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	code := usecase.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("correlation_id", correlationID(c)),
			zap.String("code", string(code)),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     string(code),
		Message:   messageFor(err),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      c.Request.URL.Path,
	})
}

func badRequest(reason string) error {
	return &usecase.Error{Code: usecase.ErrorValidation, Reason: reason}
}
