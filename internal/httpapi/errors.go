package httpapi

import (
	"errors"
	"net/http"

	"comms-pipeline/internal/calls"
	"comms-pipeline/internal/conversation"
	"comms-pipeline/internal/messages"
	"comms-pipeline/internal/telephony"
	"comms-pipeline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// errorResponse is the JSON error body of every API endpoint.
type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func abort(c *gin.Context, status int, msg string, details any) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg, Details: details})
}

// writeError maps domain errors to HTTP status codes. Anything unrecognised is
// logged and reported as 500 without leaking the cause.
func writeError(c *gin.Context, err error) {
	var pe *telephony.ProviderError
	switch {
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, messages.ErrNotFound):
		abort(c, http.StatusNotFound, "not found", nil)
	case errors.Is(err, calls.ErrNoRecording):
		abort(c, http.StatusNotFound, "recording not available", nil)
	case errors.Is(err, calls.ErrInvalidNumber), errors.Is(err, messages.ErrInvalidRecipient):
		abort(c, http.StatusBadRequest, "invalid recipient", nil)
	case errors.Is(err, messages.ErrEmptyBody):
		abort(c, http.StatusBadRequest, "body is required", nil)
	case errors.Is(err, calls.ErrInvalidArgument), errors.Is(err, messages.ErrInvalidArgument),
		errors.Is(err, conversation.ErrInvalidRequest):
		abort(c, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, calls.ErrNoVoIPSettings), errors.Is(err, messages.ErrNoSenderAddress):
		abort(c, http.StatusUnprocessableEntity, "voip settings missing", nil)
	case errors.As(err, &pe):
		status := http.StatusBadGateway
		if pe.Kind == telephony.KindTransient {
			status = http.StatusServiceUnavailable
		}
		c.AbortWithStatusJSON(status, gin.H{
			"error":  telephony.Reason(err),
			"code":   pe.Code,
			"status": "failed",
		})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		abort(c, http.StatusInternalServerError, "internal error", nil)
	}
}
