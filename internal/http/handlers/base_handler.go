// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"farmdrop/internal/modules/delivery"
	"farmdrop/internal/modules/dispute"
)

type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// bindJSON decodes the body into v and answers 400 on failure.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// writeServiceError maps engine errors onto HTTP statuses. Anything unrecognised is
// logged and reported as 500.
func writeServiceError(c *gin.Context, log *slog.Logger, err error) {
	status, hint := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		writeError(c, status, "internal error")
		return
	}
	writeJSON(c, status, errorResponse{Error: err.Error(), Hint: hint})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, delivery.ErrValidation), errors.Is(err, dispute.ErrValidation):
		return http.StatusBadRequest, ""
	case errors.Is(err, delivery.ErrForbidden), errors.Is(err, dispute.ErrForbidden):
		return http.StatusForbidden, ""
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, dispute.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, delivery.ErrOutOfOrderScan):
		return http.StatusConflict, "please scan pickup first"
	case errors.Is(err, delivery.ErrInvalidTransition), errors.Is(err, dispute.ErrInvalidTransition):
		return http.StatusConflict, "re-fetch the current state"
	case errors.Is(err, delivery.ErrConflict), errors.Is(err, dispute.ErrConflict):
		return http.StatusConflict, "retry"
	case errors.Is(err, dispute.ErrRefundFailed):
		return http.StatusBadGateway, "retry the refund"
	default:
		return http.StatusInternalServerError, ""
	}
}
