package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// statusForCode maps the scheduling error taxonomy onto HTTP. Lost races
// and state violations are 409s like genuine overlaps; the client retry
// story is the same for both.
func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrStateViolation, apperrors.ErrConflict:
		return http.StatusConflict
	case apperrors.ErrSlotNotAvailable, apperrors.ErrSlotOutsideBookableRange, apperrors.ErrVisitFrequencyReached, apperrors.ErrPaymentLimitReached:
		return http.StatusUnprocessableEntity
	case apperrors.ErrInvalidPayment, apperrors.ErrArgument:
		return http.StatusBadRequest
	case apperrors.ErrForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err with the status derived from its code. Internal
// errors keep their message out of the response body.
func RespondError(c *gin.Context, err error) {
	status := statusForCode(apperrors.Code(err))
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	c.JSON(status, NewErrorResponse(message))
}
