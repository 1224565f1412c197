package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fastintercom/internal/client/intercom"
	"fastintercom/internal/repository"
	"fastintercom/internal/service"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// errorStatus maps domain errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRunInProgress), errors.Is(err, repository.ErrCheckpointRegression), errors.Is(err, repository.ErrLeaseLost):
		return http.StatusConflict
	case errors.Is(err, intercom.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, intercom.ErrRemoteProtocol), errors.Is(err, repository.ErrDanglingReference):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
