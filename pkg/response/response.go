package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-nvr/backend/internal/apperr"
)

// ErrorBody is the error envelope: {"error": {"kind": ..., "message": ...}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable kind and a client-safe message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// Fail sends status with the given kind and message.
func Fail(c *gin.Context, status int, kind, message string) {
	c.JSON(status, ErrorBody{Error: ErrorDetail{Kind: kind, Message: message}})
}

// BadRequest sends 400.
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, apperr.KindInvalid, message)
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, "unauthorized", message)
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, message string) {
	Fail(c, http.StatusForbidden, "forbidden", message)
}

// NotFound sends 404.
func NotFound(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, apperr.KindNotFound, message)
}

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, message string) {
	Fail(c, http.StatusServiceUnavailable, apperr.KindTransient, message)
}

// Internal sends 500.
func Internal(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, apperr.KindInternal, message)
}

// Error maps err to a status by kind. Messages for storage failures are
// replaced so backend details never reach the client.
func Error(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrInvalidArgument):
		BadRequest(c, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		NotFound(c, "not found")
	case errors.Is(err, apperr.ErrTransient):
		ServiceUnavailable(c, "backend temporarily unavailable")
	default:
		Internal(c, "internal error")
	}
}
