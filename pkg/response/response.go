package response

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Response is the envelope of every API reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeConflict      = "DUPLICATE_RESOURCE"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

var (
	notFoundMu     sync.RWMutex
	notFoundErrors []error
)

// RegisterNotFound makes Handle answer 404 for errors wrapping any of errs.
func RegisterNotFound(errs ...error) {
	notFoundMu.Lock()
	defer notFoundMu.Unlock()
	notFoundErrors = append(notFoundErrors, errs...)
}

func isNotFound(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true
	}
	notFoundMu.RLock()
	defer notFoundMu.RUnlock()
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Handle writes data on success and maps err to a status code otherwise.
// Unregistered errors are reported as 500 without leaking their text.
func Handle(c *gin.Context, data interface{}, err error) {
	switch {
	case err == nil:
		Success(c, data)
	case isNotFound(err):
		NotFound(c, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success answers 201 to POST requests and 200 to everything else.
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}
	c.JSON(status, Response{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string, data interface{}) {
	c.JSON(status, Response{
		Data:  data,
		Error: &Error{Code: code, Message: message},
	})
}

func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message, nil)
}

func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message, nil)
}

func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message, nil)
}

func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message, nil)
}

func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message, nil)
}

func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeConflict, message, nil)
}

// Unprocessable answers 422 for a well-formed request the domain refused.
// code is the machine-readable reason; data carries the full outcome.
func Unprocessable(c *gin.Context, code, message string, data interface{}) {
	fail(c, http.StatusUnprocessableEntity, code, message, data)
}

// Unavailable answers 503; the client may retry.
func Unavailable(c *gin.Context, message string, data interface{}) {
	fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, message, data)
}

func TooManyRequests(c *gin.Context, message string) {
	fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message, nil)
}
