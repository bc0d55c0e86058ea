package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the JSON body of every error response
type ErrorBody struct {
	Error   ErrorDetail `json:"error"`
	Message string      `json:"message"`
}

// ErrorDetail carries the machine readable code
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse is the JSON body of every success response
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// SendSuccess writes a data envelope
func SendSuccess(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, SuccessResponse{Data: data})
}

// SendError writes an error envelope
func SendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorBody{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Message: message,
	})
}

// SendAppError maps err to an HTTP status and writes it
func SendAppError(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		SendError(c, StatusFor(appErr.Code), appErr.Code, appErr.Message)
		return
	}
	SendError(c, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}

// StatusFor maps error codes to HTTP status codes
func StatusFor(code string) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyExists:
		return http.StatusConflict
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodePermissionDenied:
		return http.StatusForbidden
	case ErrCodeConnection:
		return http.StatusServiceUnavailable
	case ErrCodeCommit:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
