package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"project-board-sync/internal/response"
)

// handleServiceError maps errors of the sync core and storage to HTTP responses
func handleServiceError(c *gin.Context, logger *zap.Logger, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.SendError(c, http.StatusNotFound, response.ErrCodeNotFound, "Resource not found")
		return
	}

	var appErr *response.AppError
	if errors.As(err, &appErr) {
		status := response.StatusFor(appErr.Code)
		if status >= http.StatusInternalServerError {
			logger.Error("Request failed",
				zap.String("path", c.FullPath()),
				zap.String("code", appErr.Code),
				zap.Error(err))
		}
		response.SendError(c, status, appErr.Code, appErr.Message)
		return
	}

	logger.Error("Unhandled error",
		zap.String("path", c.FullPath()),
		zap.String("error_type", fmt.Sprintf("%T", err)),
		zap.Error(err))
	response.SendError(c, http.StatusInternalServerError, response.ErrCodeInternal, "Internal server error")
}
