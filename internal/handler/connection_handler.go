package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"project-board-sync/internal/connection"
	"project-board-sync/internal/response"
)

const reconnectWait = 10 * time.Second

// ConnectionStatusResponse is the connection state plus joined rooms
type ConnectionStatusResponse struct {
	connection.Status
	RoomNames []string `json:"room_names"`
}

// ConnectionHandler reports and resets the realtime connection
type ConnectionHandler struct {
	conn   connection.Manager
	logger *zap.Logger
}

// NewConnectionHandler creates a connection handler
func NewConnectionHandler(conn connection.Manager, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{conn: conn, logger: logger}
}

// GetStatus godoc
// @Summary      Get connection status
// @Description  Returns the realtime connection state and joined rooms
// @Tags         connection
// @Produce      json
// @Success      200 {object} response.SuccessResponse{data=ConnectionStatusResponse} "Connection status"
// @Router       /connection [get]
func (h *ConnectionHandler) GetStatus(c *gin.Context) {
	response.SendSuccess(c, http.StatusOK, ConnectionStatusResponse{
		Status:    h.conn.Status(),
		RoomNames: h.conn.Rooms(),
	})
}

// Reconnect godoc
// @Summary      Reconnect
// @Description  Clears an exhausted connection and dials again
// @Tags         connection
// @Produce      json
// @Success      200 {object} response.SuccessResponse{data=ConnectionStatusResponse} "Connected"
// @Success      202 {object} response.SuccessResponse{data=ConnectionStatusResponse} "Still connecting"
// @Failure      500 {object} response.ErrorBody "Connection manager closed"
// @Router       /connection/reconnect [post]
func (h *ConnectionHandler) Reconnect(c *gin.Context) {
	if err := h.conn.Reconnect(context.Background()); err != nil {
		handleServiceError(c, h.logger, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), reconnectWait)
	defer cancel()
	if err := h.conn.AwaitConnected(ctx); err != nil {
		h.logger.Warn("Reconnect not established yet", zap.Error(err))
	}

	status := http.StatusOK
	if !h.conn.IsConnected() {
		status = http.StatusAccepted
	}
	response.SendSuccess(c, status, ConnectionStatusResponse{
		Status:    h.conn.Status(),
		RoomNames: h.conn.Rooms(),
	})
}
