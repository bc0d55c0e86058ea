package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"project-board-sync/internal/notify"
	"project-board-sync/internal/response"
)

const (
	defaultHeartbeat  = 25 * time.Second
	subscriberBuffer  = 32
	eventNotification = "notification"
	eventHeartbeat    = "ping"
)

// NotificationHandler streams user notifications as server-sent events
type NotificationHandler struct {
	broadcaster *notify.Broadcaster
	heartbeat   time.Duration
	logger      *zap.Logger
}

// NewNotificationHandler creates a notification handler
func NewNotificationHandler(broadcaster *notify.Broadcaster, heartbeat time.Duration, logger *zap.Logger) *NotificationHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &NotificationHandler{
		broadcaster: broadcaster,
		heartbeat:   heartbeat,
		logger:      logger,
	}
}

// Recent godoc
// @Summary      Recent notifications
// @Description  Returns the retained notifications
// @Tags         notifications
// @Produce      json
// @Param        project_id query string false "Project ID"
// @Success      200 {object} response.SuccessResponse{data=[]notify.Notification} "Notifications"
// @Router       /notifications/recent [get]
func (h *NotificationHandler) Recent(c *gin.Context) {
	projectID := c.Query("project_id")
	out := make([]notify.Notification, 0)
	for _, n := range h.broadcaster.Recent() {
		if matchesProject(n, projectID) {
			out = append(out, n)
		}
	}
	response.SendSuccess(c, http.StatusOK, out)
}

// Stream godoc
// @Summary      Stream notifications
// @Description  Streams notifications as server-sent events
// @Tags         notifications
// @Produce      text/event-stream
// @Param        project_id query string false "Project ID"
// @Param        replay query bool false "Send retained notifications first"
// @Success      200 {object} notify.Notification "Event stream"
// @Router       /notifications [get]
func (h *NotificationHandler) Stream(c *gin.Context) {
	projectID := c.Query("project_id")

	ch, cancel := h.broadcaster.Subscribe(subscriberBuffer)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if c.Query("replay") == "true" {
		for _, n := range h.broadcaster.Recent() {
			if matchesProject(n, projectID) {
				c.SSEvent(eventNotification, n)
			}
		}
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("Notification stream opened", zap.String("project_id", projectID))
	c.Stream(func(w io.Writer) bool {
		select {
		case n, ok := <-ch:
			if !ok {
				return false
			}
			if matchesProject(n, projectID) {
				c.SSEvent(eventNotification, n)
			}
			return true
		case t := <-ticker.C:
			c.SSEvent(eventHeartbeat, t.UTC().Format(time.RFC3339))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
	h.logger.Debug("Notification stream closed", zap.String("project_id", projectID))
}

func matchesProject(n notify.Notification, projectID string) bool {
	return projectID == "" || n.ProjectID == "" || n.ProjectID == projectID
}
