package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"project-board-sync/internal/domain"
	"project-board-sync/internal/hub"
	"project-board-sync/internal/repository"
	"project-board-sync/internal/response"
	"project-board-sync/internal/transport"
)

// SnapshotHandler stores whole boards for the relay
type SnapshotHandler struct {
	repo   repository.BoardRepository
	hub    *hub.Hub
	logger *zap.Logger
}

// NewSnapshotHandler creates a snapshot handler
func NewSnapshotHandler(repo repository.BoardRepository, h *hub.Hub, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{repo: repo, hub: h, logger: logger}
}

// GetBoard godoc
// @Summary      Get stored board
// @Tags         snapshots
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Success      200 {object} response.SuccessResponse{data=domain.Snapshot} "Stored board"
// @Failure      404 {object} response.ErrorBody "Board not found"
// @Router       /projects/{projectId}/board [get]
func (h *SnapshotHandler) GetBoard(c *gin.Context) {
	snap, err := h.repo.Find(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	response.SendSuccess(c, http.StatusOK, snap)
}

// SaveBoard godoc
// @Summary      Save board
// @Description  Replaces the stored board. The last writer wins.
// @Tags         snapshots
// @Accept       json
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        request body domain.Snapshot true "Board"
// @Success      200 {object} response.SuccessResponse{data=domain.Snapshot} "Saved board"
// @Failure      400 {object} response.ErrorBody "Invalid board"
// @Router       /projects/{projectId}/board [put]
func (h *SnapshotHandler) SaveBoard(c *gin.Context) {
	var snap domain.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid board")
		return
	}
	projectID := c.Param("projectId")
	if snap.ProjectID != "" && snap.ProjectID != projectID {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Project ID does not match the path")
		return
	}
	snap.ProjectID = projectID
	for _, col := range snap.Columns {
		if err := col.Validate(); err != nil {
			handleServiceError(c, h.logger, err)
			return
		}
	}

	saved, err := h.repo.Save(c.Request.Context(), snap, peerIdentity(c).Label())
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	h.logger.Debug("Board saved",
		zap.String("project_id", projectID),
		zap.Int64("version", saved.Version),
		zap.Int("columns", len(saved.Columns)),
		zap.Int("items", len(saved.Items)))
	response.SendSuccess(c, http.StatusOK, saved)
}

// DeleteBoard godoc
// @Summary      Delete board
// @Description  Removes a project and notifies the peers viewing it
// @Tags         snapshots
// @Param        projectId path string true "Project ID"
// @Success      204 "Deleted"
// @Failure      404 {object} response.ErrorBody "Board not found"
// @Router       /projects/{projectId}/board [delete]
func (h *SnapshotHandler) DeleteBoard(c *gin.Context) {
	projectID := c.Param("projectId")
	if err := h.repo.Delete(c.Request.Context(), projectID); err != nil {
		handleServiceError(c, h.logger, err)
		return
	}

	data, err := json.Marshal(map[string]string{"id": projectID})
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	msg, err := transport.NewMessage(
		domain.InboundEventName(domain.EntityProject, domain.KindDeleted),
		domain.RoomName(domain.EntityProject, projectID),
		domain.InboundPayload{Data: data, User: peerIdentity(c).Label()},
	)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	h.hub.Broadcast(msg.Room, msg)

	c.Status(http.StatusNoContent)
}
