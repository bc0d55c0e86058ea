package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"project-board-sync/internal/board"
	"project-board-sync/internal/domain"
	"project-board-sync/internal/response"
	"project-board-sync/internal/session"
)

const defaultFlushTimeout = 15 * time.Second

// BoardHandler exposes the board operations of mounted sessions
type BoardHandler struct {
	sessions     *session.Registry
	flushTimeout time.Duration
	logger       *zap.Logger
}

// NewBoardHandler creates a board handler over the mounted sessions
func NewBoardHandler(sessions *session.Registry, flushTimeout time.Duration, logger *zap.Logger) *BoardHandler {
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	return &BoardHandler{
		sessions:     sessions,
		flushTimeout: flushTimeout,
		logger:       logger,
	}
}

// ListProjects godoc
// @Summary      List mounted projects
// @Description  Returns the ids of the projects with a mounted board
// @Tags         projects
// @Produce      json
// @Success      200 {object} response.SuccessResponse{data=[]string} "Mounted project ids"
// @Router       /projects [get]
func (h *BoardHandler) ListProjects(c *gin.Context) {
	response.SendSuccess(c, http.StatusOK, h.sessions.ProjectIDs())
}

// GetBoard godoc
// @Summary      Get board
// @Description  Returns the current board including optimistic changes
// @Tags         boards
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Success      200 {object} response.SuccessResponse{data=domain.Snapshot} "Board"
// @Failure      404 {object} response.ErrorBody "Project is not mounted"
// @Router       /projects/{projectId}/board [get]
func (h *BoardHandler) GetBoard(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	response.SendSuccess(c, http.StatusOK, s.Board())
}

// GetStatus godoc
// @Summary      Get sync status
// @Description  Returns pending actions, autosave state and versions
// @Tags         boards
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Success      200 {object} response.SuccessResponse{data=session.Status} "Sync status"
// @Failure      404 {object} response.ErrorBody "Project is not mounted"
// @Router       /projects/{projectId}/status [get]
func (h *BoardHandler) GetStatus(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	response.SendSuccess(c, http.StatusOK, s.Status())
}

// CreateColumn godoc
// @Summary      Create column
// @Description  Adds a column optimistically
// @Tags         columns
// @Accept       json
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        request body CreateColumnRequest true "Column"
// @Success      202 {object} response.SuccessResponse{data=MutationResponse} "Column added"
// @Failure      400 {object} response.ErrorBody "Invalid request"
// @Failure      403 {object} response.ErrorBody "Permission denied"
// @Failure      404 {object} response.ErrorBody "Project is not mounted"
// @Router       /projects/{projectId}/columns [post]
func (h *BoardHandler) CreateColumn(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req CreateColumnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid request body")
		return
	}

	col := domain.Column{
		ID:      req.ID,
		Name:    req.Name,
		Width:   req.Width,
		Options: req.Options,
	}
	if req.Type != "" {
		colType, known := domain.ParseColumnType(req.Type)
		if !known {
			response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Unknown column type")
			return
		}
		col.Type = colType
	}

	h.sendMutation(c, func() (board.Mutation, error) { return s.AddColumn(col) })
}

// UpdateColumn godoc
// @Summary      Update column
// @Description  Renames, resizes or replaces the options of a column
// @Tags         columns
// @Accept       json
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        columnId path string true "Column ID"
// @Param        request body UpdateColumnRequest true "Column changes"
// @Success      202 {object} response.SuccessResponse{data=[]MutationResponse} "Changes applied"
// @Failure      400 {object} response.ErrorBody "Invalid request"
// @Failure      403 {object} response.ErrorBody "Permission denied"
// @Failure      404 {object} response.ErrorBody "Column not found"
// @Router       /projects/{projectId}/columns/{columnId} [patch]
func (h *BoardHandler) UpdateColumn(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req UpdateColumnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid request body")
		return
	}
	if req.Name == nil && req.Width == nil && req.Options == nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Nothing to update")
		return
	}

	columnID := c.Param("columnId")
	var applied []MutationResponse
	if req.Name != nil {
		m, err := s.RenameColumn(columnID, *req.Name)
		if err != nil {
			handleServiceError(c, h.logger, err)
			return
		}
		applied = append(applied, toMutationResponse(m))
	}
	if req.Width != nil {
		m, err := s.ResizeColumn(columnID, *req.Width)
		if err != nil {
			handleServiceError(c, h.logger, err)
			return
		}
		applied = append(applied, toMutationResponse(m))
	}
	if req.Options != nil {
		m, err := s.SetColumnOptions(columnID, req.Options)
		if err != nil {
			handleServiceError(c, h.logger, err)
			return
		}
		applied = append(applied, toMutationResponse(m))
	}

	response.SendSuccess(c, http.StatusAccepted, applied)
}

// DeleteColumn godoc
// @Summary      Delete column
// @Description  Removes a column and its values from every item
// @Tags         columns
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        columnId path string true "Column ID"
// @Success      202 {object} response.SuccessResponse{data=MutationResponse} "Column removed"
// @Failure      403 {object} response.ErrorBody "Permission denied"
// @Failure      404 {object} response.ErrorBody "Column not found"
// @Router       /projects/{projectId}/columns/{columnId} [delete]
func (h *BoardHandler) DeleteColumn(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	columnID := c.Param("columnId")
	h.sendMutation(c, func() (board.Mutation, error) { return s.DeleteColumn(columnID) })
}

// CreateItem godoc
// @Summary      Create item
// @Description  Adds an item optimistically
// @Tags         items
// @Accept       json
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        request body CreateItemRequest false "Initial field values"
// @Success      202 {object} response.SuccessResponse{data=MutationResponse} "Item added"
// @Failure      400 {object} response.ErrorBody "Invalid request"
// @Failure      403 {object} response.ErrorBody "Permission denied"
// @Failure      404 {object} response.ErrorBody "Project is not mounted"
// @Router       /projects/{projectId}/items [post]
func (h *BoardHandler) CreateItem(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req CreateItemRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid request body")
			return
		}
	}

	h.sendMutation(c, func() (board.Mutation, error) { return s.AddItem(req.Fields) })
}

// UpdateItemField godoc
// @Summary      Update item field
// @Description  Edits one cell optimistically
// @Tags         items
// @Accept       json
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        itemId path string true "Item ID"
// @Param        columnId path string true "Column ID"
// @Param        request body UpdateFieldRequest true "Field value"
// @Success      202 {object} response.SuccessResponse{data=MutationResponse} "Field updated"
// @Failure      400 {object} response.ErrorBody "Invalid request"
// @Failure      403 {object} response.ErrorBody "Permission denied"
// @Failure      404 {object} response.ErrorBody "Item or column not found"
// @Router       /projects/{projectId}/items/{itemId}/fields/{columnId} [patch]
func (h *BoardHandler) UpdateItemField(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req UpdateFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid request body")
		return
	}

	itemID, columnID := c.Param("itemId"), c.Param("columnId")
	h.sendMutation(c, func() (board.Mutation, error) { return s.UpdateItemField(itemID, columnID, req.Value) })
}

// DeleteItem godoc
// @Summary      Delete item
// @Description  Removes an item optimistically
// @Tags         items
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        itemId path string true "Item ID"
// @Success      202 {object} response.SuccessResponse{data=MutationResponse} "Item removed"
// @Failure      403 {object} response.ErrorBody "Permission denied"
// @Failure      404 {object} response.ErrorBody "Item not found"
// @Router       /projects/{projectId}/items/{itemId} [delete]
func (h *BoardHandler) DeleteItem(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	itemID := c.Param("itemId")
	h.sendMutation(c, func() (board.Mutation, error) { return s.DeleteItem(itemID) })
}

// Refresh godoc
// @Summary      Refresh board
// @Description  Replaces the board with the stored one
// @Tags         boards
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Success      200 {object} response.SuccessResponse{data=domain.Snapshot} "Stored board"
// @Failure      404 {object} response.ErrorBody "Project is not mounted"
// @Failure      400 {object} response.ErrorBody "Local changes are pending"
// @Router       /projects/{projectId}/refresh [post]
func (h *BoardHandler) Refresh(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Refresh(c.Request.Context()); err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	response.SendSuccess(c, http.StatusOK, s.Board())
}

// Flush godoc
// @Summary      Flush autosave
// @Description  Saves an armed autosave now and waits for pending actions
// @Tags         boards
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        wait query bool false "Wait for pending actions" default(true)
// @Success      200 {object} response.SuccessResponse{data=session.Status} "Sync status"
// @Failure      404 {object} response.ErrorBody "Project is not mounted"
// @Failure      504 {object} response.ErrorBody "Pending changes did not resolve in time"
// @Router       /projects/{projectId}/flush [post]
func (h *BoardHandler) Flush(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.flushTimeout)
	defer cancel()

	if err := s.Flush(ctx); err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	if c.DefaultQuery("wait", "true") != "false" {
		if err := s.WaitIdle(ctx); err != nil {
			response.SendError(c, http.StatusGatewayTimeout, response.ErrCodeCommit, "Pending changes did not resolve in time")
			return
		}
	}
	response.SendSuccess(c, http.StatusOK, s.Status())
}

func (h *BoardHandler) session(c *gin.Context) (*session.Session, bool) {
	projectID := c.Param("projectId")
	s, ok := h.sessions.Session(projectID)
	if !ok {
		response.SendError(c, http.StatusNotFound, response.ErrCodeNotFound, "Project is not mounted")
		return nil, false
	}
	return s, true
}

func (h *BoardHandler) sendMutation(c *gin.Context, apply func() (board.Mutation, error)) {
	m, err := apply()
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	response.SendSuccess(c, http.StatusAccepted, toMutationResponse(m))
}
