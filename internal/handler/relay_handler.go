package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"project-board-sync/internal/domain"
	"project-board-sync/internal/hub"
	"project-board-sync/internal/middleware"
	"project-board-sync/internal/response"
	"project-board-sync/internal/transport"
)

const (
	defaultPollWait        = 25 * time.Second
	maxPollWait            = 55 * time.Second
	pushTimeout            = 5 * time.Second
	defaultMaxMessageBytes = 64 * 1024
)

// RelayOptions tune the peer endpoints
type RelayOptions struct {
	// AllowedOrigins for websocket upgrades. Empty accepts every origin.
	AllowedOrigins  []string
	PollWait        time.Duration
	MaxMessageBytes int64
}

// RelayHandler attaches websocket and long-poll peers to the hub
type RelayHandler struct {
	ctx             context.Context
	hub             *hub.Hub
	polls           *hub.PollRegistry
	upgrader        websocket.Upgrader
	pollWait        time.Duration
	maxMessageBytes int64
	logger          *zap.Logger
}

// NewRelayHandler creates a relay handler. Peers are served until ctx is done.
func NewRelayHandler(ctx context.Context, h *hub.Hub, polls *hub.PollRegistry, opts RelayOptions, logger *zap.Logger) *RelayHandler {
	if opts.PollWait <= 0 {
		opts.PollWait = defaultPollWait
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	allowed := opts.AllowedOrigins
	return &RelayHandler{
		ctx:   ctx,
		hub:   h,
		polls: polls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if len(allowed) == 0 || origin == "" {
					return true
				}
				return middleware.OriginAllowed(allowed, origin)
			},
		},
		pollWait:        min(opts.PollWait, maxPollWait),
		maxMessageBytes: opts.MaxMessageBytes,
		logger:          logger,
	}
}

// WebSocket godoc
// @Summary      Open WebSocket
// @Description  Upgrades the request and relays room frames until the peer disconnects
// @Tags         relay
// @Success      101 "Switching protocols"
// @Router       /ws [get]
func (h *RelayHandler) WebSocket(c *gin.Context) {
	identity := peerIdentity(c)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := transport.NewWebSocketConn(ws, h.logger)
	defer conn.Close()
	if err := h.hub.Serve(h.ctx, conn, identity, transport.ModeWebSocket); err != nil {
		h.logger.Warn("WebSocket peer failed", zap.String("user_id", identity.ID), zap.Error(err))
	}
}

// OpenPollSession godoc
// @Summary      Open polling session
// @Description  Starts a long-poll peer
// @Tags         relay
// @Produce      json
// @Success      201 {object} PollSessionResponse "Session opened"
// @Router       /poll/sessions [post]
func (h *RelayHandler) OpenPollSession(c *gin.Context) {
	identity := peerIdentity(c)
	s := h.polls.Open()

	go func() {
		if err := h.hub.Serve(h.ctx, s, identity, transport.ModePolling); err != nil {
			h.logger.Warn("Polling peer failed", zap.String("session_id", s.ID()), zap.Error(err))
		}
		// the session outlives Serve only when the hub refused it
		h.polls.Remove(s.ID())
	}()

	c.JSON(http.StatusCreated, PollSessionResponse{SessionID: s.ID()})
}

// PostPollMessage godoc
// @Summary      Send polling frame
// @Description  Hands one client frame to the relay
// @Tags         relay
// @Accept       json
// @Param        sessionId path string true "Session ID"
// @Param        request body transport.Message true "Frame"
// @Success      202 "Accepted"
// @Failure      400 {object} response.ErrorBody "Invalid frame"
// @Failure      410 {object} response.ErrorBody "Polling session closed"
// @Failure      503 {object} response.ErrorBody "Relay is busy"
// @Router       /poll/sessions/{sessionId}/messages [post]
func (h *RelayHandler) PostPollMessage(c *gin.Context) {
	s, ok := h.pollSession(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxMessageBytes)
	var msg transport.Message
	if err := c.ShouldBindJSON(&msg); err != nil || msg.Event == "" {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid frame")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), pushTimeout)
	defer cancel()
	if err := s.Push(ctx, msg); err != nil {
		if errors.Is(err, hub.ErrSessionNotFound) {
			response.SendError(c, http.StatusGone, response.ErrCodeNotFound, "Polling session closed")
			return
		}
		response.SendError(c, http.StatusServiceUnavailable, response.ErrCodeConnection, "Relay is busy")
		return
	}
	c.Status(http.StatusAccepted)
}

// PollMessages godoc
// @Summary      Receive polling frames
// @Description  Holds the request until frames are queued or wait elapses
// @Tags         relay
// @Produce      json
// @Param        sessionId path string true "Session ID"
// @Param        wait query string false "Maximum wait, e.g. 25s"
// @Success      200 {array} transport.Message "Frames"
// @Success      204 "Nothing arrived"
// @Failure      400 {object} response.ErrorBody "Invalid wait duration"
// @Failure      410 {object} response.ErrorBody "Polling session closed"
// @Router       /poll/sessions/{sessionId}/messages [get]
func (h *RelayHandler) PollMessages(c *gin.Context) {
	s, ok := h.pollSession(c)
	if !ok {
		return
	}

	wait := h.pollWait
	if raw := c.Query("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid wait duration")
			return
		}
		wait = min(parsed, maxPollWait)
	}

	msgs, err := s.Drain(c.Request.Context(), wait)
	switch {
	case errors.Is(err, hub.ErrSessionNotFound):
		response.SendError(c, http.StatusGone, response.ErrCodeNotFound, "Polling session closed")
	case err != nil:
		// client went away
		c.Status(http.StatusNoContent)
	case len(msgs) == 0:
		c.Status(http.StatusNoContent)
	default:
		c.JSON(http.StatusOK, msgs)
	}
}

// ClosePollSession godoc
// @Summary      Close polling session
// @Tags         relay
// @Param        sessionId path string true "Session ID"
// @Success      204 "Closed"
// @Failure      410 {object} response.ErrorBody "Polling session closed"
// @Router       /poll/sessions/{sessionId} [delete]
func (h *RelayHandler) ClosePollSession(c *gin.Context) {
	if err := h.polls.Remove(c.Param("sessionId")); err != nil {
		response.SendError(c, http.StatusGone, response.ErrCodeNotFound, "Polling session closed")
		return
	}
	c.Status(http.StatusNoContent)
}

// PublishPermissions godoc
// @Summary      Publish permissions
// @Description  Sends permissions:updated to every connected peer
// @Tags         relay
// @Accept       json
// @Produce      json
// @Param        request body PermissionsRequest true "Permissions"
// @Success      202 {object} response.SuccessResponse{data=map[string]int} "Peers notified"
// @Failure      400 {object} response.ErrorBody "Invalid request"
// @Router       /permissions [post]
func (h *RelayHandler) PublishPermissions(c *gin.Context) {
	var req PermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid request body")
		return
	}

	delivered, err := h.hub.PublishPermissions(domain.PermissionsPayload{CompanyID: req.CompanyID, Role: req.Role})
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	h.logger.Info("Permissions published",
		zap.String("company_id", req.CompanyID),
		zap.String("role", req.Role),
		zap.Int("peers", delivered))
	response.SendSuccess(c, http.StatusAccepted, gin.H{"peers": delivered})
}

// ListPeers godoc
// @Summary      List peers
// @Tags         relay
// @Produce      json
// @Success      200 {object} response.SuccessResponse{data=[]hub.PeerInfo} "Connected peers"
// @Router       /peers [get]
func (h *RelayHandler) ListPeers(c *gin.Context) {
	response.SendSuccess(c, http.StatusOK, h.hub.Peers())
}

func (h *RelayHandler) pollSession(c *gin.Context) (*hub.PollSession, bool) {
	s, err := h.polls.Get(c.Param("sessionId"))
	if err != nil {
		response.SendError(c, http.StatusGone, response.ErrCodeNotFound, "Polling session closed")
		return nil, false
	}
	return s, true
}

func peerIdentity(c *gin.Context) domain.Identity {
	if identity, ok := middleware.IdentityFrom(c); ok {
		return identity
	}
	return domain.Identity{ID: "anonymous"}
}
