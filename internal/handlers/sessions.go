// Package handlers exposes the session engine over Gin: one handler struct
// per resource, routes grouped under a RouterGroup via RegisterRoutes, each
// handler reading request state through gin.Context and writing through
// gin.H.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/gradeflow/internal/apperrors"
	"github.com/streamspace/gradeflow/internal/pushchannel"
	"github.com/streamspace/gradeflow/internal/sessionmgr"
)

// SessionHandler exposes session lifecycle operations over REST and
// websocket.
type SessionHandler struct {
	manager *sessionmgr.Manager
}

// NewSessionHandler creates a SessionHandler bound to manager.
func NewSessionHandler(manager *sessionmgr.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// RegisterRoutes mounts the session endpoints on r.
func (h *SessionHandler) RegisterRoutes(r *gin.RouterGroup) {
	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("/:id", h.GetSession)
		sessions.GET("/:id/ws", h.StreamSession)
		sessions.DELETE("/:id", h.CancelSession)
	}
}

type createSessionRequest struct {
	CourseID      string   `json:"course_id" binding:"required"`
	WorkflowID    string   `json:"workflow_id" binding:"required"`
	SubmissionIDs []string `json:"submission_ids" binding:"required"`
}

// CreateSession starts a new WorkflowRun for the given workflow and
// submission set, subject to the owning course's rate limit.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.AbortWithError(c, apperrors.BadRequest(err.Error()))
		return
	}

	runBy := c.GetString("user_id")
	run, err := h.manager.CreateSession(c.Request.Context(), req.CourseID, req.WorkflowID, req.SubmissionIDs, runBy)
	if err != nil {
		if appErr, ok := err.(*apperrors.AppError); ok {
			apperrors.AbortWithError(c, appErr)
			return
		}
		apperrors.AbortWithError(c, apperrors.InternalServer(err.Error()))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":             run.ID,
		"workflow_id":    run.WorkflowID,
		"status":         run.Status,
		"submission_ids": run.SubmissionIDs,
		"stream_url":     "/api/v1/sessions/" + run.ID + "/ws",
	})
}

// GetSession reports whether a session is currently tracked in-process and,
// if so, how many events its replay buffer holds.
func (h *SessionHandler) GetSession(c *gin.Context) {
	id := c.Param("id")
	sess := h.manager.Get(id)
	if sess == nil {
		apperrors.AbortWithError(c, apperrors.SessionNotFound(id))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            sess.ID,
		"buffered_logs": len(sess.Snapshot()),
	})
}

// CancelSession requests that a currently-running session stop promptly. It
// does not wait for the cancellation to take effect; subscribers observe
// the run transition to cancelled and a close envelope asynchronously.
func (h *SessionHandler) CancelSession(c *gin.Context) {
	id := c.Param("id")
	if !h.manager.Cancel(id) {
		apperrors.AbortWithError(c, apperrors.SessionNotFound(id))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
}

// StreamSession upgrades the request to a websocket and attaches a
// pushchannel.Adapter to the session's event bus. The channel is accepted
// even when the session is unknown: the client then receives a single
// close envelope with the reason rather than a failed handshake, so every
// subscriber sees the same wire contract.
func (h *SessionHandler) StreamSession(c *gin.Context) {
	conn, err := pushchannel.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	adapter := pushchannel.NewAdapter(conn)
	sess := h.manager.Get(c.Param("id"))
	if sess == nil {
		adapter.Close("session not found")
		return
	}
	_ = adapter.Attach(c.Request.Context(), sess)
}
