package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hapi-sh/hapi/internal/store"
	hapisync "github.com/hapi-sh/hapi/internal/sync"
)

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.deps.Store.ListSessions(c.Request.Context(), s.namespace(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.deps.Store.GetSession(c.Request.Context(), c.Param("id"), s.namespace(c))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

type patchSessionRequest struct {
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

// handlePatchSession applies a versioned metadata update. A stale version
// is a 409 carrying the winner so the client can refresh and retry.
func (s *Server) handlePatchSession(c *gin.Context) {
	var req patchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Metadata == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	namespace := s.namespace(c)
	update, err := s.deps.Store.UpdateSessionMetadata(c.Request.Context(), c.Param("id"), namespace, req.Metadata, req.ExpectedVersion)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	switch update.Result {
	case store.UpdateSuccess:
		data, _ := json.Marshal(map[string]interface{}{
			"metadata":        json.RawMessage(update.Value),
			"metadataVersion": update.Version,
		})
		s.publisher().SessionUpdated(c.Request.Context(), namespace, c.Param("id"), data)
		c.JSON(http.StatusOK, update)
	case store.UpdateVersionMismatch:
		c.JSON(http.StatusConflict, update)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	}
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	namespace := s.namespace(c)
	err := s.deps.Store.DeleteSession(c.Request.Context(), c.Param("id"), namespace)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	s.publisher().SessionRemoved(c.Request.Context(), namespace, c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleGetMessages(c *gin.Context) {
	// Ownership check before touching the message log.
	if _, err := s.deps.Store.GetSession(c.Request.Context(), c.Param("id"), s.namespace(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeSeq *int64
	if raw := c.Query("beforeSeq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid beforeSeq"})
			return
		}
		beforeSeq = &v
	}

	messages, err := s.deps.Store.GetMessages(c.Request.Context(), c.Param("id"), limit, beforeSeq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type postMessageRequest struct {
	Text        string          `json:"text"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	LocalID     *string         `json:"localId,omitempty"`
}

// handlePostMessage records a user message and forwards it to the owning
// runner when one is connected.
func (s *Server) handlePostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	namespace := s.namespace(c)
	sessionID := c.Param("id")
	if _, err := s.deps.Store.GetSession(c.Request.Context(), sessionID, namespace); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	content, _ := json.Marshal(map[string]interface{}{
		"role": "user",
		"content": map[string]interface{}{
			"type": "text",
			"text": req.Text,
		},
		"attachments": req.Attachments,
	})
	message, err := s.deps.Store.AddMessage(c.Request.Context(), sessionID, content, req.LocalID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	data, _ := json.Marshal(message)
	s.publisher().MessageReceived(c.Request.Context(), namespace, sessionID, data)

	// Best effort: a disconnected runner picks the message up on resume.
	if s.deps.Registry.Has(sessionID + ":sendUserMessage") {
		if _, err := s.deps.Registry.Call(c.Request.Context(), sessionID+":sendUserMessage", content, 0); err != nil {
			s.logger.WithSessionID(sessionID).Warn("failed to forward message to runner")
		}
	}
	c.JSON(http.StatusOK, message)
}

// handleRestartSession kills and resumes one session.
func (s *Server) handleRestartSession(c *gin.Context) {
	outcomes, err := s.deps.Engine.RestartSessions(c.Request.Context(), s.namespace(c), hapisync.RestartFilter{
		SessionIDs: []string{c.Param("id")},
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restart failed"})
		return
	}
	if len(outcomes) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, outcomes[0])
}

// handleListPermissions returns the permission requests still parked for
// one session, for clients that reconnect mid-request.
func (s *Server) handleListPermissions(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.deps.Store.GetSession(c.Request.Context(), sessionID, s.namespace(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	pending := s.deps.Broker.Pending(sessionID)
	if pending == nil {
		pending = []hapisync.PermissionRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": pending})
}

// handleResolvePermission answers one parked permission request.
func (s *Server) handleResolvePermission(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.deps.Store.GetSession(c.Request.Context(), sessionID, s.namespace(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	var outcome hapisync.PermissionOutcome
	if err := c.ShouldBindJSON(&outcome); err != nil || outcome.Outcome == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome is required"})
		return
	}
	if err := s.deps.Broker.Resolve(c.Param("requestId"), outcome); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// forwardSessionRPC relays an in-session operation to the runner owning the
// session. No registered handler means the runner is offline.
func (s *Server) forwardSessionRPC(c *gin.Context, op string) {
	namespace := s.namespace(c)
	sessionID := c.Param("id")
	if _, err := s.deps.Store.GetSession(c.Request.Context(), sessionID, namespace); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	method := sessionID + ":" + op
	if !s.deps.Registry.Has(method) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner not connected"})
		return
	}

	params := rpcParams(c)
	result, err := s.deps.Registry.Call(c.Request.Context(), method, params, 0)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

// rpcParams turns the request into RPC params: the JSON body for writes,
// the query string for reads.
func rpcParams(c *gin.Context) json.RawMessage {
	if c.Request.Method == http.MethodPost {
		var body json.RawMessage
		if err := c.ShouldBindJSON(&body); err == nil {
			return body
		}
		return json.RawMessage(`{}`)
	}
	query := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	params, _ := json.Marshal(query)
	return params
}
