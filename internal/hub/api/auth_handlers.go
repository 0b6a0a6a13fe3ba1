package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hapi-sh/hapi/internal/auth"
)

type authRequest struct {
	AccessToken string `json:"accessToken" binding:"required"`
	UserID      string `json:"userId,omitempty"`
}

// handleAuth exchanges an access token for a session JWT.
func (s *Server) handleAuth(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	namespace, err := s.deps.Verifier.VerifyAccessToken(req.AccessToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	uid := req.UserID
	if uid == "" {
		uid = uuid.New().String()
	}
	user, err := s.deps.Store.GetOrCreateUser(c.Request.Context(), uid, namespace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve user"})
		return
	}

	token, err := s.deps.Verifier.IssueJWT(user.ID, namespace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "uid": user.ID, "namespace": namespace})
}

type bindRequest struct {
	InitData    string `json:"initData" binding:"required"`
	AccessToken string `json:"accessToken" binding:"required"`
}

// handleBind pairs an external client identity with an access token.
func (s *Server) handleBind(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	namespace, err := s.deps.Verifier.VerifyAccessToken(req.AccessToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	user, err := s.deps.Store.GetOrCreateUser(c.Request.Context(), req.InitData, namespace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to bind user"})
		return
	}

	token, err := s.deps.Verifier.IssueJWT(user.ID, namespace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "namespace": namespace})
}

// handleQRCreate opens a pending QR login session.
func (s *Server) handleQRCreate(c *gin.Context) {
	id, secret, err := s.deps.QR.Create()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create qr session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "secret": secret})
}

// handleQRPoll reports a QR session's state; a confirmed session yields the
// access token exactly once.
func (s *Server) handleQRPoll(c *gin.Context) {
	status, accessToken := s.deps.QR.Poll(c.Param("id"), c.Query("s"))
	switch status {
	case auth.QRConfirmed:
		c.JSON(http.StatusOK, gin.H{"status": status, "accessToken": accessToken})
	case auth.QRExpired:
		c.JSON(http.StatusGone, gin.H{"status": status})
	default:
		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}

// handleQRConfirm binds the authed caller's namespace to a pending QR
// session.
func (s *Server) handleQRConfirm(c *gin.Context) {
	namespace := s.namespace(c)
	accessToken := auth.JoinToken(s.deps.BaseToken, namespace)
	if err := s.deps.QR.Confirm(c.Param("id"), c.Query("s"), accessToken); err != nil {
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
