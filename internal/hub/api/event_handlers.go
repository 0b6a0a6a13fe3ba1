package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hapi-sh/hapi/internal/events"
)

// handleEvents is the SSE stream. Auth rides in the token query parameter
// because EventSource cannot set headers.
func (s *Server) handleEvents(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c)
	}

	var namespace string
	if claims, err := s.deps.Verifier.VerifyJWT(token); err == nil {
		namespace = claims.NS
	} else if ns, err := s.deps.Verifier.VerifyAccessToken(token); err == nil {
		namespace = ns
	} else {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event *events.SyncEvent) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	subID := s.deps.Router.Subscribe(events.SubscribeOptions{
		Namespace: namespace,
		All:       c.Query("all") == "true",
		SessionID: c.Query("sessionId"),
		MachineID: c.Query("machineId"),
		Visible:   c.DefaultQuery("visibility", "visible") == "visible",
		Send:      send,
		SendHeartbeat: func() error {
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	})
	defer s.deps.Router.Unsubscribe(subID)

	// Tell the client its subscription id so it can flip visibility.
	if err := send(func() *events.SyncEvent {
		data, _ := json.Marshal(map[string]string{"subscriptionId": subID})
		return events.NewSyncEvent(events.HeartbeatEvent, namespace, data)
	}()); err != nil {
		return
	}

	<-c.Request.Context().Done()
}

type visibilityRequest struct {
	SubscriptionID string `json:"subscriptionId" binding:"required"`
	Visibility     string `json:"visibility" binding:"required"`
}

// handleVisibility flips an SSE subscription between visible and hidden.
func (s *Server) handleVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Visibility != "visible" && req.Visibility != "hidden" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visibility must be visible or hidden"})
		return
	}

	if !s.deps.Router.SetVisibility(req.SubscriptionID, req.Visibility == "visible") {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
