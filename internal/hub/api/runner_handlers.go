package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleRunnerSocket upgrades a runner connection. The access token rides
// in the Authorization header; its namespace suffix scopes the machine.
func (s *Server) handleRunnerSocket(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	namespace, err := s.deps.Verifier.VerifyAccessToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	machineID := c.Query("machineId")
	if machineID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "machineId is required"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The socket outlives this handler; the request context dies with it.
	if _, err := s.deps.Gateway.Attach(context.Background(), machineID, namespace, ws); err != nil {
		s.logger.WithMachineID(machineID).Warn("runner attach rejected", zap.Error(err))
		ws.Close()
		return
	}
}
