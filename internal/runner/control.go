package runner

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/logger"
)

// Control is the runner's local HTTP surface, used by the CLI and by
// terminal launches handing a session over to supervision.
type Control struct {
	manager *Manager
	logger  *logger.Logger
	router  *gin.Engine
	server  *http.Server
	port    int
}

// NewControl wires the control API over a session manager.
func NewControl(manager *Manager, log *logger.Logger) *Control {
	gin.SetMode(gin.ReleaseMode)
	c := &Control{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "control-api")),
		router:  gin.New(),
	}
	c.router.Use(gin.Recovery())

	c.router.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	c.router.GET("/sessions", c.handleList)
	c.router.POST("/sessions", c.handleSpawn)
	c.router.POST("/sessions/:id/stop", c.handleStop)
	return c
}

// Start binds the control listener on a loopback port. addr may be ":0" to
// let the OS pick; Port reports the bound port either way.
func (c *Control) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.port = listener.Addr().(*net.TCPAddr).Port
	c.server = &http.Server{Handler: c.router}
	go func() {
		if err := c.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Error("control server failed", zap.Error(err))
		}
	}()
	c.logger.Info("control api listening", zap.Int("port", c.port))
	return nil
}

// Port returns the bound control port, or 0 before Start.
func (c *Control) Port() int {
	return c.port
}

// Stop shuts the control server down.
func (c *Control) Stop() {
	if c.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.server.Shutdown(ctx)
}

func (c *Control) handleList(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"sessions": c.manager.List()})
}

func (c *Control) handleSpawn(ctx *gin.Context) {
	var req struct {
		Directory    string `json:"directory" binding:"required"`
		Agent        string `json:"agent"`
		WorktreeName string `json:"worktreeName"`
		Yolo         bool   `json:"yolo"`
		StartedBy    string `json:"startedBy"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.StartedBy != "" && req.StartedBy != "runner" && req.StartedBy != "terminal" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "startedBy must be runner or terminal"})
		return
	}

	session, err := c.manager.Spawn(ctx.Request.Context(), SessionConfig{
		Directory:    req.Directory,
		Agent:        req.Agent,
		WorktreeName: req.WorktreeName,
		Yolo:         req.Yolo,
		StartedBy:    req.StartedBy,
	})
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"sessionId": session.ID})
}

func (c *Control) handleStop(ctx *gin.Context) {
	if err := c.manager.Stop(ctx.Param("id")); err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "stopping"})
}
