// Package api provides the hub's HTTP surface: REST routes for sessions,
// machines and push, the SSE event stream, QR login, and the runner
// WebSocket upgrade.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/auth"
	"github.com/hapi-sh/hapi/internal/common/httpmw"
	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/events"
	"github.com/hapi-sh/hapi/internal/flavor"
	"github.com/hapi-sh/hapi/internal/gateway"
	"github.com/hapi-sh/hapi/internal/push"
	"github.com/hapi-sh/hapi/internal/store"
	hapisync "github.com/hapi-sh/hapi/internal/sync"
)

// Deps bundles the subsystems the HTTP surface fronts.
type Deps struct {
	Store     *store.Store
	Engine    *hapisync.Engine
	Cache     *hapisync.Cache
	Registry  *hapisync.Registry
	Router    *events.Router
	Publisher *events.Publisher
	Gateway   *gateway.Gateway
	Broker    *hapisync.PermissionBroker
	Verifier  *auth.Verifier
	QR        *auth.QRBroker
	Flavors   *flavor.Catalog
	VAPID     *push.VAPIDKeys
	BaseToken string
}

// Server is the hub's HTTP API server.
type Server struct {
	deps   Deps
	logger *logger.Logger
	router *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer creates the hub API server.
func NewServer(deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "hub-api")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // runners connect from anywhere; auth happens on upgrade
			},
		},
	}

	s.router.Use(httpmw.RequestLogger(s.logger, "hub"))
	s.router.Use(httpmw.OtelTracing("hub"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) publisher() *events.Publisher {
	return s.deps.Publisher
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Unauthenticated: token exchange and QR login.
	s.router.POST("/api/auth", s.handleAuth)
	s.router.POST("/api/bind", s.handleBind)
	s.router.POST("/qr", s.handleQRCreate)
	s.router.GET("/qr/:id", s.handleQRPoll)

	// SSE authenticates via its token query parameter.
	s.router.GET("/api/events", s.handleEvents)

	// Runner socket: access token in the Authorization header.
	s.router.GET("/api/runner", s.handleRunnerSocket)

	api := s.router.Group("/api", s.authMiddleware())
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.PATCH("/sessions/:id", s.handlePatchSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)
		api.GET("/sessions/:id/messages", s.handleGetMessages)
		api.POST("/sessions/:id/messages", s.handlePostMessage)
		api.POST("/sessions/:id/restart", s.handleRestartSession)
		api.GET("/sessions/:id/permissions", s.handleListPermissions)
		api.POST("/sessions/:id/permissions/:requestId", s.handleResolvePermission)

		// Forwarded to the owning runner over its socket.
		for _, op := range []string{"resume", "abort", "archive", "switch", "permission-mode", "model"} {
			op := op
			api.POST("/sessions/:id/"+op, func(c *gin.Context) { s.forwardSessionRPC(c, op) })
		}
		for _, op := range []string{"slash-commands", "skills", "git-status", "git-diff-numstat", "git-diff-file", "file", "files"} {
			op := op
			api.GET("/sessions/:id/"+op, func(c *gin.Context) { s.forwardSessionRPC(c, op) })
		}

		api.GET("/machines", s.handleListMachines)
		api.POST("/machines/:id/spawn", s.handleSpawn)
		api.POST("/machines/:id/paths/exists", s.handlePathExists)

		api.GET("/push/vapid-public-key", s.handleVAPIDPublicKey)
		api.POST("/push/subscribe", s.handlePushSubscribe)
		api.DELETE("/push/subscribe", s.handlePushUnsubscribe)

		api.POST("/visibility", s.handleVisibility)
		api.POST("/qr/:id/confirm", s.handleQRConfirm)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("hub api listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
