package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	hapisync "github.com/hapi-sh/hapi/internal/sync"
)

func (s *Server) handleListMachines(c *gin.Context) {
	machines, err := s.deps.Store.ListMachines(c.Request.Context(), s.namespace(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list machines"})
		return
	}
	// Decorate with live connection state.
	type machineView struct {
		ID        string `json:"id"`
		Connected bool   `json:"connected"`
	}
	connected := make([]machineView, 0, len(machines))
	for _, m := range machines {
		connected = append(connected, machineView{ID: m.ID, Connected: s.deps.Gateway.IsConnected(m.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"machines": machines, "connectivity": connected})
}

type spawnRequest struct {
	Directory     string `json:"directory" binding:"required"`
	Agent         string `json:"agent,omitempty"`
	WorktreeName  string `json:"worktreeName,omitempty"`
	Yolo          bool   `json:"yolo,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
}

// handleSpawn asks a machine's runner to start a new session.
func (s *Server) handleSpawn(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "directory is required"})
		return
	}

	machineID := c.Param("id")
	if !s.deps.Gateway.IsConnected(machineID) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "machine not connected"})
		return
	}

	result, err := s.deps.Engine.SpawnSession(c.Request.Context(), s.namespace(c), hapisync.SpawnOptions{
		MachineID:     machineID,
		Directory:     req.Directory,
		Agent:         req.Agent,
		WorktreeName:  req.WorktreeName,
		Yolo:          req.Yolo,
		InitialPrompt: req.InitialPrompt,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type pathExistsRequest struct {
	Path string `json:"path" binding:"required"`
}

// handlePathExists asks a runner whether a directory exists on its host.
func (s *Server) handlePathExists(c *gin.Context) {
	var req pathExistsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	machineID := c.Param("id")
	method := machineID + ":pathExists"
	if !s.deps.Registry.Has(method) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "machine not connected"})
		return
	}

	params, _ := json.Marshal(req)
	result, err := s.deps.Registry.Call(c.Request.Context(), method, params, 0)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}
