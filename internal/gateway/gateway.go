package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/events"
	"github.com/hapi-sh/hapi/internal/push"
	"github.com/hapi-sh/hapi/internal/store"
	hapisync "github.com/hapi-sh/hapi/internal/sync"
)

// Gateway owns every connected runner socket and bridges their RPC surface
// into the sync registry.
type Gateway struct {
	store     *store.Store
	cache     *hapisync.Cache
	registry  *hapisync.Registry
	publisher *events.Publisher
	broker    *hapisync.PermissionBroker
	notifier  *push.Notifier // nil disables permission notifications
	logger    *logger.Logger

	mu      sync.RWMutex
	sockets map[string]*Socket // machineID -> socket
}

// New wires the runner socket fabric.
func New(st *store.Store, cache *hapisync.Cache, registry *hapisync.Registry, pub *events.Publisher, broker *hapisync.PermissionBroker, notifier *push.Notifier, log *logger.Logger) *Gateway {
	return &Gateway{
		store:     st,
		cache:     cache,
		registry:  registry,
		publisher: pub,
		broker:    broker,
		notifier:  notifier,
		logger:    log.WithFields(zap.String("component", "gateway")),
		sockets:   make(map[string]*Socket),
	}
}

// Attach takes ownership of a runner's WebSocket connection. A machine
// reconnecting displaces its previous socket.
func (g *Gateway) Attach(ctx context.Context, machineID, namespace string, c conn) (*Socket, error) {
	machine, err := g.store.GetOrCreateMachine(ctx, store.CreateMachineParams{
		ID:        machineID,
		Namespace: namespace,
	})
	if err != nil {
		return nil, err
	}

	socket := newSocket(machine.ID, namespace, c, g, g.logger)

	g.mu.Lock()
	previous := g.sockets[machine.ID]
	g.sockets[machine.ID] = socket
	g.mu.Unlock()
	if previous != nil {
		previous.conn.Close()
	}

	now := time.Now().UnixMilli()
	if err := g.store.MarkMachineAlive(ctx, machine.ID, namespace, now); err != nil {
		g.logger.WithMachineID(machine.ID).Warn("failed to mark machine alive", zap.Error(err))
	}
	g.publisher.ConnectionChanged(ctx, namespace, machine.ID, true)

	go socket.writePump()
	go socket.readPump(ctx)

	g.logger.WithMachineID(machine.ID).Info("runner connected")
	return socket, nil
}

// detach tears a socket down: its registry methods are dropped and its
// machine goes inactive.
func (g *Gateway) detach(ctx context.Context, s *Socket) {
	g.mu.Lock()
	if g.sockets[s.MachineID] == s {
		delete(g.sockets, s.MachineID)
	}
	owned := make(map[string]bool, len(s.methods))
	for m := range s.methods {
		owned[m] = true
	}
	g.mu.Unlock()

	g.registry.UnregisterAll(func(method string) bool { return owned[method] })
	s.close()

	now := time.Now().UnixMilli()
	if err := g.store.MarkMachineInactive(ctx, s.MachineID, s.Namespace, now); err != nil {
		g.logger.WithMachineID(s.MachineID).Warn("failed to mark machine inactive", zap.Error(err))
	}
	g.publisher.ConnectionChanged(ctx, s.Namespace, s.MachineID, false)
	g.logger.WithMachineID(s.MachineID).Info("runner disconnected")
}

// registerMethod advertises one runner-served method into the sync
// registry, forwarding calls back over this socket.
func (g *Gateway) registerMethod(s *Socket, method string) {
	if method == "" {
		return
	}
	g.mu.Lock()
	s.methods[method] = true
	g.mu.Unlock()

	g.registry.Register(method, func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return s.Call(ctx, method, params)
	})
	g.logger.WithMachineID(s.MachineID).Debug("runner method registered", zap.String("method", method))
}

func (g *Gateway) unregisterMethod(s *Socket, method string) {
	g.mu.Lock()
	delete(s.methods, method)
	g.mu.Unlock()
	g.registry.Unregister(method)
}

// IsConnected reports whether a machine has a live socket.
func (g *Gateway) IsConnected(machineID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.sockets[machineID]
	return ok
}

// handleRunnerRequest serves the hub-side RPC surface runners call.
func (g *Gateway) handleRunnerRequest(ctx context.Context, s *Socket, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "session-alive":
		var req struct {
			SessionID string `json:"sessionId"`
			Time      int64  `json:"time"`
			Thinking  *bool  `json:"thinking,omitempty"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if req.Time == 0 {
			req.Time = time.Now().UnixMilli()
		}
		g.cache.HandleSessionAlive(ctx, req.SessionID, s.Namespace, req.Time, req.Thinking)
		return json.RawMessage(`{}`), nil

	case "session-end":
		var req struct {
			SessionID string `json:"sessionId"`
			Time      int64  `json:"time"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if req.Time == 0 {
			req.Time = time.Now().UnixMilli()
		}
		g.cache.HandleSessionEnd(ctx, req.SessionID, s.Namespace, req.Time)
		return json.RawMessage(`{}`), nil

	case "machine-alive":
		if err := g.store.MarkMachineAlive(ctx, s.MachineID, s.Namespace, time.Now().UnixMilli()); err != nil {
			return nil, err
		}
		return json.RawMessage(`{}`), nil

	case "get-or-create-session":
		var req struct {
			ID         string          `json:"id,omitempty"`
			Tag        string          `json:"tag,omitempty"`
			Metadata   json.RawMessage `json:"metadata,omitempty"`
			AgentState json.RawMessage `json:"agentState,omitempty"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		machineID := s.MachineID
		session, err := g.store.GetOrCreateSession(ctx, store.CreateSessionParams{
			ID:         req.ID,
			Tag:        req.Tag,
			Namespace:  s.Namespace,
			MachineID:  &machineID,
			Metadata:   req.Metadata,
			AgentState: req.AgentState,
		})
		if err != nil {
			return nil, err
		}
		data, _ := json.Marshal(session)
		g.publisher.SessionAdded(ctx, s.Namespace, session.ID, data)
		return data, nil

	case "add-message":
		var req struct {
			SessionID string          `json:"sessionId"`
			Content   json.RawMessage `json:"content"`
			LocalID   *string         `json:"localId,omitempty"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		message, err := g.store.AddMessage(ctx, req.SessionID, req.Content, req.LocalID)
		if err != nil {
			return nil, err
		}
		data, _ := json.Marshal(message)
		g.publisher.MessageReceived(ctx, s.Namespace, req.SessionID, data)
		return data, nil

	case "update-agent-state":
		var req struct {
			SessionID       string          `json:"sessionId"`
			Value           json.RawMessage `json:"value"`
			ExpectedVersion int64           `json:"expectedVersion"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		update, err := g.store.UpdateSessionAgentState(ctx, req.SessionID, s.Namespace, req.Value, req.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		if update.Result == store.UpdateSuccess {
			data, _ := json.Marshal(map[string]interface{}{
				"agentState":        json.RawMessage(update.Value),
				"agentStateVersion": update.Version,
			})
			g.publisher.SessionUpdated(ctx, s.Namespace, req.SessionID, data)
		}
		data, _ := json.Marshal(update)
		return data, nil

	case "set-todos":
		var req struct {
			SessionID      string          `json:"sessionId"`
			Todos          json.RawMessage `json:"todos"`
			TodosUpdatedAt int64           `json:"todosUpdatedAt"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		applied, err := g.store.SetSessionTodos(ctx, req.SessionID, s.Namespace, req.Todos, req.TodosUpdatedAt)
		if err != nil {
			return nil, err
		}
		if applied {
			data, _ := json.Marshal(map[string]interface{}{"todos": req.Todos})
			g.publisher.SessionUpdated(ctx, s.Namespace, req.SessionID, data)
		}
		resp, _ := json.Marshal(map[string]bool{"applied": applied})
		return resp, nil

	case "permission-request":
		var req struct {
			SessionID string        `json:"sessionId"`
			RequestID string        `json:"requestId"`
			Title     string        `json:"title"`
			Options   []interface{} `json:"options"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		request := hapisync.PermissionRequest{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Title:     req.Title,
			Options:   req.Options,
		}

		announce, _ := json.Marshal(map[string]interface{}{"permissionRequest": request})
		g.publisher.SessionUpdated(ctx, s.Namespace, req.SessionID, announce)
		if g.notifier != nil {
			go func() {
				if err := g.notifier.NotifyPermissionRequest(context.Background(), s.Namespace, req.SessionID, req.Title); err != nil {
					g.logger.WithSessionID(req.SessionID).Warn("permission notification failed", zap.Error(err))
				}
			}()
		}

		// Blocks until a client resolves it or the socket goes away.
		outcome, err := g.broker.Request(ctx, request)
		if err != nil {
			return nil, err
		}
		data, _ := json.Marshal(outcome)
		return data, nil

	default:
		return nil, fmt.Errorf("unknown hub method %s", method)
	}
}

// handleRunnerEvent forwards one-way runner notifications.
func (g *Gateway) handleRunnerEvent(ctx context.Context, s *Socket, method string, params json.RawMessage) {
	switch {
	case method == "runner-state-changed":
		g.publisher.MachineUpdated(ctx, s.Namespace, s.MachineID, params)
	case strings.HasPrefix(method, "agent-event"):
		var payload struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(params, &payload)
		g.publisher.SessionUpdated(ctx, s.Namespace, payload.SessionID, params)
	default:
		g.logger.Debug("unhandled runner event", zap.String("method", method))
	}
}
