package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/agent/convert"
	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/flavor"
	"github.com/hapi-sh/hapi/internal/rpc"
)

// keepAliveInterval paces session-alive pings to the hub while a child runs.
const keepAliveInterval = 5 * time.Second

// abortCallTimeout bounds the turn/interrupt round-trip to the agent.
const abortCallTimeout = 10 * time.Second

// SessionConfig describes one agent session to supervise.
type SessionConfig struct {
	Directory    string
	Agent        string
	WorktreeName string
	Yolo         bool
	ResumeToken  string
	// StartedBy is "runner" for hub-initiated spawns and "terminal" for
	// local launches that later hand supervision over.
	StartedBy string
}

// Session is one supervised agent child.
type Session struct {
	ID        string
	Tag       string
	Directory string
	Agent     string
	StartedBy string
	StartedAt time.Time

	flavor    flavor.Flavor
	process   *rpc.Process
	transport *rpc.Transport
	cancel    context.CancelFunc

	mu       sync.Mutex
	thinking bool
	// threadID is the agent's thread identifier, needed to interrupt a turn.
	threadID string
	// agentStateVersion tracks the CAS version for update-agent-state.
	agentStateVersion int64
	lastError         string
}

// SessionInfo is the control-surface view of a session.
type SessionInfo struct {
	ID        string `json:"id"`
	Tag       string `json:"tag"`
	Directory string `json:"directory"`
	Agent     string `json:"agent"`
	StartedBy string `json:"startedBy"`
	StartedAt int64  `json:"startedAt"`
	Thinking  bool   `json:"thinking"`
	PID       int    `json:"pid"`
	LastError string `json:"lastError,omitempty"`
}

// Manager supervises this machine's agent sessions and keeps the hub
// informed about them.
type Manager struct {
	hub     *HubClient
	flavors *flavor.Catalog
	logger  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires a session manager over the given hub client.
func NewManager(hub *HubClient, flavors *flavor.Catalog, log *logger.Logger) *Manager {
	return &Manager{
		hub:      hub,
		flavors:  flavors,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*Session),
	}
}

// Spawn registers a session with the hub, starts the agent child and begins
// supervision. The returned session is already tracked.
func (m *Manager) Spawn(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if info, err := os.Stat(cfg.Directory); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("directory does not exist: %s", cfg.Directory)
	}
	if cfg.StartedBy == "" {
		cfg.StartedBy = "runner"
	}

	fl := m.flavors.Default()
	if cfg.Agent != "" {
		var ok bool
		if fl, ok = m.flavors.Get(cfg.Agent); !ok {
			return nil, fmt.Errorf("unknown agent flavor %q", cfg.Agent)
		}
	}

	tag := fmt.Sprintf("%s:%d", cfg.Directory, time.Now().UnixNano())
	metadata, _ := json.Marshal(map[string]interface{}{
		"path":         cfg.Directory,
		"agent":        fl.Name,
		"startedBy":    cfg.StartedBy,
		"worktreeName": cfg.WorktreeName,
	})
	result, err := m.hub.Call(ctx, "get-or-create-session", map[string]interface{}{
		"tag":      tag,
		"metadata": json.RawMessage(metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register session with hub: %w", err)
	}
	var registered struct {
		ID                string `json:"id"`
		AgentStateVersion int64  `json:"agentStateVersion"`
	}
	if err := json.Unmarshal(result, &registered); err != nil || registered.ID == "" {
		return nil, fmt.Errorf("hub returned an unusable session: %s", string(result))
	}

	session := &Session{
		ID:                registered.ID,
		Tag:               tag,
		Directory:         cfg.Directory,
		Agent:             fl.Name,
		StartedBy:         cfg.StartedBy,
		StartedAt:         time.Now(),
		flavor:            fl,
		agentStateVersion: registered.AgentStateVersion,
	}

	args := append([]string{}, fl.ExtraArgs...)
	if cfg.ResumeToken != "" {
		args = append(args, "--resume", cfg.ResumeToken)
	}
	if cfg.Yolo {
		args = append(args, "--dangerously-skip-permissions")
	}

	childCtx, cancel := context.WithCancel(context.Background())
	session.cancel = cancel

	process, err := rpc.Spawn(childCtx, rpc.SpawnOptions{
		Binary:      fl.Binary,
		Args:        args,
		Dir:         cfg.Directory,
		Env:         []string{"HAPI_SESSION_ID=" + session.ID},
		InstallHint: fl.InstallHint,
		OnStderr: func(event rpc.StderrEvent) {
			m.forwardStderr(session, event)
		},
	}, m.logger)
	if err != nil {
		cancel()
		return nil, err
	}
	session.process = process
	session.transport = process.Transport

	converter := convert.New(func(event convert.Event) {
		m.forwardEvent(childCtx, session, event)
	}, m.logger)
	process.Transport.SetNotificationHandler(converter.HandleNotification)
	process.Transport.RegisterHandler("session/request_permission", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return m.forwardPermission(ctx, session, params)
	})

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.hub.RegisterMethod(session.ID+":killSession", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		if err := m.Stop(session.ID); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"type":"success"}`), nil
	})
	m.hub.RegisterMethod(session.ID+":sendUserMessage", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		if err := process.Transport.Notify("user/message", params); err != nil {
			return nil, err
		}
		return json.RawMessage(`{}`), nil
	})
	m.hub.RegisterMethod(session.ID+":abort", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return m.abortTurn(ctx, session)
	})

	go m.supervise(childCtx, session)

	m.logger.WithSessionID(session.ID).Info("session started",
		zap.String("agent", fl.Name),
		zap.String("directory", cfg.Directory),
		zap.String("startedBy", cfg.StartedBy))
	return session, nil
}

// Stop terminates one session's child. The supervision loop handles the
// hub-side teardown once the process is gone.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	session.process.Kill()
	return nil
}

// StopAll terminates every session, for runner shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.process.Kill()
		s.process.Wait()
	}
}

// List snapshots the tracked sessions.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		out = append(out, SessionInfo{
			ID:        s.ID,
			Tag:       s.Tag,
			Directory: s.Directory,
			Agent:     s.Agent,
			StartedBy: s.StartedBy,
			StartedAt: s.StartedAt.UnixMilli(),
			Thinking:  s.thinking,
			PID:       s.process.PID(),
			LastError: s.lastError,
		})
		s.mu.Unlock()
	}
	return out
}

// supervise pumps keepalives while the child lives and tears the session
// down when it exits.
func (m *Manager) supervise(ctx context.Context, session *Session) {
	exited := make(chan struct{})
	go func() {
		session.process.Wait()
		close(exited)
	}()

	m.sendAlive(ctx, session)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sendAlive(ctx, session)
		case <-exited:
			m.teardown(session)
			return
		case <-ctx.Done():
			session.process.Kill()
			<-exited
			m.teardown(session)
			return
		}
	}
}

func (m *Manager) teardown(session *Session) {
	m.hub.UnregisterMethod(session.ID + ":killSession")
	m.hub.UnregisterMethod(session.ID + ":sendUserMessage")
	m.hub.UnregisterMethod(session.ID + ":abort")
	m.mu.Lock()
	delete(m.sessions, session.ID)
	m.mu.Unlock()
	session.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.hub.Call(ctx, "session-end", map[string]interface{}{
		"sessionId": session.ID,
		"time":      time.Now().UnixMilli(),
	}); err != nil {
		m.logger.WithSessionID(session.ID).Warn("failed to report session end", zap.Error(err))
	}
	m.logger.WithSessionID(session.ID).Info("session ended")
}

func (m *Manager) sendAlive(ctx context.Context, session *Session) {
	session.mu.Lock()
	thinking := session.thinking
	session.mu.Unlock()
	if _, err := m.hub.Call(ctx, "session-alive", map[string]interface{}{
		"sessionId": session.ID,
		"time":      time.Now().UnixMilli(),
		"thinking":  thinking,
	}); err != nil && ctx.Err() == nil {
		m.logger.WithSessionID(session.ID).Debug("keepalive failed", zap.Error(err))
	}
}

// forwardEvent ships one canonical agent event to the hub and maintains the
// session's thinking state and resume token.
func (m *Manager) forwardEvent(ctx context.Context, session *Session, event convert.Event) {
	switch event.Type {
	case convert.EventTaskStarted:
		m.setThinking(ctx, session, true)
	case convert.EventTaskComplete, convert.EventTaskFailed, convert.EventTurnAborted:
		m.setThinking(ctx, session, false)
	case convert.EventCodexStepComplete:
		// The turn is still running; thinking stays on.
	case convert.EventThreadStarted:
		if event.ThreadID != "" {
			session.mu.Lock()
			session.threadID = event.ThreadID
			session.mu.Unlock()
			m.storeResumeToken(ctx, session, event.ThreadID)
		}
	case convert.EventAgentMessage:
		content, _ := json.Marshal(map[string]interface{}{
			"role":    "agent",
			"content": map[string]string{"type": "text", "text": event.Message},
		})
		if _, err := m.hub.Call(ctx, "add-message", map[string]interface{}{
			"sessionId": session.ID,
			"content":   json.RawMessage(content),
		}); err != nil {
			m.logger.WithSessionID(session.ID).Warn("failed to store agent message", zap.Error(err))
		}
	case convert.EventError:
		session.mu.Lock()
		session.lastError = event.Error
		session.mu.Unlock()
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"sessionId": session.ID,
		"event":     event,
	})
	if err := m.hub.Notify("agent-event", json.RawMessage(payload)); err != nil {
		m.logger.WithSessionID(session.ID).Debug("failed to forward agent event", zap.Error(err))
	}
}

func (m *Manager) forwardStderr(session *Session, event rpc.StderrEvent) {
	payload, _ := json.Marshal(map[string]interface{}{
		"sessionId": session.ID,
		"event":     map[string]string{"type": "stderr", "kind": string(event.Kind), "text": event.Text},
	})
	if err := m.hub.Notify("agent-event", json.RawMessage(payload)); err != nil {
		m.logger.WithSessionID(session.ID).Debug("failed to forward stderr event", zap.Error(err))
	}
}

// abortTurn interrupts the agent's current turn. The agent acknowledges with
// a turn/completed notification carrying an interrupted status, which clears
// the thinking state through the normal event path; it is also cleared here
// in case the agent stays silent.
func (m *Manager) abortTurn(ctx context.Context, session *Session) (json.RawMessage, error) {
	session.mu.Lock()
	threadID := session.threadID
	session.mu.Unlock()

	if _, err := session.transport.Call(ctx, "turn/interrupt", map[string]string{"threadId": threadID}, abortCallTimeout); err != nil {
		return nil, err
	}
	m.setThinking(ctx, session, false)
	return json.RawMessage(`{"type":"success"}`), nil
}

// forwardPermission relays an agent permission request to the hub and blocks
// until a client answers or the agent's context ends.
func (m *Manager) forwardPermission(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	var req struct {
		RequestID string          `json:"requestId"`
		Title     string          `json:"title"`
		Options   json.RawMessage `json:"options"`
	}
	_ = json.Unmarshal(params, &req)

	result, err := m.hub.Call(ctx, "permission-request", map[string]interface{}{
		"sessionId": session.ID,
		"requestId": req.RequestID,
		"title":     req.Title,
		"options":   req.Options,
	})
	if err != nil {
		return map[string]string{"outcome": "cancelled"}, nil
	}
	return json.RawMessage(result), nil
}

func (m *Manager) setThinking(ctx context.Context, session *Session, thinking bool) {
	session.mu.Lock()
	changed := session.thinking != thinking
	session.thinking = thinking
	session.mu.Unlock()
	if changed {
		m.sendAlive(ctx, session)
	}
}

// storeResumeToken persists the agent's thread id into the session's agent
// state so a later restart can resume it.
func (m *Manager) storeResumeToken(ctx context.Context, session *Session, token string) {
	if session.flavor.ResumeTokenKey == "" {
		return
	}
	session.mu.Lock()
	version := session.agentStateVersion
	session.mu.Unlock()

	state, _ := json.Marshal(map[string]string{
		"agent":                      session.Agent,
		session.flavor.ResumeTokenKey: token,
	})
	result, err := m.hub.Call(ctx, "update-agent-state", map[string]interface{}{
		"sessionId":       session.ID,
		"value":           json.RawMessage(state),
		"expectedVersion": version,
	})
	if err != nil {
		m.logger.WithSessionID(session.ID).Warn("failed to store resume token", zap.Error(err))
		return
	}
	var update struct {
		Result  string `json:"result"`
		Version int64  `json:"version"`
	}
	if err := json.Unmarshal(result, &update); err == nil && update.Result == "success" {
		session.mu.Lock()
		session.agentStateVersion = update.Version
		session.mu.Unlock()
	}
}
