package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/events"
	"github.com/hapi-sh/hapi/internal/flavor"
	"github.com/hapi-sh/hapi/internal/store"
)

const (
	// SpawnAliveTimeout bounds how long an initial prompt waits for the
	// spawned session to report alive before giving up on delivery.
	SpawnAliveTimeout = 15 * time.Second
	// resumeRetryDelay is the pause before the single resume retry.
	resumeRetryDelay = 500 * time.Millisecond
)

// SpawnOptions are the recognized knobs of a spawn request.
type SpawnOptions struct {
	MachineID       string `json:"machineId"`
	Directory       string `json:"directory"`
	Agent           string `json:"agent,omitempty"`
	WorktreeName    string `json:"worktreeName,omitempty"`
	Yolo            bool   `json:"yolo,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
	InitialPrompt   string `json:"initialPrompt,omitempty"`
}

// SpawnResult is the engine's answer to a spawn request.
// InitialPromptDelivery is set only when a non-blank prompt was supplied:
// "delivered", "timed_out" (no alive signal), or "failed" (alive but the
// prompt could not be stored).
type SpawnResult struct {
	Type                  string `json:"type"`
	SessionID             string `json:"sessionId,omitempty"`
	InitialPromptDelivery string `json:"initialPromptDelivery,omitempty"`
	ErrorMessage          string `json:"errorMessage,omitempty"`
}

// runnerReply is the wire shape runners answer spawn and kill RPCs with.
type runnerReply struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// RestartOutcome reports one session's fate in a restart sweep.
type RestartOutcome struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"` // "restarted", "skipped", "failed"
	Error     string `json:"error,omitempty"`
}

// Engine drives spawn and restart flows across runner sockets.
type Engine struct {
	store    *store.Store
	cache    *Cache
	registry *Registry
	flavors  *flavor.Catalog
	events   *events.Publisher
	logger   *logger.Logger

	aliveTimeout time.Duration
	retryDelay   time.Duration
}

// NewEngine wires the sync engine over its collaborators.
func NewEngine(st *store.Store, cache *Cache, registry *Registry, flavors *flavor.Catalog, pub *events.Publisher, log *logger.Logger) *Engine {
	return &Engine{
		store:        st,
		cache:        cache,
		registry:     registry,
		flavors:      flavors,
		events:       pub,
		logger:       log.WithFields(zap.String("component", "sync-engine")),
		aliveTimeout: SpawnAliveTimeout,
		retryDelay:   resumeRetryDelay,
	}
}

// SpawnSession asks a machine's runner to start a new agent session. When an
// initial prompt is supplied it is delivered as the session's first user
// message once the session reports alive.
func (e *Engine) SpawnSession(ctx context.Context, namespace string, opts SpawnOptions) (*SpawnResult, error) {
	if opts.MachineID == "" {
		return nil, fmt.Errorf("spawn requires a machine id")
	}
	if opts.Directory == "" {
		return nil, fmt.Errorf("spawn requires a directory")
	}

	agent := opts.Agent
	if agent == "" {
		agent = e.flavors.Default().Name
	}
	if _, ok := e.flavors.Get(agent); !ok {
		return nil, fmt.Errorf("unknown agent flavor %q", agent)
	}

	reply, err := e.callSpawn(ctx, opts.MachineID, map[string]interface{}{
		"type":         "spawn-in-directory",
		"directory":    opts.Directory,
		"agent":        agent,
		"worktreeName": opts.WorktreeName,
		"yolo":         opts.Yolo,
	})
	if err != nil {
		return nil, err
	}
	if reply.Type != "success" {
		return &SpawnResult{Type: "error", ErrorMessage: reply.ErrorMessage}, nil
	}

	result := &SpawnResult{Type: "success", SessionID: reply.SessionID}

	prompt := strings.TrimSpace(opts.InitialPrompt)
	if prompt == "" {
		return result, nil
	}

	if !e.cache.WaitForActive(ctx, reply.SessionID, e.aliveTimeout) {
		result.InitialPromptDelivery = "timed_out"
		return result, nil
	}

	content, _ := json.Marshal(map[string]interface{}{
		"role": "user",
		"content": map[string]interface{}{
			"type": "text",
			"text": prompt,
		},
		"meta": map[string]interface{}{"sentFrom": "spawn"},
	})
	msg, err := e.store.AddMessage(ctx, reply.SessionID, content, nil)
	if err != nil {
		// The session is alive but the prompt never made it into history;
		// a storage failure is not a liveness timeout.
		e.logger.WithSessionID(reply.SessionID).Error("failed to record initial prompt", zap.Error(err))
		result.InitialPromptDelivery = "failed"
		return result, nil
	}
	data, _ := json.Marshal(msg)
	e.events.MessageReceived(ctx, namespace, reply.SessionID, data)
	result.InitialPromptDelivery = "delivered"
	return result, nil
}

// RestartFilter narrows which of a namespace's sessions a restart sweep
// touches. Zero value means all sessions.
type RestartFilter struct {
	MachineID  string
	SessionIDs []string
}

func (f RestartFilter) matches(s *store.Session) bool {
	if f.MachineID != "" && (s.MachineID == nil || *s.MachineID != f.MachineID) {
		return false
	}
	if len(f.SessionIDs) > 0 {
		for _, id := range f.SessionIDs {
			if id == s.ID {
				return true
			}
		}
		return false
	}
	return true
}

// RestartSessions kills and resumes each matching session in turn. The loop
// is strictly sequential: runners serialize spawn, and interleaving kills
// with resumes trips them up. Outcomes preserve input order.
func (e *Engine) RestartSessions(ctx context.Context, namespace string, filter RestartFilter) ([]RestartOutcome, error) {
	sessions, err := e.store.ListSessions(ctx, namespace)
	if err != nil {
		return nil, err
	}

	outcomes := make([]RestartOutcome, 0, len(sessions))
	for _, session := range sessions {
		if !filter.matches(session) {
			continue
		}
		outcomes = append(outcomes, e.restartOne(ctx, session))
	}
	return outcomes, nil
}

func (e *Engine) restartOne(ctx context.Context, session *store.Session) RestartOutcome {
	out := RestartOutcome{SessionID: session.ID}
	log := e.logger.WithSessionID(session.ID)

	resumeToken, ok := e.resumeToken(session)
	if !ok {
		out.Status = "skipped"
		out.Error = "not_resumable"
		return out
	}
	if session.MachineID == nil || *session.MachineID == "" {
		out.Status = "failed"
		out.Error = "no_machine_online"
		return out
	}

	// Kill first. A failed kill leaves the runner's state unknown, so we
	// force the mirror inactive and resume anyway.
	if _, err := e.registry.Call(ctx, session.ID+":killSession", nil, 0); err != nil {
		log.Warn("kill rpc failed, forcing inactive before resume", zap.Error(err))
		e.cache.ForceInactive(session.ID)
	}

	params := map[string]interface{}{
		"type":            "spawn-in-directory",
		"resumeSessionId": resumeToken,
	}
	reply, err := e.callSpawn(ctx, *session.MachineID, params)
	if err != nil {
		out.Status = "failed"
		out.Error = err.Error()
		return out
	}
	if reply.Type != "success" && reply.ErrorCode == "resume_failed" {
		time.Sleep(e.retryDelay)
		reply, err = e.callSpawn(ctx, *session.MachineID, params)
		if err != nil {
			out.Status = "failed"
			out.Error = err.Error()
			return out
		}
	}
	if reply.Type != "success" {
		out.Status = "failed"
		out.Error = reply.ErrorCode
		if out.Error == "" {
			out.Error = reply.ErrorMessage
		}
		return out
	}

	out.Status = "restarted"
	return out
}

// resumeToken extracts the flavor-specific resume token from a session's
// agent state. A session without one cannot be restarted.
func (e *Engine) resumeToken(session *store.Session) (string, bool) {
	agent := "claude"
	var state map[string]interface{}
	if len(session.AgentState) > 0 {
		if err := json.Unmarshal(session.AgentState, &state); err != nil {
			return "", false
		}
		if v, ok := state["agent"].(string); ok && v != "" {
			agent = v
		}
	}

	f, ok := e.flavors.Get(agent)
	if !ok || f.ResumeTokenKey == "" {
		return "", false
	}
	token, ok := state[f.ResumeTokenKey].(string)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func (e *Engine) callSpawn(ctx context.Context, machineID string, params map[string]interface{}) (*runnerReply, error) {
	raw, _ := json.Marshal(params)
	data, err := e.registry.Call(ctx, machineID+":spawn-happy-session", raw, 0)
	if err != nil {
		return nil, err
	}
	var reply runnerReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("malformed spawn reply: %w", err)
	}
	return &reply, nil
}
