package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/config"
	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/flavor"
)

// takeoverWait bounds how long a new runner waits for a displaced one to
// release the lock.
const takeoverWait = 10 * time.Second

// Supervisor is one runner process: hub socket, session manager, control
// API, state file and the self-update heartbeat.
type Supervisor struct {
	cfg      config.RunnerConfig
	version  string
	settings *Settings
	flavors  *flavor.Catalog
	logger   *logger.Logger

	hub     *HubClient
	manager *Manager
	control *Control
	state   *StateFile

	respawned bool
}

// NewSupervisor loads runner identity from the data root and wires the hub
// client and session manager. cfg.Token falls back to the persisted one.
func NewSupervisor(cfg config.RunnerConfig, version string, log *logger.Logger) (*Supervisor, error) {
	settings, err := LoadSettings(cfg.Home)
	if err != nil {
		return nil, err
	}

	token := cfg.Token
	if token == "" {
		token = settings.CLIAPIToken
	}
	if token == "" {
		return nil, fmt.Errorf("no hub token: set CLI_API_TOKEN or cliApiToken in settings.json")
	}
	if settings.CLIAPIToken != token {
		settings.CLIAPIToken = token
		if err := SaveSettings(cfg.Home, settings); err != nil {
			return nil, err
		}
	}

	flavors, err := flavor.Load(cfg.FlavorFile)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:      cfg,
		version:  version,
		settings: settings,
		flavors:  flavors,
		logger:   log.WithMachineID(settings.MachineID),
	}
	s.hub = NewHubClient(cfg.APIURL, token, settings.MachineID, s.logger)
	s.manager = NewManager(s.hub, flavors, s.logger)
	s.control = NewControl(s.manager, s.logger)
	return s, nil
}

// MachineID returns this runner's persistent machine identity.
func (s *Supervisor) MachineID() string {
	return s.settings.MachineID
}

// Run drives the runner until ctx is cancelled (SIGTERM). A second runner on
// the same data root is refused unless it carries a different version, in
// which case it displaces the old one.
func (s *Supervisor) Run(ctx context.Context) error {
	state, err := s.acquireState()
	if err != nil {
		return err
	}
	s.state = state
	defer func() {
		s.manager.StopAll()
		s.control.Stop()
		if err := s.state.Release(); err != nil {
			s.logger.Warn("failed to release runner state", zap.Error(err))
		}
		s.logger.Info("runner stopped")
	}()

	if err := s.control.Start(fmt.Sprintf("127.0.0.1:%d", s.cfg.ControlPort)); err != nil {
		return fmt.Errorf("failed to start control api: %w", err)
	}
	if err := s.state.Update(State{
		PID:         os.Getpid(),
		Version:     s.version,
		ControlPort: s.control.Port(),
	}); err != nil {
		return err
	}

	s.hub.RegisterMethod(s.settings.MachineID+":spawn-happy-session", s.handleSpawnRPC)
	go s.hub.Run(ctx)

	s.logger.Info("runner started",
		zap.String("version", s.version),
		zap.Int("controlPort", s.control.Port()))
	s.heartbeatLoop(ctx)
	return nil
}

// acquireState takes the runner lock. When the holder runs a different
// version, it is SIGTERMed and the lock re-tried: this is the takeover half
// of self-update.
func (s *Supervisor) acquireState() (*StateFile, error) {
	self := State{PID: os.Getpid(), Version: s.version, ControlPort: s.cfg.ControlPort}

	state, err := AcquireState(s.cfg.Home, self)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrAlreadyRunning) {
		return nil, err
	}

	prev, readErr := ReadState(s.cfg.Home)
	if readErr != nil || prev.Version == s.version {
		return nil, err
	}

	s.logger.Info("displacing outdated runner",
		zap.Int("pid", prev.PID),
		zap.String("oldVersion", prev.Version),
		zap.String("newVersion", s.version))
	_ = syscall.Kill(prev.PID, syscall.SIGTERM)

	deadline := time.Now().Add(takeoverWait)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		if state, err = AcquireState(s.cfg.Home, self); err == nil {
			return state, nil
		}
	}
	return nil, fmt.Errorf("previous runner (pid %d) did not exit: %w", prev.PID, err)
}

// heartbeatLoop pings the hub and watches for a newer installed version.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *Supervisor) heartbeat(ctx context.Context) {
	if s.hub.IsConnected() {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := s.hub.Call(callCtx, "machine-alive", map[string]interface{}{}); err != nil {
			s.logger.Debug("machine heartbeat failed", zap.Error(err))
		}
		cancel()

		_ = s.hub.Notify("runner-state-changed", map[string]interface{}{
			"version":     s.version,
			"controlPort": s.control.Port(),
			"sessions":    len(s.manager.List()),
		})
	}

	installed, err := installedVersion(s.cfg.Home)
	if err != nil || installed == "" || installed == s.version {
		return
	}
	if s.respawned {
		return
	}
	s.respawned = true
	s.logger.Info("newer runner version installed, spawning replacement",
		zap.String("running", s.version),
		zap.String("installed", installed))
	if err := spawnSelf(); err != nil {
		s.logger.Error("failed to spawn replacement runner", zap.Error(err))
		s.respawned = false
	}
	// The replacement sees the version mismatch in our state file and
	// SIGTERMs this process to take over.
}

// handleSpawnRPC serves the hub's spawn-in-directory request.
func (s *Supervisor) handleSpawnRPC(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Type            string `json:"type"`
		Directory       string `json:"directory"`
		Agent           string `json:"agent"`
		WorktreeName    string `json:"worktreeName"`
		Yolo            bool   `json:"yolo"`
		ResumeSessionID string `json:"resumeSessionId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if req.Type != "spawn-in-directory" {
		return nil, fmt.Errorf("unknown spawn request type %q", req.Type)
	}

	session, err := s.manager.Spawn(ctx, SessionConfig{
		Directory:    req.Directory,
		Agent:        req.Agent,
		WorktreeName: req.WorktreeName,
		Yolo:         req.Yolo,
		ResumeToken:  req.ResumeSessionID,
		StartedBy:    "runner",
	})
	if err != nil {
		code := "spawn_failed"
		if req.ResumeSessionID != "" {
			code = "resume_failed"
		}
		reply, _ := json.Marshal(map[string]string{
			"type":         "error",
			"errorMessage": err.Error(),
			"errorCode":    code,
		})
		return reply, nil
	}

	reply, _ := json.Marshal(map[string]string{
		"type":      "success",
		"sessionId": session.ID,
	})
	return reply, nil
}

// installedVersion reads the version the package manager last installed into
// the data root. Missing file means no managed install to compare against.
func installedVersion(home string) (string, error) {
	data, err := os.ReadFile(filepath.Join(home, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var pkg struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", err
	}
	return pkg.Version, nil
}

// spawnSelf re-executes this binary with the same arguments, detached.
func spawnSelf() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}
